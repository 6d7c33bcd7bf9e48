package usecase

import (
	"context"

	"github.com/i2y/toolgate/internal/domain"
)

// --- Origin Related ---

// OriginAdapter is the uniform capability set every origin kind provides.
type OriginAdapter interface {
	// ListTools returns the tools derived from the origin. Policy fields are
	// left at their zero values; defaults are applied at deployment build.
	ListTools(ctx context.Context) ([]domain.ToolDescriptor, error)
	// Invoke forwards one call. Every failure is a *domain.OriginError.
	Invoke(ctx context.Context, call domain.ToolCall) (*domain.OriginResult, error)
	Close() error
}

// OriginFactory constructs the adapter for a deployment's origin.
type OriginFactory interface {
	New(ctx context.Context, cfg *domain.DeploymentConfig) (OriginAdapter, error)
}

// --- Storage Related ---

// DeploymentRepository stores immutable deployments and tracks the active one per project.
type DeploymentRepository interface {
	// Publish stores d and makes it active. When the active deployment of the
	// project already has the same hash, it is returned and created is false.
	Publish(ctx context.Context, d *domain.Deployment) (active *domain.Deployment, created bool, err error)
	// Active returns the active deployment of a project, or domain.ErrDeploymentNotFound.
	Active(ctx context.Context, projectSlug string) (*domain.Deployment, error)
	// Get returns a deployment by id.
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	// History lists every deployment of a project, newest first.
	History(ctx context.Context, projectSlug string) ([]*domain.Deployment, error)
	// ListActive returns the active deployment of every project.
	ListActive(ctx context.Context) ([]*domain.Deployment, error)
}

// ConsumerStore resolves credentials to consumers.
type ConsumerStore interface {
	// FindByAPIKeyHash returns the consumer holding the key, or domain.ErrConsumerNotFound.
	FindByAPIKeyHash(ctx context.Context, hash string) (*domain.Consumer, error)
	Save(ctx context.Context, c *domain.Consumer, apiKey string) error
}
