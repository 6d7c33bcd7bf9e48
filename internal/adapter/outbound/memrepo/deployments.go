package memrepo

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/i2y/toolgate/internal/domain"
)

// DeploymentRepository is an in-memory usecase.DeploymentRepository.
// NOTE: This implementation is not persistent and data will be lost on restart.
type DeploymentRepository struct {
	mu      sync.RWMutex
	byID    map[string]*domain.Deployment
	history map[string][]*domain.Deployment // project slug -> deployments, oldest first
	active  map[string]string               // project slug -> deployment id
	logger  *slog.Logger
}

// NewDeploymentRepository creates a new in-memory deployment repository.
func NewDeploymentRepository(logger *slog.Logger) *DeploymentRepository {
	return &DeploymentRepository{
		byID:    make(map[string]*domain.Deployment),
		history: make(map[string][]*domain.Deployment),
		active:  make(map[string]string),
		logger:  logger.With("component", "mem_deployments"),
	}
}

// Publish stores d and makes it the active deployment of its project.
func (r *DeploymentRepository) Publish(ctx context.Context, d *domain.Deployment) (*domain.Deployment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.active[d.ProjectSlug]; ok {
		current := r.byID[id]
		if current.Hash == d.Hash {
			r.logger.Debug("Deployment unchanged", slog.String("id", current.ID))
			return current, false, nil
		}
	}
	if existing, ok := r.byID[d.ID]; ok {
		// A previous config is republished: reactivate it.
		r.active[d.ProjectSlug] = existing.ID
		r.logger.Info("Reactivated deployment", slog.String("id", existing.ID))
		return existing, false, nil
	}

	stored := *d
	stored.Version = len(r.history[d.ProjectSlug]) + 1
	r.byID[stored.ID] = &stored
	r.history[d.ProjectSlug] = append(r.history[d.ProjectSlug], &stored)
	r.active[d.ProjectSlug] = stored.ID
	r.logger.Info("Published deployment",
		slog.String("id", stored.ID),
		slog.String("project", stored.ProjectSlug),
		slog.Int("version", stored.Version))
	return &stored, true, nil
}

// Active returns the active deployment of a project.
func (r *DeploymentRepository) Active(ctx context.Context, projectSlug string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.active[projectSlug]
	if !ok {
		return nil, domain.ErrDeploymentNotFound
	}
	return r.byID[id], nil
}

// Get returns a deployment by id.
func (r *DeploymentRepository) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrDeploymentNotFound
	}
	return d, nil
}

// History lists the deployments of a project, newest first.
func (r *DeploymentRepository) History(ctx context.Context, projectSlug string) ([]*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.history[projectSlug]
	out := make([]*domain.Deployment, len(list))
	for i, d := range list {
		out[len(list)-1-i] = d
	}
	return out, nil
}

// ListActive returns the active deployment of every project, ordered by project slug.
func (r *DeploymentRepository) ListActive(ctx context.Context) ([]*domain.Deployment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Deployment, 0, len(r.active))
	for _, id := range r.active {
		out = append(out, r.byID[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectSlug < out[j].ProjectSlug })
	return out, nil
}
