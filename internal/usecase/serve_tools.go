package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i2y/toolgate/internal/domain"
)

// ServeToolsUseCase lists what the gateway currently serves.
type ServeToolsUseCase struct {
	deployments DeploymentRepository
	logger      *slog.Logger
}

// NewServeToolsUseCase creates a new ServeToolsUseCase.
func NewServeToolsUseCase(deployments DeploymentRepository, logger *slog.Logger) *ServeToolsUseCase {
	return &ServeToolsUseCase{
		deployments: deployments,
		logger:      logger.With("usecase", "ServeTools"),
	}
}

// Execute returns the deployment behind routingKey and its enabled tools.
func (uc *ServeToolsUseCase) Execute(ctx context.Context, routingKey string) (*domain.Deployment, []domain.ToolDescriptor, error) {
	d, err := ResolveDeployment(ctx, uc.deployments, routingKey)
	if err != nil {
		return nil, nil, err
	}
	tools := EnabledTools(d)
	uc.logger.Debug("Listed tools", slog.String("deployment_id", d.ID), slog.Int("count", len(tools)))
	return d, tools, nil
}

// Active returns the active deployment of every project.
func (uc *ServeToolsUseCase) Active(ctx context.Context) ([]*domain.Deployment, error) {
	ds, err := uc.deployments.ListActive(ctx)
	if err != nil {
		uc.logger.Error("Failed to list active deployments", slog.Any("error", err))
		return nil, fmt.Errorf("failed to list active deployments: %w", err)
	}
	return ds, nil
}

// History lists every deployment of a project, newest first.
func (uc *ServeToolsUseCase) History(ctx context.Context, project string) ([]*domain.Deployment, error) {
	ds, err := uc.deployments.History(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments of %q: %w", project, err)
	}
	if len(ds) == 0 {
		return nil, &domain.NotFoundError{Kind: "project", Name: project, Err: domain.ErrDeploymentNotFound}
	}
	return ds, nil
}

// EnabledTools returns the tools of d that callers may invoke.
func EnabledTools(d *domain.Deployment) []domain.ToolDescriptor {
	tools := make([]domain.ToolDescriptor, 0, len(d.Tools))
	for _, t := range d.Tools {
		if t.Enabled {
			tools = append(tools, t)
		}
	}
	return tools
}
