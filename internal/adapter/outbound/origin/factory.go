// Package origin selects the origin adapter for a deployment.
package origin

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/adapter/outbound/mcpclient"
	"github.com/i2y/toolgate/internal/adapter/outbound/openapi"
	"github.com/i2y/toolgate/internal/adapter/outbound/raw"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/usecase"
)

// Factory implements usecase.OriginFactory and dispatches on the origin type.
type Factory struct {
	httpInvoker *httpinvoker.Invoker
	fetcher     *openapi.Fetcher
	generator   *openapi.Generator
	logger      *slog.Logger
}

// NewFactory creates a new origin factory.
func NewFactory(httpInv *httpinvoker.Invoker, fetcher *openapi.Fetcher, generator *openapi.Generator, logger *slog.Logger) *Factory {
	return &Factory{
		httpInvoker: httpInv,
		fetcher:     fetcher,
		generator:   generator,
		logger:      logger,
	}
}

// New returns the adapter for cfg.Origin.
func (f *Factory) New(ctx context.Context, cfg *domain.DeploymentConfig) (usecase.OriginAdapter, error) {
	log := f.logger.With(slog.String("component", "origin_factory"), slog.String("type", string(cfg.Origin.Type)), slog.String("project", cfg.Slug))

	switch cfg.Origin.Type {
	case domain.OriginRaw:
		log.Debug("Creating raw origin adapter")
		return raw.New(cfg.Origin, cfg.ToolConfigs, f.httpInvoker, f.logger)

	case domain.OriginOpenAPI:
		log.Debug("Creating OpenAPI origin adapter")
		return openapi.NewAdapter(ctx, cfg.Origin, f.fetcher, f.generator, f.httpInvoker, f.logger)

	case domain.OriginMCP:
		log.Debug("Creating MCP origin adapter")
		return mcpclient.New(cfg.Origin, f.logger)

	default:
		log.Error("Unknown origin type")
		return nil, fmt.Errorf("unknown origin type: %q", cfg.Origin.Type)
	}
}
