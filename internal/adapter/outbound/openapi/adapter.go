// Package openapi derives tools from OpenAPI documents and invokes them over HTTP.
package openapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/domain"
)

// Adapter is the origin adapter for OpenAPI-described services.
type Adapter struct {
	tools   []domain.ToolDescriptor
	routes  map[string]httpinvoker.Route
	invoker *httpinvoker.Invoker
	logger  *slog.Logger
}

// NewAdapter fetches the origin's document and derives its tools.
func NewAdapter(ctx context.Context, origin domain.Origin, fetcher *Fetcher, generator *Generator, invoker *httpinvoker.Invoker, logger *slog.Logger) (*Adapter, error) {
	src := origin.Spec
	if src == "" {
		src = origin.URL
	}
	if src == "" {
		return nil, fmt.Errorf("openapi origin needs a url or spec")
	}

	schema, err := fetcher.Fetch(ctx, src, origin.Headers)
	if err != nil {
		return nil, err
	}
	generated, err := generator.Generate(schema, origin.URL)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		routes:  make(map[string]httpinvoker.Route, len(generated)),
		invoker: invoker,
		logger:  logger.With("component", "openapi_adapter", "source", schema.Source),
	}
	for _, g := range generated {
		r := g.Route
		if len(origin.Headers) > 0 {
			r.Headers = origin.Headers
		}
		a.tools = append(a.tools, g.Tool)
		a.routes[g.Tool.Name] = r
	}
	return a, nil
}

// ListTools returns one tool per operation.
func (a *Adapter) ListTools(context.Context) ([]domain.ToolDescriptor, error) {
	return a.tools, nil
}

// Invoke maps the tool back to its operation and forwards the call.
func (a *Adapter) Invoke(ctx context.Context, call domain.ToolCall) (*domain.OriginResult, error) {
	r, ok := a.routes[call.Name]
	if !ok {
		return nil, &domain.OriginError{Tool: call.Name, Err: domain.ErrToolNotFound}
	}
	return a.invoker.Invoke(ctx, r, call)
}

// Close is a no-op; HTTP origins hold no session.
func (a *Adapter) Close() error { return nil }
