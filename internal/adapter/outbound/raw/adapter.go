// Package raw forwards tool calls to an HTTP origin whose tools are declared in the deployment config.
package raw

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/schema"
)

// Adapter is the origin adapter for raw HTTP origins.
type Adapter struct {
	tools   []domain.ToolDescriptor
	routes  map[string]httpinvoker.Route
	invoker *httpinvoker.Invoker
	logger  *slog.Logger
}

// New builds routes from the declared tool configs. A tool without a method
// is a POST; a tool without a path is served at /<name>. A tool without an
// input schema gets one inferred from its example arguments, or an open one.
func New(origin domain.Origin, configs []domain.ToolConfig, invoker *httpinvoker.Invoker, logger *slog.Logger) (*Adapter, error) {
	if origin.URL == "" {
		return nil, fmt.Errorf("raw origin needs a url")
	}
	a := &Adapter{
		routes:  make(map[string]httpinvoker.Route, len(configs)),
		invoker: invoker,
		logger:  logger.With("component", "raw_adapter", "url", origin.URL),
	}
	for _, tc := range configs {
		if tc.Name == "" {
			return nil, fmt.Errorf("raw origin tool without a name")
		}
		method := strings.ToUpper(tc.Method)
		if method == "" {
			method = http.MethodPost
		}
		path := tc.Path
		if path == "" {
			path = "/" + tc.Name
		}
		a.routes[tc.Name] = httpinvoker.Route{
			Host:    origin.URL,
			Method:  method,
			Path:    path,
			Headers: origin.Headers,
		}

		input := tc.InputSchema
		switch {
		case len(input) > 0:
		case tc.Example != nil:
			input = schema.Generate(tc.Example)
		default:
			input = domain.PassthroughSchema()
		}
		a.tools = append(a.tools, domain.ToolDescriptor{
			Name:         tc.Name,
			Description:  tc.Description,
			InputSchema:  input,
			OutputSchema: tc.OutputSchema,
		})
	}
	return a, nil
}

// ListTools returns the declared tools.
func (a *Adapter) ListTools(context.Context) ([]domain.ToolDescriptor, error) {
	return a.tools, nil
}

// Invoke forwards call to the tool's method and path.
func (a *Adapter) Invoke(ctx context.Context, call domain.ToolCall) (*domain.OriginResult, error) {
	r, ok := a.routes[call.Name]
	if !ok {
		return nil, &domain.OriginError{Tool: call.Name, Err: domain.ErrToolNotFound}
	}
	a.logger.Debug("Forwarding raw tool call", slog.String("tool", call.Name), slog.String("path", r.Path))
	return a.invoker.Invoke(ctx, r, call)
}

// Close is a no-op; HTTP origins hold no session.
func (a *Adapter) Close() error { return nil }
