package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/policy"
	"github.com/i2y/toolgate/internal/schema"
	"github.com/i2y/toolgate/internal/telemetry"
)

// PolicyEngine runs resolved invocations through the policy stages.
type PolicyEngine interface {
	Run(ctx context.Context, inv policy.Invocation) (*policy.Outcome, error)
}

// Invocation is a call as received by an inbound surface.
type Invocation struct {
	// RoutingKey is a project slug or a pinned deployment id ("<slug>@<hash>").
	RoutingKey string
	Tool       string

	// Args is the raw JSON argument document, or an already decoded value.
	Args    interface{}
	APIKey  string
	Headers http.Header
}

// InvokeToolUseCase routes a call to its deployment and tool, validates the
// arguments and hands it to the policy engine.
type InvokeToolUseCase struct {
	deployments DeploymentRepository
	registry    *AdapterRegistry
	schemas     *schema.Cache
	engine      PolicyEngine
	logger      *slog.Logger
}

// NewInvokeToolUseCase creates a new InvokeToolUseCase.
func NewInvokeToolUseCase(deployments DeploymentRepository, registry *AdapterRegistry, schemas *schema.Cache, engine PolicyEngine, logger *slog.Logger) *InvokeToolUseCase {
	return &InvokeToolUseCase{
		deployments: deployments,
		registry:    registry,
		schemas:     schemas,
		engine:      engine,
		logger:      logger.With("usecase", "InvokeTool"),
	}
}

// Execute runs one invocation. The outcome is nil when the call failed
// before reaching the policy engine.
func (uc *InvokeToolUseCase) Execute(ctx context.Context, inv Invocation) (*policy.Outcome, error) {
	log := uc.logger.With(slog.String("routing_key", inv.RoutingKey), slog.String("tool_name", inv.Tool))

	out, err := uc.execute(ctx, inv, log)
	project := inv.RoutingKey
	if i := strings.IndexByte(project, '@'); i >= 0 {
		project = project[:i]
	}
	telemetry.ObserveInvocation(project, inv.Tool, domain.StatusCode(err))
	if err != nil && domain.StatusCode(err) == http.StatusInternalServerError {
		log.Error("Tool invocation failed", slog.Any("error", err))
	}
	return out, err
}

func (uc *InvokeToolUseCase) execute(ctx context.Context, inv Invocation, log *slog.Logger) (*policy.Outcome, error) {
	d, err := ResolveDeployment(ctx, uc.deployments, inv.RoutingKey)
	if err != nil {
		return nil, err
	}
	tool, ok := d.Tool(inv.Tool)
	if !ok || !tool.Enabled {
		log.Debug("Tool not found or disabled")
		return nil, &domain.NotFoundError{Kind: "tool", Name: inv.Tool, Err: domain.ErrToolNotFound}
	}

	compiled, err := uc.schemas.Get(SchemaKey(d.ID, tool.Name), tool.InputSchema)
	if err != nil {
		return nil, &domain.InternalError{Op: "compile input schema", Err: err}
	}
	value, err := compiled.Validate(inv.Args)
	if err != nil {
		log.Debug("Arguments rejected", slog.Any("error", err))
		return nil, err
	}
	args, ok := value.(map[string]interface{})
	if !ok {
		return nil, &domain.ValidationError{Violations: []domain.Violation{{Message: "arguments must be a JSON object"}}}
	}

	adapter, err := uc.registry.Adapter(ctx, d)
	if err != nil {
		return nil, &domain.OriginError{Tool: tool.Name, Err: err}
	}

	return uc.engine.Run(ctx, policy.Invocation{
		Deployment: d,
		Tool:       tool,
		Origin:     adapter,
		Args:       args,
		APIKey:     inv.APIKey,
		Headers:    inv.Headers,
	})
}

// ResolveDeployment maps a routing key to a deployment: a project slug
// resolves to the active deployment, a deployment id to that deployment.
func ResolveDeployment(ctx context.Context, repo DeploymentRepository, key string) (*domain.Deployment, error) {
	var (
		d   *domain.Deployment
		err error
	)
	if strings.Contains(key, "@") {
		d, err = repo.Get(ctx, key)
	} else {
		d, err = repo.Active(ctx, key)
	}
	if errors.Is(err, domain.ErrDeploymentNotFound) {
		return nil, &domain.NotFoundError{Kind: "deployment", Name: key, Err: err}
	}
	if err != nil {
		return nil, &domain.InternalError{Op: fmt.Sprintf("resolve deployment %q", key), Err: err}
	}
	return d, nil
}
