package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/pricing"
	"github.com/i2y/toolgate/internal/schema"
)

// ErrOriginUnavailable marks build failures caused by the origin rather than the config.
var ErrOriginUnavailable = errors.New("origin unavailable")

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// BuildDeploymentUseCase turns a deployment config into a published,
// immutable deployment. A config that fails any check is never published.
type BuildDeploymentUseCase struct {
	factory  OriginFactory
	repo     DeploymentRepository
	registry *AdapterRegistry
	schemas  *schema.Cache
	logger   *slog.Logger
	now      func() time.Time
}

// NewBuildDeploymentUseCase creates a new BuildDeploymentUseCase.
func NewBuildDeploymentUseCase(factory OriginFactory, repo DeploymentRepository, registry *AdapterRegistry, schemas *schema.Cache, logger *slog.Logger) *BuildDeploymentUseCase {
	return &BuildDeploymentUseCase{
		factory:  factory,
		repo:     repo,
		registry: registry,
		schemas:  schemas,
		logger:   logger.With("usecase", "BuildDeployment"),
		now:      time.Now,
	}
}

// Execute validates cfg, discovers the origin's tools, resolves their policy
// and publishes the result. created is false when the project's active
// deployment already has the same config.
func (uc *BuildDeploymentUseCase) Execute(ctx context.Context, cfg *domain.DeploymentConfig) (d *domain.Deployment, created bool, err error) {
	log := uc.logger.With(slog.String("project", cfg.Slug), slog.String("origin", string(cfg.Origin.Type)))
	log.Info("Building deployment")

	if err := ValidateConfig(cfg); err != nil {
		log.Warn("Deployment config rejected", slog.Any("error", err))
		return nil, false, err
	}
	hash, err := ConfigHash(cfg)
	if err != nil {
		return nil, false, err
	}
	id := DeploymentID(cfg.Slug, hash)
	log = log.With(slog.String("deployment_id", id))

	adapter, err := uc.factory.New(ctx, cfg)
	if err != nil {
		log.Error("Failed to create origin adapter", slog.Any("error", err))
		return nil, false, fmt.Errorf("%w: failed to create origin adapter: %w", ErrOriginUnavailable, err)
	}
	keep := false
	defer func() {
		if !keep {
			_ = adapter.Close()
		}
	}()

	derived, err := adapter.ListTools(ctx)
	if err != nil {
		log.Error("Failed to list origin tools", slog.Any("error", err))
		return nil, false, fmt.Errorf("%w: failed to list origin tools: %w", ErrOriginUnavailable, err)
	}
	log.Debug("Origin tools discovered", slog.Int("count", len(derived)))

	tools, err := ResolveTools(cfg, derived)
	if err != nil {
		log.Warn("Tool resolution failed", slog.Any("error", err))
		return nil, false, err
	}
	var issues []string
	for _, t := range tools {
		if _, err := uc.schemas.Get(SchemaKey(id, t.Name), t.InputSchema); err != nil {
			issues = append(issues, fmt.Sprintf("tool %q: input schema: %v", t.Name, err))
		}
		if len(t.OutputSchema) > 0 {
			if _, err := schema.Compile(t.OutputSchema); err != nil {
				issues = append(issues, fmt.Sprintf("tool %q: output schema: %v", t.Name, err))
			}
		}
	}
	if len(issues) > 0 {
		return nil, false, &domain.ToolConfigError{Issues: issues}
	}

	active, created, err := uc.repo.Publish(ctx, &domain.Deployment{
		ID:          id,
		ProjectSlug: cfg.Slug,
		Hash:        hash,
		Config:      *cfg,
		Tools:       tools,
		CreatedAt:   uc.now().UTC(),
	})
	if err != nil {
		log.Error("Failed to publish deployment", slog.Any("error", err))
		return nil, false, fmt.Errorf("failed to publish deployment: %w", err)
	}
	keep = uc.registry.Adopt(active.ID, adapter)

	log.Info("Deployment active",
		slog.Int("version", active.Version),
		slog.Int("tools", len(active.Tools)),
		slog.Bool("created", created))
	return active, created, nil
}

// SyncConfigured builds every configured deployment. Every config is
// attempted; the failures are joined.
func (uc *BuildDeploymentUseCase) SyncConfigured(ctx context.Context, cfgs []*domain.DeploymentConfig) error {
	var errs []error
	for _, cfg := range cfgs {
		if _, _, err := uc.Execute(ctx, cfg); err != nil {
			errs = append(errs, fmt.Errorf("deployment %q: %w", cfg.Slug, err))
		}
	}
	return errors.Join(errs...)
}

// ConfigHash returns the sha256 of the config's canonical JSON encoding.
func ConfigHash(cfg *domain.DeploymentConfig) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode deployment config: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// DeploymentID is "<slug>@<first 8 hash chars>".
func DeploymentID(slug, hash string) string {
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return slug + "@" + hash
}

// SchemaKey identifies a tool's compiled input schema.
func SchemaKey(deploymentID, tool string) string {
	return deploymentID + "/" + tool
}

// ValidateConfig runs every check that does not need the origin: project
// fields, origin settings, pricing and the declared tool configs.
func ValidateConfig(cfg *domain.DeploymentConfig) error {
	var issues []string
	add := func(format string, args ...interface{}) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if !slugPattern.MatchString(cfg.Slug) {
		add("slug %q must be lowercase letters, digits and dashes", cfg.Slug)
	}
	if cfg.Name == "" {
		add("name is required")
	}
	switch {
	case !cfg.Origin.Type.Valid():
		add("origin type %q must be one of raw, openapi, mcp", cfg.Origin.Type)
	case cfg.Origin.Type == domain.OriginOpenAPI && cfg.Origin.URL == "" && cfg.Origin.Spec == "":
		add("openapi origin needs a url or spec")
	case cfg.Origin.Type != domain.OriginOpenAPI && cfg.Origin.URL == "":
		add("%s origin needs a url", cfg.Origin.Type)
	}
	if cfg.Origin.Type == domain.OriginMCP {
		switch cfg.Origin.Transport {
		case "", "sse", "http":
		default:
			add("mcp transport %q must be sse or http", cfg.Origin.Transport)
		}
	}
	if cfg.Origin.Timeout < 0 {
		add("origin timeout must not be negative")
	}

	plans := make(map[string]bool, len(cfg.PricingPlans))
	metered := make(map[string]bool)
	for _, p := range cfg.PricingPlans {
		plans[p.Slug] = true
		for _, li := range p.MeteredItems() {
			metered[li.Slug] = true
		}
	}

	seen := make(map[string]bool, len(cfg.ToolConfigs))
	for i, tc := range cfg.ToolConfigs {
		if tc.Name == "" {
			add("toolConfigs[%d]: name is required", i)
			continue
		}
		if seen[tc.Name] {
			add("tool %q is declared more than once", tc.Name)
		}
		seen[tc.Name] = true

		if tc.RateLimit != nil {
			if msg := checkRateLimit(*tc.RateLimit); msg != "" {
				add("tool %q: %s", tc.Name, msg)
			}
		}
		for _, slug := range tc.MeteredLineItems {
			if !metered[slug] {
				add("tool %q: meteredLineItems references %q, which is not a metered line item of any plan", tc.Name, slug)
			}
		}
		for slug, pc := range tc.PricingPlanConfig {
			if !plans[slug] {
				add("tool %q: pricingPlanConfig references unknown plan %q", tc.Name, slug)
			}
			if pc.RateLimit != nil {
				if msg := checkRateLimit(*pc.RateLimit); msg != "" {
					add("tool %q: plan %q: %s", tc.Name, slug, msg)
				}
			}
		}
		if len(tc.InputSchema) > 0 {
			if _, err := schema.Compile(tc.InputSchema); err != nil {
				add("tool %q: input schema: %v", tc.Name, err)
			}
		}
	}

	var toolErr error
	if len(issues) > 0 {
		toolErr = &domain.ToolConfigError{Issues: issues}
	}
	return errors.Join(pricing.Validate(cfg), toolErr)
}

func checkRateLimit(rl domain.RateLimit) string {
	switch {
	case rl.Limit <= 0:
		return "rate limit must be positive"
	case rl.Window <= 0:
		return "rate limit window must be positive"
	}
	switch rl.Mode {
	case "", domain.RateLimitStrict, domain.RateLimitApproximate:
		return ""
	default:
		return fmt.Sprintf("rate limit mode %q must be strict or approximate", rl.Mode)
	}
}

// ResolveTools overlays the declared tool configs on the origin's tools and
// applies defaults. Names must be unique.
func ResolveTools(cfg *domain.DeploymentConfig, derived []domain.ToolDescriptor) ([]domain.ToolDescriptor, error) {
	declared := make(map[string]domain.ToolConfig, len(cfg.ToolConfigs))
	for _, tc := range cfg.ToolConfigs {
		declared[tc.Name] = tc
	}

	var issues []string
	seen := make(map[string]bool, len(derived))
	tools := make([]domain.ToolDescriptor, 0, len(derived))
	for _, t := range derived {
		if seen[t.Name] {
			issues = append(issues, fmt.Sprintf("%v: %q", domain.ErrDuplicateTool, t.Name))
			continue
		}
		seen[t.Name] = true

		tc, ok := declared[t.Name]
		if !ok {
			tc = domain.ToolConfig{Name: t.Name}
		}
		tools = append(tools, resolve(t, tc))
	}
	for _, tc := range cfg.ToolConfigs {
		if !seen[tc.Name] {
			issues = append(issues, fmt.Sprintf("tool config %q matches no tool of the origin", tc.Name))
		}
	}
	if len(issues) > 0 {
		return nil, &domain.ToolConfigError{Issues: issues}
	}
	return tools, nil
}

func resolve(t domain.ToolDescriptor, tc domain.ToolConfig) domain.ToolDescriptor {
	if tc.Description != "" {
		t.Description = tc.Description
	}
	if len(tc.InputSchema) > 0 {
		t.InputSchema = tc.InputSchema
	}
	if len(t.InputSchema) == 0 {
		t.InputSchema = domain.PassthroughSchema()
	}
	if len(tc.OutputSchema) > 0 {
		t.OutputSchema = tc.OutputSchema
	}

	t.Pure = tc.Pure != nil && *tc.Pure
	t.Enabled = tc.Enabled == nil || *tc.Enabled
	t.DisabledForFreePlan = tc.DisabledForFreePlan
	t.MeteredLineItems = tc.MeteredLineItems
	t.PricingPlanConfig = tc.PricingPlanConfig

	t.CacheControl = tc.CacheControl
	if t.CacheControl == "" {
		if t.Pure {
			t.CacheControl = domain.DefaultPureCacheControl
		} else {
			t.CacheControl = domain.DefaultImpureCacheControl
		}
	}

	t.RateLimit = withDefaultMode(tc.RateLimit)
	if len(t.PricingPlanConfig) > 0 {
		overrides := make(map[string]domain.ToolPlanConfig, len(t.PricingPlanConfig))
		for slug, pc := range t.PricingPlanConfig {
			pc.RateLimit = withDefaultMode(pc.RateLimit)
			overrides[slug] = pc
		}
		t.PricingPlanConfig = overrides
	}
	return t
}

func withDefaultMode(rl *domain.RateLimit) *domain.RateLimit {
	if rl == nil {
		return nil
	}
	out := *rl
	if out.Mode == "" {
		out.Mode = domain.RateLimitApproximate
	}
	return &out
}
