package usecase_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/schema"
	"github.com/i2y/toolgate/internal/usecase"
)

// MockOriginAdapter is a mock implementation of the OriginAdapter interface.
type MockOriginAdapter struct {
	mock.Mock
}

func (m *MockOriginAdapter) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	args := m.Called(ctx)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.([]domain.ToolDescriptor), args.Error(1)
}

func (m *MockOriginAdapter) Invoke(ctx context.Context, call domain.ToolCall) (*domain.OriginResult, error) {
	args := m.Called(ctx, call)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.(*domain.OriginResult), args.Error(1)
}

func (m *MockOriginAdapter) Close() error {
	return m.Called().Error(0)
}

// MockOriginFactory is a mock implementation of the OriginFactory interface.
type MockOriginFactory struct {
	mock.Mock
}

func (m *MockOriginFactory) New(ctx context.Context, cfg *domain.DeploymentConfig) (usecase.OriginAdapter, error) {
	args := m.Called(ctx, cfg)
	result := args.Get(0)
	if result == nil {
		return nil, args.Error(1)
	}
	return result.(usecase.OriginAdapter), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func boolPtr(b bool) *bool { return &b }

func amount(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func echoConfig() *domain.DeploymentConfig {
	return &domain.DeploymentConfig{
		Name:   "Echo",
		Slug:   "echo",
		Origin: domain.Origin{Type: domain.OriginRaw, URL: "http://origin.test"},
		ToolConfigs: []domain.ToolConfig{
			{Name: "echo", Pure: boolPtr(true), InputSchema: domain.JSONSchema{
				"type":       "object",
				"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"text"},
			}},
			{Name: "write", DisabledForFreePlan: true},
		},
		PricingPlans: []domain.PricingPlan{
			{Name: "Free", Slug: "free", LineItems: []domain.LineItem{{Slug: "base", UsageType: domain.UsageLicensed}}},
			{Name: "Pro", Slug: "pro", LineItems: []domain.LineItem{
				{Slug: "base", UsageType: domain.UsageLicensed},
				{Slug: "requests", UsageType: domain.UsageMetered, BillingScheme: domain.BillingPerUnit, UnitAmount: amount("0.002")},
			}},
		},
	}
}

func originTools(cfg *domain.DeploymentConfig) []domain.ToolDescriptor {
	var tools []domain.ToolDescriptor
	for _, tc := range cfg.ToolConfigs {
		tools = append(tools, domain.ToolDescriptor{Name: tc.Name, InputSchema: tc.InputSchema})
	}
	return tools
}

type buildFixture struct {
	factory  *MockOriginFactory
	repo     *memrepo.DeploymentRepository
	registry *usecase.AdapterRegistry
	uc       *usecase.BuildDeploymentUseCase
}

func newBuildFixture() *buildFixture {
	f := &buildFixture{factory: new(MockOriginFactory), repo: memrepo.NewDeploymentRepository(testLogger())}
	f.registry = usecase.NewAdapterRegistry(f.factory, testLogger())
	f.uc = usecase.NewBuildDeploymentUseCase(f.factory, f.repo, f.registry, schema.NewCache(), testLogger())
	return f
}

func TestBuildDeploymentUseCase_Execute(t *testing.T) {
	ctx := context.Background()
	f := newBuildFixture()
	cfg := echoConfig()

	adapter := new(MockOriginAdapter)
	adapter.On("ListTools", mock.Anything).Return(originTools(cfg), nil)
	f.factory.On("New", mock.Anything, cfg).Return(adapter, nil).Once()

	d, created, err := f.uc.Execute(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "echo", d.ProjectSlug)
	assert.Regexp(t, `^echo@[0-9a-f]{8}$`, d.ID)
	assert.Equal(t, 1, d.Version)
	require.Len(t, d.Tools, 2)

	echo, ok := d.Tool("echo")
	require.True(t, ok)
	assert.True(t, echo.Pure)
	assert.True(t, echo.Enabled)
	assert.Equal(t, domain.DefaultPureCacheControl, echo.CacheControl)

	write, ok := d.Tool("write")
	require.True(t, ok)
	assert.False(t, write.Pure)
	assert.True(t, write.DisabledForFreePlan)
	assert.Equal(t, domain.DefaultImpureCacheControl, write.CacheControl)
	assert.Equal(t, domain.PassthroughSchema(), write.InputSchema)

	active, err := f.repo.Active(ctx, "echo")
	require.NoError(t, err)
	assert.Equal(t, d.ID, active.ID)

	// The adapter used for discovery serves the deployment.
	got, err := f.registry.Adapter(ctx, d)
	require.NoError(t, err)
	assert.Same(t, adapter, got)

	t.Run("unchanged config is a no-op", func(t *testing.T) {
		second := new(MockOriginAdapter)
		second.On("ListTools", mock.Anything).Return(originTools(cfg), nil)
		second.On("Close").Return(nil).Once()
		f.factory.On("New", mock.Anything, cfg).Return(second, nil).Once()

		again, created, err := f.uc.Execute(ctx, cfg)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, d.ID, again.ID)
		second.AssertExpectations(t)
	})

	t.Run("changed config supersedes", func(t *testing.T) {
		changed := echoConfig()
		changed.Description = "v2"
		next := new(MockOriginAdapter)
		next.On("ListTools", mock.Anything).Return(originTools(changed), nil)
		f.factory.On("New", mock.Anything, changed).Return(next, nil).Once()

		d2, created, err := f.uc.Execute(ctx, changed)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, d.ID, d2.ID)
		assert.Equal(t, 2, d2.Version)

		active, err := f.repo.Active(ctx, "echo")
		require.NoError(t, err)
		assert.Equal(t, d2.ID, active.ID)
	})
}

func TestBuildDeploymentUseCase_Rejects(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		mutate    func(cfg *domain.DeploymentConfig)
		derived   func(cfg *domain.DeploymentConfig) []domain.ToolDescriptor
		factory   bool
		wantAs    interface{}
		wantIssue string
	}{
		{
			name: "pricing inconsistency",
			mutate: func(cfg *domain.DeploymentConfig) {
				cfg.PricingPlans[1].LineItems[0].UsageType = domain.UsageMetered
				cfg.PricingPlans[1].LineItems[0].BillingScheme = domain.BillingPerUnit
			},
			wantAs: new(*domain.PricingConfigError),
		},
		{
			name: "duplicate tool from origin",
			derived: func(cfg *domain.DeploymentConfig) []domain.ToolDescriptor {
				return append(originTools(cfg), domain.ToolDescriptor{Name: "echo"})
			},
			factory:   true,
			wantAs:    new(*domain.ToolConfigError),
			wantIssue: "duplicate tool name",
		},
		{
			name: "tool config without origin tool",
			derived: func(cfg *domain.DeploymentConfig) []domain.ToolDescriptor {
				return originTools(cfg)[:1]
			},
			factory:   true,
			wantAs:    new(*domain.ToolConfigError),
			wantIssue: `"write" matches no tool`,
		},
		{
			name: "invalid input schema from origin",
			derived: func(cfg *domain.DeploymentConfig) []domain.ToolDescriptor {
				tools := originTools(cfg)
				tools[1].InputSchema = domain.JSONSchema{"type": "object", "minProperties": -1}
				return tools
			},
			factory:   true,
			wantAs:    new(*domain.ToolConfigError),
			wantIssue: "input schema",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBuildFixture()
			cfg := echoConfig()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			if tt.factory {
				adapter := new(MockOriginAdapter)
				adapter.On("ListTools", mock.Anything).Return(tt.derived(cfg), nil)
				adapter.On("Close").Return(nil).Once()
				f.factory.On("New", mock.Anything, cfg).Return(adapter, nil).Once()
				defer adapter.AssertExpectations(t)
			}

			_, _, err := f.uc.Execute(ctx, cfg)
			require.Error(t, err)
			assert.ErrorAs(t, err, tt.wantAs)
			if tt.wantIssue != "" {
				assert.Contains(t, err.Error(), tt.wantIssue)
			}
			assert.Equal(t, 400, domain.StatusCode(err))
			if !tt.factory {
				f.factory.AssertNotCalled(t, "New", mock.Anything, mock.Anything)
			}

			_, err = f.repo.Active(ctx, "echo")
			assert.ErrorIs(t, err, domain.ErrDeploymentNotFound)
		})
	}
}

func TestBuildDeploymentUseCase_OriginFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("factory error", func(t *testing.T) {
		f := newBuildFixture()
		cfg := echoConfig()
		f.factory.On("New", mock.Anything, cfg).Return(nil, errors.New("dial failed")).Once()

		_, _, err := f.uc.Execute(ctx, cfg)
		assert.ErrorContains(t, err, "dial failed")
	})

	t.Run("list error", func(t *testing.T) {
		f := newBuildFixture()
		cfg := echoConfig()
		adapter := new(MockOriginAdapter)
		adapter.On("ListTools", mock.Anything).Return(nil, errors.New("tools/list failed"))
		adapter.On("Close").Return(nil).Once()
		f.factory.On("New", mock.Anything, cfg).Return(adapter, nil).Once()

		_, _, err := f.uc.Execute(ctx, cfg)
		assert.ErrorContains(t, err, "tools/list failed")
		adapter.AssertExpectations(t)
	})
}

func TestBuildDeploymentUseCase_SyncConfigured(t *testing.T) {
	ctx := context.Background()
	f := newBuildFixture()

	good := echoConfig()
	adapter := new(MockOriginAdapter)
	adapter.On("ListTools", mock.Anything).Return(originTools(good), nil)
	f.factory.On("New", mock.Anything, good).Return(adapter, nil).Once()

	bad := echoConfig()
	bad.Slug = "Not A Slug"

	err := f.uc.SyncConfigured(ctx, []*domain.DeploymentConfig{bad, good})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `deployment "Not A Slug"`)

	_, err = f.repo.Active(ctx, "echo")
	assert.NoError(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(cfg *domain.DeploymentConfig)
		issue  string
	}{
		{"valid", func(*domain.DeploymentConfig) {}, ""},
		{"bad slug", func(c *domain.DeploymentConfig) { c.Slug = "Echo_" }, "slug"},
		{"missing name", func(c *domain.DeploymentConfig) { c.Name = "" }, "name is required"},
		{"unknown origin", func(c *domain.DeploymentConfig) { c.Origin.Type = "grpc" }, "origin type"},
		{"raw without url", func(c *domain.DeploymentConfig) { c.Origin.URL = "" }, "raw origin needs a url"},
		{"openapi with spec only", func(c *domain.DeploymentConfig) {
			c.Origin = domain.Origin{Type: domain.OriginOpenAPI, Spec: "./openapi.yaml"}
		}, ""},
		{"mcp transport", func(c *domain.DeploymentConfig) {
			c.Origin = domain.Origin{Type: domain.OriginMCP, URL: "http://mcp.test", Transport: "stdio"}
		}, "mcp transport"},
		{"duplicate tool config", func(c *domain.DeploymentConfig) {
			c.ToolConfigs = append(c.ToolConfigs, domain.ToolConfig{Name: "echo"})
		}, "declared more than once"},
		{"zero rate limit", func(c *domain.DeploymentConfig) {
			c.ToolConfigs[0].RateLimit = &domain.RateLimit{Window: domain.Duration(time.Minute)}
		}, "rate limit must be positive"},
		{"unknown rate limit mode", func(c *domain.DeploymentConfig) {
			c.ToolConfigs[0].RateLimit = &domain.RateLimit{Window: domain.Duration(time.Minute), Limit: 1, Mode: "fuzzy"}
		}, "strict or approximate"},
		{"metered item filter", func(c *domain.DeploymentConfig) {
			c.ToolConfigs[0].MeteredLineItems = []string{"base"}
		}, `"base", which is not a metered line item`},
		{"plan override for unknown plan", func(c *domain.DeploymentConfig) {
			c.ToolConfigs[0].PricingPlanConfig = map[string]domain.ToolPlanConfig{"gold": {}}
		}, `unknown plan "gold"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := echoConfig()
			tt.mutate(cfg)
			err := usecase.ValidateConfig(cfg)
			if tt.issue == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.issue)
		})
	}
}

func TestResolveTools_Overlay(t *testing.T) {
	cfg := &domain.DeploymentConfig{ToolConfigs: []domain.ToolConfig{
		{
			Name:         "getPet",
			Description:  "Fetch one pet",
			Pure:         boolPtr(true),
			CacheControl: "max-age=60",
			RateLimit:    &domain.RateLimit{Window: domain.Duration(time.Minute), Limit: 10},
			PricingPlanConfig: map[string]domain.ToolPlanConfig{
				"pro": {RateLimit: &domain.RateLimit{Window: domain.Duration(time.Minute), Limit: 100, Mode: domain.RateLimitStrict}},
			},
		},
		{Name: "deletePet", Enabled: boolPtr(false)},
	}}
	derived := []domain.ToolDescriptor{
		{Name: "getPet", Description: "GET /pets/{id}", InputSchema: domain.JSONSchema{"type": "object"}},
		{Name: "deletePet"},
		{Name: "listPets"},
	}

	tools, err := usecase.ResolveTools(cfg, derived)
	require.NoError(t, err)
	require.Len(t, tools, 3)

	get := tools[0]
	assert.Equal(t, "Fetch one pet", get.Description)
	assert.True(t, get.Pure)
	assert.Equal(t, "max-age=60", get.CacheControl)
	require.NotNil(t, get.RateLimit)
	assert.Equal(t, domain.RateLimitApproximate, get.RateLimit.Mode)
	assert.Equal(t, domain.RateLimitStrict, get.PricingPlanConfig["pro"].RateLimit.Mode)

	assert.False(t, tools[1].Enabled)
	assert.True(t, tools[2].Enabled)
	assert.Equal(t, domain.DefaultImpureCacheControl, tools[2].CacheControl)

	// Declared configs are not mutated.
	assert.Empty(t, string(cfg.ToolConfigs[0].RateLimit.Mode))
}

func TestConfigHash(t *testing.T) {
	a, err := usecase.ConfigHash(echoConfig())
	require.NoError(t, err)
	b, err := usecase.ConfigHash(echoConfig())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	changed := echoConfig()
	changed.ToolConfigs[0].CacheControl = "no-store"
	c, err := usecase.ConfigHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	assert.Equal(t, "echo@"+a[:8], usecase.DeploymentID("echo", a))
}
