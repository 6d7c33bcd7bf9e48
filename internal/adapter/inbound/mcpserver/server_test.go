package mcpserver_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/adapter/inbound/mcpserver"
	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/toolgate/internal/adapter/outbound/openapi"
	"github.com/i2y/toolgate/internal/adapter/outbound/origin"
	"github.com/i2y/toolgate/internal/cache"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/policy"
	"github.com/i2y/toolgate/internal/ratelimit"
	"github.com/i2y/toolgate/internal/schema"
	"github.com/i2y/toolgate/internal/usecase"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func boolPtr(b bool) *bool { return &b }

type nopMeter struct{}

func (nopMeter) Record(context.Context, ...domain.UsageRecord) {}

func newGateway(t *testing.T) (*mcpserver.Server, *atomic.Int64) {
	t.Helper()
	ctx := context.Background()

	calls := &atomic.Int64{}
	originSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"echoed": body["text"]})
	}))
	t.Cleanup(originSrv.Close)

	logger := testLogger()
	factory := origin.NewFactory(httpinvoker.New(originSrv.Client(), logger), openapi.NewFetcher(originSrv.Client(), logger), openapi.NewGenerator(logger), logger)
	repo := memrepo.NewDeploymentRepository(logger)
	registry := usecase.NewAdapterRegistry(factory, logger)
	t.Cleanup(func() { _ = registry.Close() })
	schemas := schema.NewCache()

	cfg := &domain.DeploymentConfig{
		Name:   "Echo",
		Slug:   "echo",
		Origin: domain.Origin{Type: domain.OriginRaw, URL: originSrv.URL},
		ToolConfigs: []domain.ToolConfig{
			{Name: "echo", Description: "Echoes text", InputSchema: domain.JSONSchema{
				"type":       "object",
				"properties": map[string]interface{}{"text": map[string]interface{}{"type": "string"}},
				"required":   []interface{}{"text"},
			}},
			{Name: "hidden", Enabled: boolPtr(false)},
		},
		PricingPlans: []domain.PricingPlan{
			{Name: "Free", Slug: "free", LineItems: []domain.LineItem{{Slug: "base", UsageType: domain.UsageLicensed}}},
		},
	}
	_, _, err := usecase.NewBuildDeploymentUseCase(factory, repo, registry, schemas, logger).Execute(ctx, cfg)
	require.NoError(t, err)

	consumers := memrepo.NewConsumerStore(logger)
	require.NoError(t, consumers.Save(ctx, &domain.Consumer{ID: "c1", ProjectSlug: "echo", PlanSlug: "free", Active: true}, "secret"))

	engine := policy.NewEngine(consumers, ratelimit.NewRouter(ratelimit.NewMemoryLimiter(nil), nil), cache.NewMemoryStore(10, nil), nopMeter{}, policy.DefaultConfig(), logger)
	t.Cleanup(engine.Wait)

	srv := mcpserver.New(
		usecase.NewInvokeToolUseCase(repo, registry, schemas, engine, logger),
		usecase.NewServeToolsUseCase(repo, logger),
		"test",
		logger,
	)
	require.NoError(t, srv.Sync(ctx))
	return srv, calls
}

func connect(t *testing.T, srv *mcpserver.Server, apiKey string) *client.Client {
	t.Helper()
	ts := httptest.NewServer(srv.Handler(""))
	t.Cleanup(ts.Close)

	c, err := client.NewSSEMCPClient(ts.URL+mcpserver.BasePath+"/sse", transport.WithHeaders(map[string]string{"X-API-Key": apiKey}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "1.0.0"}
	_, err = c.Initialize(ctx, initReq)
	require.NoError(t, err)
	return c
}

func TestToolName(t *testing.T) {
	name := mcpserver.ToolName("weather", "forecast")
	assert.Equal(t, "weather__forecast", name)

	project, tool, ok := mcpserver.SplitToolName(name)
	require.True(t, ok)
	assert.Equal(t, "weather", project)
	assert.Equal(t, "forecast", tool)

	_, _, ok = mcpserver.SplitToolName("plain")
	assert.False(t, ok)
}

func TestServer_ListsEnabledTools(t *testing.T) {
	srv, _ := newGateway(t)
	c := connect(t, srv, "secret")

	res, err := c.ListTools(context.Background(), mcp.ListToolsRequest{})
	require.NoError(t, err)
	require.Len(t, res.Tools, 1)
	assert.Equal(t, "echo__echo", res.Tools[0].Name)
	assert.Equal(t, "Echoes text", res.Tools[0].Description)
}

func TestServer_CallTool(t *testing.T) {
	srv, calls := newGateway(t)
	ctx := context.Background()

	t.Run("authorized", func(t *testing.T) {
		c := connect(t, srv, "secret")
		req := mcp.CallToolRequest{}
		req.Params.Name = "echo__echo"
		req.Params.Arguments = map[string]interface{}{"text": "hi"}
		res, err := c.CallTool(ctx, req)
		require.NoError(t, err)
		require.False(t, res.IsError)
		require.Len(t, res.Content, 1)
		text, ok := res.Content[0].(mcp.TextContent)
		require.True(t, ok)
		assert.JSONEq(t, `{"echoed":"hi"}`, text.Text)
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("invalid arguments", func(t *testing.T) {
		c := connect(t, srv, "secret")
		req := mcp.CallToolRequest{}
		req.Params.Name = "echo__echo"
		res, err := c.CallTool(ctx, req)
		require.NoError(t, err)
		assert.True(t, res.IsError)
	})

	t.Run("wrong key", func(t *testing.T) {
		c := connect(t, srv, "wrong")
		req := mcp.CallToolRequest{}
		req.Params.Name = "echo__echo"
		req.Params.Arguments = map[string]interface{}{"text": "hi"}
		res, err := c.CallTool(ctx, req)
		require.NoError(t, err)
		require.True(t, res.IsError)
		text, ok := res.Content[0].(mcp.TextContent)
		require.True(t, ok)
		assert.Contains(t, text.Text, "401")
	})

	assert.Equal(t, int64(1), calls.Load())
}

func TestAPIKeyContext(t *testing.T) {
	ctx := mcpserver.WithAPIKey(context.Background(), "k")
	assert.Equal(t, "k", mcpserver.APIKeyFrom(ctx))
	assert.Empty(t, mcpserver.APIKeyFrom(context.Background()))
}
