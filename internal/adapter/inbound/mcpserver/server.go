// Package mcpserver serves the active deployments' tools over MCP.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/i2y/toolgate/internal/adapter/inbound/httpapi"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/usecase"
)

// Separator joins project and tool in MCP tool names.
const Separator = "__"

// BasePath is where the SSE transport is mounted.
const BasePath = "/mcp"

type apiKeyCtxKey struct{}

// WithAPIKey returns ctx carrying the caller's credential.
func WithAPIKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, apiKeyCtxKey{}, key)
}

// APIKeyFrom returns the credential stored by WithAPIKey.
func APIKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(apiKeyCtxKey{}).(string)
	return key
}

// ToolName is the MCP name of a deployment tool.
func ToolName(project, tool string) string { return project + Separator + tool }

// SplitToolName reverses ToolName.
func SplitToolName(name string) (project, tool string, ok bool) {
	return strings.Cut(name, Separator)
}

// Server registers deployment tools on an mcp-go server and forwards
// calls to the invoke use case.
type Server struct {
	mcp    *server.MCPServer
	invoke *usecase.InvokeToolUseCase
	tools  *usecase.ServeToolsUseCase
	logger *slog.Logger
}

// New creates a Server. Call Sync to register tools.
func New(invoke *usecase.InvokeToolUseCase, tools *usecase.ServeToolsUseCase, version string, logger *slog.Logger) *Server {
	return &Server{
		mcp:    server.NewMCPServer("toolgate", version, server.WithToolCapabilities(true)),
		invoke: invoke,
		tools:  tools,
		logger: logger.With("component", "mcp_server"),
	}
}

// MCPServer exposes the underlying mcp-go server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Sync replaces the registered tools with the enabled tools of every
// active deployment.
func (s *Server) Sync(ctx context.Context) error {
	ds, err := s.tools.Active(ctx)
	if err != nil {
		return err
	}
	var registered []server.ServerTool
	for _, d := range ds {
		for _, t := range usecase.EnabledTools(d) {
			st, err := s.serverTool(d.ProjectSlug, t)
			if err != nil {
				s.logger.Warn("Skipping tool", slog.String("deployment_id", d.ID), slog.String("tool_name", t.Name), slog.Any("error", err))
				continue
			}
			registered = append(registered, st)
		}
	}
	s.mcp.SetTools(registered...)
	s.logger.Info("MCP tools synced", slog.Int("deployments", len(ds)), slog.Int("tools", len(registered)))
	return nil
}

func (s *Server) serverTool(project string, t domain.ToolDescriptor) (server.ServerTool, error) {
	raw, err := json.Marshal(t.InputSchema)
	if err != nil {
		return server.ServerTool{}, fmt.Errorf("failed to encode input schema: %w", err)
	}
	return server.ServerTool{
		Tool:    mcp.NewToolWithRawSchema(ToolName(project, t.Name), t.Description, raw),
		Handler: s.handler(project, t.Name),
	}, nil
}

func (s *Server) handler(project, tool string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}
		out, err := s.invoke.Execute(ctx, usecase.Invocation{
			RoutingKey: project,
			Tool:       tool,
			Args:       args,
			APIKey:     APIKeyFrom(ctx),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%d: %s", domain.StatusCode(err), domain.PublicMessage(err))), nil
		}
		body, err := json.Marshal(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode result of %s: %w", ToolName(project, tool), err)
		}
		return mcp.NewToolResultText(string(body)), nil
	}
}

// Handler returns the SSE transport mounted at BasePath. baseURL may be
// empty, in which case message endpoints are sent as relative paths.
func (s *Server) Handler(baseURL string) http.Handler {
	opts := []server.SSEOption{
		server.WithStaticBasePath(BasePath),
		server.WithSSEContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			return WithAPIKey(ctx, httpapi.APIKey(r))
		}),
	}
	if baseURL != "" {
		opts = append(opts, server.WithBaseURL(baseURL))
	}
	return server.NewSSEServer(s.mcp, opts...)
}
