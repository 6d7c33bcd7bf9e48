// Package mcpclient exposes the tools of a remote MCP server as an origin.
package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/i2y/toolgate/internal/domain"
)

// Transports supported for MCP origins.
const (
	TransportSSE  = "sse"
	TransportHTTP = "http"
)

// ClientInfo identifies the gateway to MCP origins.
var ClientInfo = mcp.Implementation{Name: "toolgate", Version: "0.1.0"}

type session interface {
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Adapter forwards tool calls over an MCP session. The session is opened on
// first use and reopened after a transport failure.
type Adapter struct {
	origin domain.Origin
	logger *slog.Logger

	mu   sync.Mutex
	sess session
}

// New creates an adapter for origin. No connection is made until the first call.
func New(origin domain.Origin, logger *slog.Logger) (*Adapter, error) {
	if origin.URL == "" {
		return nil, fmt.Errorf("mcp origin needs a url")
	}
	switch origin.Transport {
	case "", TransportSSE, TransportHTTP:
	default:
		return nil, fmt.Errorf("unsupported mcp transport %q", origin.Transport)
	}
	return &Adapter{
		origin: origin,
		logger: logger.With("component", "mcp_client", "url", origin.URL),
	}, nil
}

func (a *Adapter) session(ctx context.Context) (session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return a.sess, nil
	}

	var (
		c   *client.Client
		err error
	)
	if a.origin.Transport == TransportHTTP {
		c, err = client.NewStreamableHttpClient(a.origin.URL, transport.WithHTTPHeaders(a.origin.Headers))
	} else {
		c, err = client.NewSSEMCPClient(a.origin.URL, transport.WithHeaders(a.origin.Headers))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client: %w", err)
	}
	// The SSE stream outlives the call that opened it.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to start mcp transport: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = ClientInfo
	result, err := c.Initialize(ctx, initReq)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("mcp initialize failed: %w", err)
	}
	a.logger.Info("Connected to MCP origin",
		slog.String("server", result.ServerInfo.Name),
		slog.String("protocol", result.ProtocolVersion))

	a.sess = c
	return c, nil
}

// reset drops a broken session so the next call reconnects.
func (a *Adapter) reset(broken session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == broken {
		a.sess.Close()
		a.sess = nil
	}
}

// ListTools pages through tools/list.
func (a *Adapter) ListTools(ctx context.Context) ([]domain.ToolDescriptor, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, &domain.OriginError{Err: err}
	}

	var tools []domain.ToolDescriptor
	req := mcp.ListToolsRequest{}
	for {
		res, err := sess.ListTools(ctx, req)
		if err != nil {
			a.reset(sess)
			return nil, &domain.OriginError{Err: fmt.Errorf("tools/list failed: %w", err)}
		}
		for _, t := range res.Tools {
			desc, err := descriptor(t)
			if err != nil {
				return nil, &domain.OriginError{Tool: t.Name, Err: err}
			}
			tools = append(tools, desc)
		}
		if res.NextCursor == "" {
			break
		}
		req.Params.Cursor = res.NextCursor
	}
	return tools, nil
}

// Invoke runs tools/call and translates the content blocks into a JSON value.
func (a *Adapter) Invoke(ctx context.Context, call domain.ToolCall) (*domain.OriginResult, error) {
	sess, err := a.session(ctx)
	if err != nil {
		return nil, a.originError(ctx, call.Name, err)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = call.Name
	req.Params.Arguments = call.Args
	res, err := sess.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			a.reset(sess)
		}
		return nil, a.originError(ctx, call.Name, err)
	}

	if res.IsError {
		return nil, &domain.OriginError{Tool: call.Name, Err: fmt.Errorf("tool reported an error: %s", errorText(res))}
	}
	return &domain.OriginResult{Body: Translate(res)}, nil
}

func (a *Adapter) originError(ctx context.Context, tool string, err error) error {
	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)
	return &domain.OriginError{Tool: tool, Timeout: timeout, Err: err}
}

// Close ends the session, if one is open.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}

func descriptor(t mcp.Tool) (domain.ToolDescriptor, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("failed to encode tool %s: %w", t.Name, err)
	}
	var decoded struct {
		InputSchema domain.JSONSchema `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return domain.ToolDescriptor{}, fmt.Errorf("failed to decode schema of tool %s: %w", t.Name, err)
	}
	if len(decoded.InputSchema) == 0 {
		decoded.InputSchema = domain.PassthroughSchema()
	}
	return domain.ToolDescriptor{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: decoded.InputSchema,
	}, nil
}

// Translate converts a tools/call result into a JSON value. A single text block
// becomes its decoded JSON (or the plain string); anything else is returned as
// {"content": [...]}.
func Translate(res *mcp.CallToolResult) interface{} {
	if len(res.Content) == 1 {
		if text, ok := textOf(res.Content[0]); ok {
			var v interface{}
			if err := json.Unmarshal([]byte(text), &v); err == nil {
				return v
			}
			return text
		}
	}

	blocks := make([]interface{}, 0, len(res.Content))
	for _, c := range res.Content {
		raw, err := json.Marshal(c)
		if err != nil {
			continue
		}
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			blocks = append(blocks, v)
		}
	}
	return map[string]interface{}{"content": blocks}
}

func textOf(c mcp.Content) (string, bool) {
	switch t := c.(type) {
	case mcp.TextContent:
		return t.Text, true
	case *mcp.TextContent:
		return t.Text, true
	}
	return "", false
}

func errorText(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		if text, ok := textOf(c); ok {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return "unknown error"
	}
	return strings.Join(parts, "; ")
}
