// Package httpinvoker forwards tool calls to HTTP origins.
package httpinvoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/i2y/toolgate/internal/domain"
)

// UsageQuantityHeader lets an origin report how many billable units a call consumed.
const UsageQuantityHeader = "X-Usage-Quantity"

// maxResponseBytes bounds how much of an origin response is read.
const maxResponseBytes = 10 << 20

var placeholderRe = regexp.MustCompile(`\{([^{}/]+)\}`)

// expandPath substitutes path parameters into template and returns the
// decoded and escaped forms. A value always stays within its own segment.
func expandPath(template string, args map[string]interface{}) (decoded, escaped string) {
	var dec, esc strings.Builder
	last := 0
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(template, -1) {
		lit := template[last:m[0]]
		dec.WriteString(lit)
		esc.WriteString((&url.URL{Path: lit}).EscapedPath())

		name := template[m[2]:m[3]]
		v, ok := args[name]
		if !ok {
			dec.WriteString(template[m[0]:m[1]])
			esc.WriteString((&url.URL{Path: template[m[0]:m[1]]}).EscapedPath())
		} else {
			value := fmt.Sprintf("%v", v)
			dec.WriteString(value)
			esc.WriteString(escapeSegment(value))
		}
		last = m[1]
	}
	lit := template[last:]
	dec.WriteString(lit)
	esc.WriteString((&url.URL{Path: lit}).EscapedPath())
	return dec.String(), esc.String()
}

func escapeSegment(v string) string {
	s := url.PathEscape(v)
	if s == "." || s == ".." {
		return strings.ReplaceAll(s, ".", "%2E")
	}
	return s
}

// Route describes how a tool maps onto an HTTP endpoint.
type Route struct {
	// Host is the base URL of the origin (e.g., "http://localhost:8080").
	Host string

	// BasePath is prefixed to Path (e.g. "/api/v1").
	BasePath string
	Method   string

	// Path may contain {param} placeholders.
	Path string

	// QueryParams lists arguments sent as URL query values. For methods without
	// a body, every argument not used in the path is sent as a query value.
	QueryParams []string

	// BodyParam names the single argument used as the whole request body.
	BodyParam   string
	ContentType string

	// Headers are static headers added to every request.
	Headers map[string]string
}

// Invoker executes routes with net/http.
type Invoker struct {
	client *http.Client
	logger *slog.Logger
}

// New creates a new HTTP Invoker.
func New(client *http.Client, logger *slog.Logger) *Invoker {
	if client == nil {
		client = http.DefaultClient
	}
	return &Invoker{
		client: client,
		logger: logger.With("component", "http_invoker"),
	}
}

// Invoke performs the upstream call for call along route. Every failure is a *domain.OriginError.
func (i *Invoker) Invoke(ctx context.Context, route Route, call domain.ToolCall) (*domain.OriginResult, error) {
	log := i.logger.With(
		slog.String("tool", call.Name),
		slog.String("method", route.Method),
		slog.String("path", route.Path),
	)
	originErr := func(status int, err error) error {
		return &domain.OriginError{Tool: call.Name, StatusCode: status, Err: err}
	}

	baseURL, err := url.Parse(route.Host)
	if err != nil {
		log.Error("Failed to parse host URL", slog.Any("error", err))
		return nil, originErr(0, fmt.Errorf("invalid host URL %s: %w", route.Host, err))
	}

	template := path.Join("/", baseURL.Path, route.BasePath, route.Path)
	remaining := make(map[string]interface{}, len(call.Args))
	for k, v := range call.Args {
		if !strings.Contains(template, "{"+k+"}") {
			remaining[k] = v
		}
	}
	baseURL.Path, baseURL.RawPath = expandPath(template, call.Args)

	method := strings.ToUpper(route.Method)
	if method == "" {
		method = http.MethodPost
	}
	bodyAllowed := method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch

	query := baseURL.Query()
	querySet := make(map[string]struct{}, len(route.QueryParams))
	for _, q := range route.QueryParams {
		querySet[q] = struct{}{}
	}
	bodyCandidates := make(map[string]interface{})
	for k, v := range remaining {
		if _, isQuery := querySet[k]; isQuery || !bodyAllowed {
			addQuery(query, k, v)
			continue
		}
		bodyCandidates[k] = v
	}
	baseURL.RawQuery = query.Encode()

	contentType := route.ContentType
	var body io.Reader
	if bodyAllowed {
		var payload interface{} = bodyCandidates
		if route.BodyParam != "" {
			payload = bodyCandidates[route.BodyParam]
		}
		switch {
		case contentType == "" || strings.Contains(contentType, "json"):
			data, err := json.Marshal(payload)
			if err != nil {
				return nil, originErr(0, fmt.Errorf("failed to marshal request body: %w", err))
			}
			body = bytes.NewReader(data)
			if contentType == "" {
				contentType = "application/json"
			}
		case route.BodyParam != "":
			body = strings.NewReader(fmt.Sprintf("%v", payload))
		default:
			return nil, originErr(0, fmt.Errorf("cannot encode body for Content-Type %s", contentType))
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, baseURL.String(), body)
	if err != nil {
		log.Error("Failed to create HTTP request", slog.Any("error", err))
		return nil, originErr(0, fmt.Errorf("failed to create request: %w", err))
	}
	for key, values := range ForwardHeaders(call.Headers) {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	for key, value := range route.Headers {
		req.Header.Set(key, value)
	}
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	log = log.With(slog.String("url", req.URL.String()))
	log.Debug("Executing HTTP request")
	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			log.Warn("HTTP request timed out")
			return nil, &domain.OriginError{Tool: call.Name, Timeout: true, Err: err}
		}
		log.Error("HTTP request failed", slog.Any("error", err))
		return nil, originErr(0, fmt.Errorf("request execution failed: %w", err))
	}
	defer resp.Body.Close()

	log = log.With(slog.Int("status_code", resp.StatusCode))
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &domain.OriginError{Tool: call.Name, Timeout: true, Err: err}
		}
		log.Error("Failed to read response body", slog.Any("error", err))
		return nil, originErr(resp.StatusCode, fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("Received non-success status code", slog.String("response_body", truncate(string(respBody), 512)))
		return nil, originErr(resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(respBody), 512)))
	}

	result := &domain.OriginResult{StatusCode: resp.StatusCode, Body: decodeBody(resp.Header.Get("Content-Type"), respBody)}
	if q := resp.Header.Get(UsageQuantityHeader); q != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(q), 10, 64)
		if err != nil || n < 0 {
			log.Warn("Ignoring invalid usage quantity header", slog.String("value", q))
		} else {
			result.Quantity = n
		}
	}
	log.Debug("Received HTTP response")
	return result, nil
}

// decodeBody returns JSON bodies decoded and anything else as a string.
func decodeBody(contentType string, data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") || contentType == "" {
		var v interface{}
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

func addQuery(q url.Values, key string, v interface{}) {
	switch val := v.(type) {
	case []interface{}:
		for _, item := range val {
			q.Add(key, fmt.Sprintf("%v", item))
		}
	case map[string]interface{}:
		data, _ := json.Marshal(val)
		q.Add(key, string(data))
	case nil:
	default:
		q.Add(key, fmt.Sprintf("%v", val))
	}
}

// Headers never forwarded to an origin.
var droppedHeaders = map[string]struct{}{
	"Authorization":       {},
	"X-Api-Key":           {},
	"Cookie":              {},
	"Host":                {},
	"Content-Length":      {},
	"Content-Type":        {},
	"Accept-Encoding":     {},
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// ForwardHeaders returns the caller headers that may be passed to an origin.
func ForwardHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		ck := http.CanonicalHeaderKey(k)
		if _, drop := droppedHeaders[ck]; drop {
			continue
		}
		out[ck] = append([]string(nil), v...)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
