// Package httpapi exposes the gateway over HTTP: tool invocation, tool
// listing, deployment admin, health and metrics.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/i2y/toolgate/configs"
	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/policy"
	"github.com/i2y/toolgate/internal/telemetry"
	"github.com/i2y/toolgate/internal/usecase"
)

const defaultMaxBodyBytes = 1 << 20

// Config holds the HTTP surface settings.
type Config struct {
	// AdminToken guards /admin. Admin routes are not mounted without one.
	AdminToken string

	// BaseDomain enables routing by subdomain: <project>.<BaseDomain>/tools/...
	BaseDomain string

	MaxBodyBytes int64
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	invoke *usecase.InvokeToolUseCase
	tools  *usecase.ServeToolsUseCase
	build  *usecase.BuildDeploymentUseCase
	config Config
	logger *slog.Logger
	mcp    http.Handler
	usage  UsageAdmin
	onPub  func(ctx context.Context)
	now    func() time.Time
}

// NewServer creates a new Server.
func NewServer(
	invoke *usecase.InvokeToolUseCase,
	tools *usecase.ServeToolsUseCase,
	build *usecase.BuildDeploymentUseCase,
	config Config,
	logger *slog.Logger,
) *Server {
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{
		invoke: invoke,
		tools:  tools,
		build:  build,
		config: config,
		logger: logger.With("component", "http_api"),
		now:    time.Now,
	}
}

// SetMCPHandler mounts the MCP transport under /mcp.
func (s *Server) SetMCPHandler(h http.Handler) { s.mcp = h }

// SetUsageAdmin mounts the usage queue and dead-letter admin routes.
func (s *Server) SetUsageAdmin(u UsageAdmin) { s.usage = u }

// OnPublish registers fn to run after a publish creates a new deployment.
func (s *Server) OnPublish(fn func(ctx context.Context)) { s.onPub = fn }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", telemetry.Handler())

	r.Route("/v1/{deployment}/tools", func(r chi.Router) {
		r.Get("/", s.handleListTools)
		r.Post("/{tool}", s.handleInvoke)
	})

	if s.config.BaseDomain != "" {
		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.handleListTools)
			r.Post("/{tool}", s.handleInvoke)
		})
	}

	if s.config.AdminToken != "" {
		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/deployments", s.handlePublish)
			r.Get("/deployments/{project}", s.handleHistory)
			if s.usage != nil {
				r.Get("/usage", s.handleUsageStatus)
				r.Get("/usage/dead-letters", s.handleDeadLetters)
				r.Post("/usage/dead-letters/{id}/retry", s.handleRetryDeadLetter)
			}
		})
	}

	if s.mcp != nil {
		mcp := streaming(s.mcp)
		r.Handle("/mcp", mcp)
		r.Handle("/mcp/*", mcp)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// streaming lifts the server write deadline for long-lived responses such
// as the MCP event stream.
func streaming(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
			writeError(w, http.StatusInternalServerError, "stream setup failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// routingKey returns the deployment named in the path, or the project
// subdomain of BaseDomain.
func (s *Server) routingKey(r *http.Request) string {
	if key := chi.URLParam(r, "deployment"); key != "" {
		return key
	}
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	suffix := "." + s.config.BaseDomain
	if s.config.BaseDomain == "" || !strings.HasSuffix(host, suffix) {
		return ""
	}
	return strings.TrimSuffix(host, suffix)
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	key := s.routingKey(r)
	if key == "" {
		writeError(w, http.StatusNotFound, "no deployment in request")
		return
	}
	tool := chi.URLParam(r, "tool")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	out, err := s.invoke.Execute(r.Context(), usecase.Invocation{
		RoutingKey: key,
		Tool:       tool,
		Args:       json.RawMessage(body),
		APIKey:     APIKey(r),
		Headers:    r.Header,
	})
	s.writeOutcomeHeaders(w, out, err)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Body)
}

func (s *Server) writeOutcomeHeaders(w http.ResponseWriter, out *policy.Outcome, err error) {
	h := w.Header()
	if out != nil {
		h.Set("X-Invocation-Id", out.InvocationID)
		if out.Cache != "" {
			h.Set("X-Cache", string(out.Cache))
		}
		if err == nil && out.CacheControl != "" {
			h.Set("Cache-Control", out.CacheControl)
		}
		if d := out.RateLimit; d != nil {
			h.Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			h.Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("RateLimit-Reset", strconv.Itoa(ceilSeconds(d.ResetAt.Sub(s.now()))))
		}
	}
	var rerr *domain.RateLimitError
	if errors.As(err, &rerr) {
		h.Set("Retry-After", strconv.Itoa(rerr.RetryAfterSeconds()))
	}
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

type toolView struct {
	Name                string            `json:"name"`
	Description         string            `json:"description,omitempty"`
	InputSchema         domain.JSONSchema `json:"inputSchema"`
	OutputSchema        domain.JSONSchema `json:"outputSchema,omitempty"`
	Pure                bool              `json:"pure"`
	CacheControl        string            `json:"cacheControl"`
	RateLimit           *domain.RateLimit `json:"rateLimit,omitempty"`
	DisabledForFreePlan bool              `json:"disabledForFreePlan,omitempty"`
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	key := s.routingKey(r)
	if key == "" {
		writeError(w, http.StatusNotFound, "no deployment in request")
		return
	}
	d, tools, err := s.tools.Execute(r.Context(), key)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]toolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, toolView{
			Name:                t.Name,
			Description:         t.Description,
			InputSchema:         t.InputSchema,
			OutputSchema:        t.OutputSchema,
			Pure:                t.Pure,
			CacheControl:        t.CacheControl,
			RateLimit:           t.RateLimit,
			DisabledForFreePlan: t.DisabledForFreePlan,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deploymentId": d.ID,
		"tools":        views,
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearer(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.config.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type publishResponse struct {
	ID        string    `json:"id"`
	Project   string    `json:"project"`
	Version   int       `json:"version"`
	Created   bool      `json:"created"`
	Tools     []string  `json:"tools"`
	CreatedAt time.Time `json:"createdAt"`
}

func deploymentView(d *domain.Deployment, created bool) publishResponse {
	names := make([]string, 0, len(d.Tools))
	for _, t := range d.Tools {
		names = append(names, t.Name)
	}
	return publishResponse{
		ID:        d.ID,
		Project:   d.ProjectSlug,
		Version:   d.Version,
		Created:   created,
		Tools:     names,
		CreatedAt: d.CreatedAt,
	}
}

// handlePublish implements POST /admin/deployments. The body is a deployment
// config in JSON, or YAML/TOML when the Content-Type says so.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	format := configs.FormatJSON
	switch ct := r.Header.Get("Content-Type"); {
	case strings.Contains(ct, "yaml"):
		format = configs.FormatYAML
	case strings.Contains(ct, "toml"):
		format = configs.FormatTOML
	}
	cfg, err := configs.ParseDeployment(body, format)
	if err != nil {
		s.logger.Warn("Failed to decode deployment config", slog.Any("error", err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, created, err := s.build.Execute(r.Context(), cfg)
	if err != nil {
		if errors.Is(err, usecase.ErrOriginUnavailable) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeDomainError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
		if s.onPub != nil {
			s.onPub(r.Context())
		}
	}
	writeJSON(w, status, deploymentView(d, created))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ds, err := s.tools.History(r.Context(), chi.URLParam(r, "project"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]publishResponse, 0, len(ds))
	for _, d := range ds {
		views = append(views, deploymentView(d, false))
	}
	writeJSON(w, http.StatusOK, views)
}

// APIKey extracts the caller's credential from "Authorization: Bearer" or X-API-Key.
func APIKey(r *http.Request) string {
	if key := bearer(r.Header.Get("Authorization")); key != "" {
		return key
	}
	return strings.TrimSpace(r.Header.Get("X-API-Key"))
}

func bearer(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, domain.StatusCode(err), domain.PublicMessage(err))
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the gateway's JSON error body.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{StatusCode: status, Message: msg})
}
