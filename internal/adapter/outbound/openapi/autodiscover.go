package openapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultDiscoveryPaths are tried in order below an origin base URL.
var DefaultDiscoveryPaths = []string{
	"/openapi.json",
	"/openapi.yaml",
	"/docs/openapi.json",
	"/v3/api-docs",
	"/api-docs",
	"/swagger.json",
	"/api/openapi.json",
	"/api/v1/openapi.json",
	"/swagger/v1/swagger.json",
}

// ErrNoDocument is returned when no candidate path serves an OpenAPI document.
var ErrNoDocument = errors.New("no OpenAPI document found")

const (
	candidateTimeout = 5 * time.Second
	sniffBytes   = 512
)

// AutoDiscoverer locates an OpenAPI document below an origin base URL.
type AutoDiscoverer struct {
	client *http.Client
	paths  []string
	logger *slog.Logger
}

func NewAutoDiscoverer(client *http.Client, logger *slog.Logger) *AutoDiscoverer {
	return &AutoDiscoverer{
		client: client,
		paths:  DefaultDiscoveryPaths,
		logger: logger.With("component", "openapi_discovery"),
	}
}

// WithPaths replaces the candidate paths.
func (d *AutoDiscoverer) WithPaths(paths ...string) *AutoDiscoverer {
	d.paths = paths
	return d
}

// ResolveSource returns source unchanged when it names a document, otherwise
// the first discovered document URL below it.
func (d *AutoDiscoverer) ResolveSource(ctx context.Context, source string, headers map[string]string) (string, error) {
	if looksLikeDocument(source) {
		return source, nil
	}
	return d.Discover(ctx, source, headers)
}

func looksLikeDocument(source string) bool {
	u, err := url.Parse(source)
	if err != nil {
		return true
	}
	switch strings.ToLower(path.Ext(u.Path)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	p := strings.ToLower(u.Path)
	for _, marker := range []string{"openapi", "swagger", "api-docs"} {
		if strings.Contains(p, marker) {
			return true
		}
	}
	return false
}

// Discover tries the configured paths below baseURL.
func (d *AutoDiscoverer) Discover(ctx context.Context, baseURL string, headers map[string]string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("base URL %q must use http or https", baseURL)
	}

	base := strings.TrimRight(baseURL, "/")
	var errs []error
	for _, p := range d.paths {
		candidate := base + p
		ok, err := d.check(ctx, candidate, headers)
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if ok {
			d.logger.Info("Discovered OpenAPI document", slog.String("url", candidate))
			return candidate, nil
		}
	}
	d.logger.Debug("Discovery failed", slog.String("base_url", baseURL), slog.Int("tried", len(d.paths)), slog.Any("error", errors.Join(errs...)))
	return "", fmt.Errorf("%w below %s", ErrNoDocument, baseURL)
}

// check reports whether candidate answers 200 with something that reads as
// an OpenAPI or Swagger document.
func (d *AutoDiscoverer) check(ctx context.Context, candidate string, headers map[string]string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, candidateTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json, application/vnd.oai.openapi+json, application/yaml")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffBytes))
	if err != nil {
		return false, err
	}
	head = bytes.ToLower(head)
	return bytes.Contains(head, []byte("openapi")) || bytes.Contains(head, []byte("swagger")), nil
}
