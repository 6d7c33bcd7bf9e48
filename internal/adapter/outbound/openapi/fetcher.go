package openapi

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/i2y/toolgate/internal/adapter/outbound/github"
	"github.com/i2y/toolgate/internal/domain"
)

// SourceReader reads documents addressed by a non-HTTP scheme.
type SourceReader interface {
	Read(ctx context.Context, src string) ([]byte, error)
}

// Fetcher loads OpenAPI documents from URLs, github:// references or local files.
type Fetcher struct {
	httpClient     *http.Client
	logger         *slog.Logger
	autoDiscoverer *AutoDiscoverer
	github         SourceReader
}

// NewFetcher creates a new OpenAPI Fetcher.
func NewFetcher(client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		httpClient:     client,
		logger:         logger.With("component", "openapi_fetcher"),
		autoDiscoverer: NewAutoDiscoverer(client, logger),
		github:         github.NewClient(nil, logger),
	}
}

// WithGitHub replaces the reader used for github:// sources.
func (f *Fetcher) WithGitHub(r SourceReader) *Fetcher {
	f.github = r
	return f
}

// Fetch loads and parses the document at src. Headers are sent with remote requests.
func (f *Fetcher) Fetch(ctx context.Context, src string, headers map[string]string) (domain.APISchema, error) {
	log := f.logger.With(slog.String("source", src))

	data, resolved, err := f.read(ctx, src, headers)
	if err != nil {
		log.Error("Failed to load OpenAPI document", slog.Any("error", err))
		return domain.APISchema{}, err
	}

	loader := &openapi3.Loader{Context: ctx, IsExternalRefsAllowed: true}
	doc, err := loader.LoadFromData(data)
	if err != nil {
		return domain.APISchema{}, fmt.Errorf("failed to parse OpenAPI document from %s: %w", resolved, err)
	}
	// Validation failures are logged only.
	if verr := doc.Validate(ctx); verr != nil {
		log.Warn("OpenAPI document does not validate", slog.Any("error", verr))
	}

	log.Debug("Loaded OpenAPI document", slog.String("resolved", resolved), slog.Int("paths", doc.Paths.Len()))
	return domain.APISchema{
		Source:     resolved,
		Kind:       domain.OriginOpenAPI,
		RawData:    data,
		ParsedData: doc,
	}, nil
}

// read returns the raw document and the location it was read from.
func (f *Fetcher) read(ctx context.Context, src string, headers map[string]string) ([]byte, string, error) {
	if github.IsRef(src) {
		data, err := f.github.Read(ctx, src)
		if err != nil {
			return nil, src, fmt.Errorf("failed to fetch OpenAPI document from GitHub: %w", err)
		}
		return data, src, nil
	}

	if u, err := url.ParseRequestURI(src); err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		resolved, err := f.autoDiscoverer.ResolveSource(ctx, src, headers)
		if err != nil {
			return nil, src, fmt.Errorf("failed to locate OpenAPI document at %s: %w", src, err)
		}
		data, err := f.download(ctx, resolved, headers)
		return data, resolved, err
	}

	data, err := os.ReadFile(src)
	if err != nil {
		return nil, src, fmt.Errorf("failed to read OpenAPI document from file %s: %w", src, err)
	}
	return data, src, nil
}

func (f *Fetcher) download(ctx context.Context, src string, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request for %s: %w", src, err)
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch OpenAPI document from %s: %w", src, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch OpenAPI document from %s: status %s", src, resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body from %s: %w", src, err)
	}
	return data, nil
}
