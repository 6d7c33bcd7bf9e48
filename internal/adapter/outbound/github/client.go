// Package github reads files referenced as github://owner/repo/path[@ref]
// through the gh CLI, which carries the caller's GitHub credentials.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Scheme prefixes GitHub file references.
const Scheme = "github://"

// ErrGHUnavailable is returned when the gh CLI is missing or not logged in.
var ErrGHUnavailable = errors.New("gh CLI unavailable")

// Ref is a parsed github:// reference.
type Ref struct {
	Owner string
	Repo  string
	Path  string
	Ref   string
}

// IsRef reports whether src is a github:// reference.
func IsRef(src string) bool { return strings.HasPrefix(src, Scheme) }

// ParseRef parses github://owner/repo/path/to/file[@ref].
func ParseRef(src string) (Ref, error) {
	if !IsRef(src) {
		return Ref{}, fmt.Errorf("invalid GitHub reference %q: missing %s prefix", src, Scheme)
	}
	rest := strings.TrimPrefix(src, Scheme)

	var r Ref
	if i := strings.LastIndexByte(rest, '@'); i >= 0 {
		rest, r.Ref = rest[:i], rest[i+1:]
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Ref{}, fmt.Errorf("invalid GitHub reference %q: expected %sowner/repo/path/to/file", src, Scheme)
	}
	r.Owner, r.Repo, r.Path = parts[0], parts[1], parts[2]
	return r, nil
}

// contentsPath is the REST path of the contents endpoint for r.
func (r Ref) contentsPath() string {
	p := fmt.Sprintf("repos/%s/%s/contents/%s", r.Owner, r.Repo, r.Path)
	if r.Ref != "" {
		p += "?ref=" + r.Ref
	}
	return p
}

// Runner executes a command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s failed: %s: %w", name, strings.TrimSpace(stderr.String()), err)
		}
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// Client reads GitHub files with gh.
type Client struct {
	run    Runner
	logger *slog.Logger
}

// NewClient creates a Client. A nil runner executes the real gh binary.
func NewClient(run Runner, logger *slog.Logger) *Client {
	if run == nil {
		run = execRunner
	}
	return &Client{run: run, logger: logger.With("component", "github_client")}
}

// Read returns the content of the file src references.
func (c *Client) Read(ctx context.Context, src string) ([]byte, error) {
	ref, err := ParseRef(src)
	if err != nil {
		return nil, err
	}
	if _, err := c.run(ctx, "gh", "auth", "status"); err != nil {
		if strings.Contains(err.Error(), "executable file not found") {
			return nil, fmt.Errorf("%w: install it from https://cli.github.com/", ErrGHUnavailable)
		}
		return nil, fmt.Errorf("%w: run 'gh auth login': %w", ErrGHUnavailable, err)
	}

	c.logger.Debug("Fetching file from GitHub", slog.String("source", src))
	out, err := c.run(ctx, "gh", "api", ref.contentsPath(), "--jq", ".content")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", src, err)
	}
	// The contents API wraps base64 at 60 columns.
	encoded := strings.Join(strings.Fields(string(out)), "")
	if encoded == "" || encoded == "null" {
		return nil, fmt.Errorf("failed to fetch %s: empty response from GitHub", src)
	}
	content, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode content of %s: %w", src, err)
	}
	return content, nil
}
