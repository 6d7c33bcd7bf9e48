package github

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		want    Ref
		wantErr bool
	}{
		{
			name: "simple",
			src:  "github://owner/repo/path/to/file.yaml",
			want: Ref{Owner: "owner", Repo: "repo", Path: "path/to/file.yaml"},
		},
		{
			name: "with tag",
			src:  "github://owner/repo/path/to/file.yaml@v1.0",
			want: Ref{Owner: "owner", Repo: "repo", Path: "path/to/file.yaml", Ref: "v1.0"},
		},
		{
			name: "with branch",
			src:  "github://microsoft/api-guidelines/graph/openapi.yaml@main",
			want: Ref{Owner: "microsoft", Repo: "api-guidelines", Path: "graph/openapi.yaml", Ref: "main"},
		},
		{name: "not github", src: "https://github.com/owner/repo/file.yaml", wantErr: true},
		{name: "missing path", src: "github://owner/repo", wantErr: true},
		{name: "missing repo", src: "github://owner", wantErr: true},
		{name: "empty segment", src: "github://owner//file.yaml", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRef(tt.src)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRef_ContentsPath(t *testing.T) {
	assert.Equal(t, "repos/o/r/contents/a/b.yaml", Ref{Owner: "o", Repo: "r", Path: "a/b.yaml"}.contentsPath())
	assert.Equal(t, "repos/o/r/contents/a.yaml?ref=main", Ref{Owner: "o", Repo: "r", Path: "a.yaml", Ref: "main"}.contentsPath())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestClient_Read(t *testing.T) {
	doc := "openapi: 3.0.0\ninfo: {title: x, version: '1'}\npaths: {}\n"
	encoded := base64.StdEncoding.EncodeToString([]byte(doc))
	// Mimic the API's line wrapping.
	wrapped := encoded[:10] + "\n" + encoded[10:] + "\n"

	var calls [][]string
	c := NewClient(func(_ context.Context, name string, args ...string) ([]byte, error) {
		calls = append(calls, append([]string{name}, args...))
		if args[0] == "auth" {
			return nil, nil
		}
		return []byte(wrapped), nil
	}, testLogger())

	got, err := c.Read(context.Background(), "github://o/r/specs/api.yaml@v2")
	require.NoError(t, err)
	assert.Equal(t, doc, string(got))
	require.Len(t, calls, 2)
	assert.Equal(t, "gh api repos/o/r/contents/specs/api.yaml?ref=v2 --jq .content", strings.Join(calls[1], " "))
}

func TestClient_ReadErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("gh missing", func(t *testing.T) {
		c := NewClient(func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New(`exec: "gh": executable file not found in $PATH`)
		}, testLogger())
		_, err := c.Read(ctx, "github://o/r/a.yaml")
		assert.ErrorIs(t, err, ErrGHUnavailable)
	})

	t.Run("empty content", func(t *testing.T) {
		c := NewClient(func(context.Context, string, ...string) ([]byte, error) {
			return []byte("null\n"), nil
		}, testLogger())
		_, err := c.Read(ctx, "github://o/r/a.yaml")
		assert.ErrorContains(t, err, "empty response")
	})

	t.Run("bad reference", func(t *testing.T) {
		c := NewClient(nil, testLogger())
		_, err := c.Read(ctx, "github://o")
		assert.Error(t, err)
	})
}
