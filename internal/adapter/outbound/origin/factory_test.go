package origin_test

import (
	"context"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/adapter/outbound/httpinvoker"
	"github.com/i2y/toolgate/internal/adapter/outbound/mcpclient"
	"github.com/i2y/toolgate/internal/adapter/outbound/openapi"
	"github.com/i2y/toolgate/internal/adapter/outbound/origin"
	"github.com/i2y/toolgate/internal/adapter/outbound/raw"
	"github.com/i2y/toolgate/internal/domain"
)

func newFactory() *origin.Factory {
	logger := slog.Default()
	return origin.NewFactory(httpinvoker.New(http.DefaultClient, logger), openapi.NewFetcher(nil, logger), openapi.NewGenerator(logger), logger)
}

func TestFactory_New(t *testing.T) {
	f := newFactory()
	ctx := context.Background()

	a, err := f.New(ctx, &domain.DeploymentConfig{Slug: "p", Origin: domain.Origin{Type: domain.OriginRaw, URL: "http://localhost:1"}})
	require.NoError(t, err)
	assert.IsType(t, &raw.Adapter{}, a)

	a, err = f.New(ctx, &domain.DeploymentConfig{Slug: "p", Origin: domain.Origin{Type: domain.OriginMCP, URL: "http://localhost:1/sse"}})
	require.NoError(t, err)
	assert.IsType(t, &mcpclient.Adapter{}, a)

	_, err = f.New(ctx, &domain.DeploymentConfig{Slug: "p", Origin: domain.Origin{Type: "grpc"}})
	assert.Error(t, err)
}
