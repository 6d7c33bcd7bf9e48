package memrepo_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/adapter/outbound/memrepo"
	"github.com/i2y/toolgate/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func deployment(project, hash string) *domain.Deployment {
	return &domain.Deployment{ID: project + "@" + hash, ProjectSlug: project, Hash: hash}
}

func TestDeploymentRepository_Publish(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.NewDeploymentRepository(testLogger())

	d1, created, err := repo.Publish(ctx, deployment("weather", "aaaa"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 1, d1.Version)

	same, created, err := repo.Publish(ctx, deployment("weather", "aaaa"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Same(t, d1, same)

	d2, created, err := repo.Publish(ctx, deployment("weather", "bbbb"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, 2, d2.Version)

	active, err := repo.Active(ctx, "weather")
	require.NoError(t, err)
	assert.Equal(t, "weather@bbbb", active.ID)

	// d1 is still readable after being superseded.
	old, err := repo.Get(ctx, "weather@aaaa")
	require.NoError(t, err)
	assert.Equal(t, 1, old.Version)

	history, err := repo.History(ctx, "weather")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "weather@bbbb", history[0].ID)

	// Republishing the older config reactivates it without a new version.
	back, created, err := repo.Publish(ctx, deployment("weather", "aaaa"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, back.Version)
	active, _ = repo.Active(ctx, "weather")
	assert.Equal(t, "weather@aaaa", active.ID)
}

func TestDeploymentRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.NewDeploymentRepository(testLogger())

	_, err := repo.Active(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrDeploymentNotFound)
	_, err = repo.Get(ctx, "nope@1234")
	assert.ErrorIs(t, err, domain.ErrDeploymentNotFound)
}

func TestDeploymentRepository_ListActive(t *testing.T) {
	ctx := context.Background()
	repo := memrepo.NewDeploymentRepository(testLogger())
	for _, d := range []*domain.Deployment{deployment("b", "1"), deployment("a", "1"), deployment("a", "2")} {
		_, _, err := repo.Publish(ctx, d)
		require.NoError(t, err)
	}

	list, err := repo.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a@2", list[0].ID)
	assert.Equal(t, "b@1", list[1].ID)
}

func TestConsumerStore(t *testing.T) {
	ctx := context.Background()
	store := memrepo.NewConsumerStore(testLogger())

	require.NoError(t, store.Save(ctx, &domain.Consumer{ID: "c1", ProjectSlug: "weather", PlanSlug: "pro", Active: true}, "key-1"))
	assert.Error(t, store.Save(ctx, &domain.Consumer{ID: "c2"}, ""))

	c, err := store.FindByAPIKeyHash(ctx, domain.HashAPIKey("key-1"))
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, domain.HashAPIKey("key-1"), c.APIKeyHash)

	_, err = store.FindByAPIKeyHash(ctx, domain.HashAPIKey("other"))
	assert.ErrorIs(t, err, domain.ErrConsumerNotFound)
}
