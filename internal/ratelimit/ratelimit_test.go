package ratelimit

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/domain"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setupTestRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strictRule() domain.RateLimit {
	return domain.RateLimit{Window: domain.Duration(60 * time.Second), Limit: 5, Mode: domain.RateLimitStrict}
}

func TestStrictLimiters(t *testing.T) {
	limiters := map[string]func(t *testing.T, clock *fakeClock) Limiter{
		"redis": func(t *testing.T, clock *fakeClock) Limiter {
			return NewRedisLimiter(setupTestRedis(t), WithRedisClock(clock.Now))
		},
		"memory": func(t *testing.T, clock *fakeClock) Limiter {
			return NewMemoryLimiter(clock.Now)
		},
	}

	for name, build := range limiters {
		t.Run(name+"/allows up to the limit then rejects", func(t *testing.T) {
			clock := newFakeClock()
			limiter := build(t, clock)
			ctx := context.Background()
			key := Key("weather", "c1", "forecast")

			for i := 0; i < 5; i++ {
				d, err := limiter.Allow(ctx, key, strictRule())
				require.NoError(t, err)
				assert.True(t, d.Allowed, "call %d", i+1)
				assert.Equal(t, 5, d.Limit)
				assert.Equal(t, 5-i-1, d.Remaining)
				clock.Advance(time.Second)
			}

			d, err := limiter.Allow(ctx, key, strictRule())
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, 0, d.Remaining)
			// The oldest call ages out 60s after it was made.
			assert.Equal(t, 55*time.Second, d.RetryAfter(clock.Now()))
		})

		t.Run(name+"/admits again once the window has elapsed", func(t *testing.T) {
			clock := newFakeClock()
			limiter := build(t, clock)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := limiter.Allow(ctx, "k", strictRule())
				require.NoError(t, err)
			}
			d, err := limiter.Allow(ctx, "k", strictRule())
			require.NoError(t, err)
			require.False(t, d.Allowed)

			clock.Advance(60 * time.Second)
			d, err = limiter.Allow(ctx, "k", strictRule())
			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, 4, d.Remaining)
		})

		t.Run(name+"/keys are independent", func(t *testing.T) {
			clock := newFakeClock()
			limiter := build(t, clock)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := limiter.Allow(ctx, Key("p", "a", "t"), strictRule())
				require.NoError(t, err)
			}
			d, err := limiter.Allow(ctx, Key("p", "b", "t"), strictRule())
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		})

		t.Run(name+"/concurrent burst never exceeds the limit", func(t *testing.T) {
			clock := newFakeClock()
			limiter := build(t, clock)
			ctx := context.Background()

			var allowed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 40; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					d, err := limiter.Allow(ctx, "burst", strictRule())
					if err == nil && d.Allowed {
						allowed.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int64(5), allowed.Load())
		})
	}
}

func TestApproximateLimiter(t *testing.T) {
	rule := domain.RateLimit{Window: domain.Duration(time.Minute), Limit: 10, Mode: domain.RateLimitApproximate}

	t.Run("single instance is exact", func(t *testing.T) {
		clock := newFakeClock()
		limiter := NewApproximateLimiter(nil, discardLogger(), WithApproximateClock(clock.Now))
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			d, err := limiter.Allow(ctx, "k", rule)
			require.NoError(t, err)
			assert.True(t, d.Allowed)
		}
		d, err := limiter.Allow(ctx, "k", rule)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, clock.Now().Truncate(time.Minute).Add(time.Minute), d.ResetAt)

		clock.Advance(time.Minute)
		d, err = limiter.Allow(ctx, "k", rule)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	})

	t.Run("replicas converge after a flush", func(t *testing.T) {
		client := setupTestRedis(t)
		clock := newFakeClock()
		a := NewApproximateLimiter(client, discardLogger(), WithApproximateClock(clock.Now))
		b := NewApproximateLimiter(client, discardLogger(), WithApproximateClock(clock.Now))
		ctx := context.Background()

		for i := 0; i < 7; i++ {
			d, err := a.Allow(ctx, "k", rule)
			require.NoError(t, err)
			require.True(t, d.Allowed)
		}
		d, err := b.Allow(ctx, "k", rule)
		require.NoError(t, err)
		require.True(t, d.Allowed)

		require.NoError(t, a.Flush(ctx))
		require.NoError(t, b.Flush(ctx))

		admitted := 0
		for i := 0; i < 10; i++ {
			d, err := b.Allow(ctx, "k", rule)
			require.NoError(t, err)
			if d.Allowed {
				admitted++
			}
		}
		assert.Equal(t, 2, admitted)
	})

	t.Run("overshoot is bounded by one flush interval", func(t *testing.T) {
		client := setupTestRedis(t)
		clock := newFakeClock()
		a := NewApproximateLimiter(client, discardLogger(), WithApproximateClock(clock.Now))
		b := NewApproximateLimiter(client, discardLogger(), WithApproximateClock(clock.Now))
		ctx := context.Background()

		admitted := 0
		for _, l := range []*ApproximateLimiter{a, b} {
			for i := 0; i < 10; i++ {
				d, err := l.Allow(ctx, "k", rule)
				require.NoError(t, err)
				if d.Allowed {
					admitted++
				}
			}
		}
		// Neither replica has seen the other's calls yet.
		assert.Equal(t, 20, admitted)

		require.NoError(t, a.Flush(ctx))
		require.NoError(t, b.Flush(ctx))
		require.NoError(t, a.Flush(ctx))
		d, err := a.Allow(ctx, "k", rule)
		require.NoError(t, err)
		assert.False(t, d.Allowed)
	})

	t.Run("expired windows are dropped on flush", func(t *testing.T) {
		clock := newFakeClock()
		limiter := NewApproximateLimiter(nil, discardLogger(), WithApproximateClock(clock.Now))
		_, err := limiter.Allow(context.Background(), "k", rule)
		require.NoError(t, err)

		clock.Advance(2 * time.Minute)
		require.NoError(t, limiter.Flush(context.Background()))
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		assert.Empty(t, limiter.counters)
	})
}

func TestRouter(t *testing.T) {
	clock := newFakeClock()
	strict := NewMemoryLimiter(clock.Now)
	approx := NewApproximateLimiter(nil, discardLogger(), WithApproximateClock(clock.Now))
	router := NewRouter(strict, approx)
	ctx := context.Background()

	d, err := router.Allow(ctx, "k", domain.RateLimit{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Zero(t, d.Limit)

	_, err = router.Allow(ctx, "k", domain.RateLimit{Window: domain.Duration(time.Minute), Limit: 1, Mode: domain.RateLimitApproximate})
	require.NoError(t, err)
	approx.mu.Lock()
	assert.Len(t, approx.counters, 1)
	approx.mu.Unlock()

	_, err = router.Allow(ctx, "k", domain.RateLimit{Window: domain.Duration(time.Minute), Limit: 1})
	require.NoError(t, err)
	strict.mu.Lock()
	assert.Len(t, strict.logs, 1)
	strict.mu.Unlock()
}

func TestDecisionRetryAfter(t *testing.T) {
	now := time.Now()
	assert.Zero(t, Decision{Allowed: true, ResetAt: now.Add(time.Minute)}.RetryAfter(now))
	assert.Equal(t, time.Minute, Decision{ResetAt: now.Add(time.Minute)}.RetryAfter(now))
	assert.Zero(t, Decision{ResetAt: now.Add(-time.Minute)}.RetryAfter(now))
}
