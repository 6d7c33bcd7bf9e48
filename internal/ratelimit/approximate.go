package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i2y/toolgate/internal/domain"
)

// counter is one fixed window of one key.
type counter struct {
	start  time.Time
	window time.Duration

	// shared is the last total read back from the shared store, including
	// everything this process has already flushed.
	shared int64

	// pending counts calls admitted locally but not yet flushed.
	pending int64
}

func (c *counter) reset() time.Time { return c.start.Add(c.window) }

// ApproximateLimiter admits calls against fixed-window counters held in
// process and reconciles them with a shared redis counter on Flush. With a
// nil client it is an exact single-process fixed-window limiter.
type ApproximateLimiter struct {
	client redis.Cmdable
	prefix string
	now    Clock
	logger *slog.Logger

	mu       sync.Mutex
	counters map[string]*counter
}

// ApproximateOption customizes an ApproximateLimiter.
type ApproximateOption func(*ApproximateLimiter)

// WithApproximateClock overrides the limiter's time source.
func WithApproximateClock(c Clock) ApproximateOption {
	return func(l *ApproximateLimiter) { l.now = c }
}

// NewApproximateLimiter creates an approximate limiter. client may be nil.
func NewApproximateLimiter(client redis.Cmdable, logger *slog.Logger, opts ...ApproximateOption) *ApproximateLimiter {
	l := &ApproximateLimiter{
		client:   client,
		prefix:   "toolgate:ratelimit:approx:",
		now:      time.Now,
		logger:   logger.With("component", "approximate_limiter"),
		counters: make(map[string]*counter),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements Limiter. It never touches the network.
func (l *ApproximateLimiter) Allow(_ context.Context, key string, rule domain.RateLimit) (Decision, error) {
	if !validRule(rule) {
		return unlimited(), nil
	}

	window := rule.Window.Std()
	now := l.now()
	start := now.Truncate(window)
	id := counterID(key, start)

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[id]
	if !ok {
		c = &counter{start: start, window: window}
		l.counters[id] = c
	}

	used := c.shared + c.pending
	limit := int64(rule.Limit)
	if used >= limit {
		return Decision{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: c.reset()}, nil
	}
	c.pending++
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: int(limit - used - 1),
		ResetAt:   c.reset(),
	}, nil
}

// Flush pushes pending deltas to the shared store and reads back the fleet
// totals. Expired windows are dropped.
func (l *ApproximateLimiter) Flush(ctx context.Context) error {
	now := l.now()

	type snapshot struct {
		id     string
		window time.Duration
		delta  int64
	}

	l.mu.Lock()
	snaps := make([]snapshot, 0, len(l.counters))
	for id, c := range l.counters {
		if !now.Before(c.reset()) {
			delete(l.counters, id)
			continue
		}
		snaps = append(snaps, snapshot{id: id, window: c.window, delta: c.pending})
	}
	l.mu.Unlock()

	if l.client == nil || len(snaps) == 0 {
		return nil
	}

	pipe := l.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(snaps))
	for i, s := range snaps {
		sharedKey := l.prefix + s.id
		cmds[i] = pipe.IncrBy(ctx, sharedKey, s.delta)
		pipe.PExpire(ctx, sharedKey, 2*s.window)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("flush approximate counters: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i, s := range snaps {
		c, ok := l.counters[s.id]
		if !ok {
			continue
		}
		total, err := cmds[i].Result()
		if err != nil {
			continue
		}
		c.pending -= s.delta
		c.shared = total
	}
	return nil
}

// Run flushes every interval until ctx is done.
func (l *ApproximateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			if err := l.Flush(flushCtx); err != nil {
				l.logger.Warn("Final flush failed", slog.Any("error", err))
			}
			cancel()
			return
		case <-ticker.C:
			if err := l.Flush(ctx); err != nil {
				l.logger.Warn("Flush failed", slog.Any("error", err))
			}
		}
	}
}

func counterID(key string, start time.Time) string {
	return key + ":" + strconv.FormatInt(start.UnixMilli(), 10)
}
