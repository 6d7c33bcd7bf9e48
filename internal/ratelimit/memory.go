package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/i2y/toolgate/internal/domain"
)

// MemoryLimiter is a strict sliding-log limiter for a single process.
type MemoryLimiter struct {
	mu   sync.Mutex
	logs map[string][]time.Time
	now  Clock
}

// NewMemoryLimiter creates an in-process strict limiter. A nil clock means time.Now.
func NewMemoryLimiter(clock Clock) *MemoryLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{logs: make(map[string][]time.Time), now: clock}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, rule domain.RateLimit) (Decision, error) {
	if !validRule(rule) {
		return unlimited(), nil
	}

	now := l.now()
	window := rule.Window.Std()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logs[key]
	keep := 0
	for keep < len(log) && !log[keep].After(cutoff) {
		keep++
	}
	log = log[keep:]

	reset := now.Add(window)
	if len(log) > 0 {
		reset = log[0].Add(window)
	}

	if len(log) >= rule.Limit {
		l.logs[key] = log
		return Decision{Allowed: false, Limit: rule.Limit, Remaining: 0, ResetAt: reset}, nil
	}

	log = append(log, now)
	l.logs[key] = log
	return Decision{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(log),
		ResetAt:   reset,
	}, nil
}

// Sweep drops logs whose newest entry is older than maxAge.
func (l *MemoryLimiter) Sweep(maxAge time.Duration) {
	cutoff := l.now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, log := range l.logs {
		if len(log) == 0 || !log[len(log)-1].After(cutoff) {
			delete(l.logs, key)
		}
	}
}
