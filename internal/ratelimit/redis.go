package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/i2y/toolgate/internal/domain"
)

// slidingLogScript trims the log to the trailing window, then admits the
// call if fewer than limit entries remain. It returns
// {allowed, remaining, resetAtMillis}.
var slidingLogScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end

if count < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, limit - count - 1, reset}
end
return {0, 0, reset}
`)

// RedisLimiter is a strict sliding-log limiter shared by every replica.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	now    Clock
}

// RedisOption customizes a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisClock overrides the limiter's time source.
func WithRedisClock(c Clock) RedisOption {
	return func(l *RedisLimiter) { l.now = c }
}

// WithRedisPrefix sets the key prefix. Defaults to "toolgate:ratelimit:".
func WithRedisPrefix(prefix string) RedisOption {
	return func(l *RedisLimiter) { l.prefix = prefix }
}

// NewRedisLimiter creates a strict limiter on client.
func NewRedisLimiter(client redis.Cmdable, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client: client,
		prefix: "toolgate:ratelimit:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string, rule domain.RateLimit) (Decision, error) {
	if !validRule(rule) {
		return unlimited(), nil
	}

	now := l.now().UnixMilli()
	window := rule.Window.Std().Milliseconds()
	res, err := slidingLogScript.Run(ctx, l.client,
		[]string{l.prefix + key},
		now, window, rule.Limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit check for %s: %w", key, err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit check for %s: unexpected script result %v", key, res)
	}

	return Decision{
		Allowed:   res[0] == 1,
		Limit:     rule.Limit,
		Remaining: int(res[1]),
		ResetAt:   time.UnixMilli(res[2]),
	}, nil
}
