package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/i2y/toolgate/internal/domain"
)

// RedisStore shares cache entries and fill leases between replicas.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a store on client. Keys are namespaced under prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "toolgate:cache:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) entryKey(fp string) string { return s.prefix + "entry:" + fp }
func (s *RedisStore) leaseKey(fp string) string { return s.prefix + "lease:" + fp }

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, fingerprint string) (domain.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.entryKey(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, ErrMiss
	}
	if err != nil {
		return domain.CacheEntry{}, fmt.Errorf("failed to read cache entry: %w", err)
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return domain.CacheEntry{}, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return entry, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.entryKey(entry.Fingerprint), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// releaseScript deletes the lease only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease implements Store with SET NX PX and a random holder token.
func (s *RedisStore) Lease(ctx context.Context, fingerprint string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.leaseKey(fingerprint), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to acquire cache lease: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, fingerprint, token string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.leaseKey(fingerprint)}, token).Err(); err != nil {
		return fmt.Errorf("failed to release cache lease: %w", err)
	}
	return nil
}
