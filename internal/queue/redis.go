package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/i2y/toolgate/internal/domain"
)

// RedisQueue implements Queue using a Redis list.
type RedisQueue struct {
	client redis.Cmdable
	qKey   string
}

// NewRedisQueue creates a queue on client.
func NewRedisQueue(client redis.Cmdable, cfg Config) *RedisQueue {
	return &RedisQueue{client: client, qKey: fmt.Sprintf("toolgate:queue:%s", cfg.Name)}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, records ...domain.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal usage record: %w", err)
		}
		values = append(values, data)
	}
	if err := q.client.RPush(ctx, q.qKey, values...).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}
	return nil
}

// DequeueWithTimeout implements Queue.
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]domain.UsageRecord, error) {
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []domain.UsageRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] the value.
	raw := []string{result[1]}
	if maxItems > 1 {
		more, err := q.client.LPopCount(ctx, q.qKey, maxItems-1).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to pop from Redis: %w", err)
		}
		raw = append(raw, more...)
	}

	items := make([]domain.UsageRecord, 0, len(raw))
	for _, data := range raw {
		var r domain.UsageRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			continue // Skip malformed items
		}
		items = append(items, r)
	}
	return items, nil
}

// Length implements Queue.
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash.
type RedisDeadLetterQueue struct {
	client redis.Cmdable
	dlKey  string
}

// NewRedisDeadLetterQueue creates a dead-letter queue on client.
func NewRedisDeadLetterQueue(client redis.Cmdable, cfg Config) *RedisDeadLetterQueue {
	return &RedisDeadLetterQueue{client: client, dlKey: fmt.Sprintf("toolgate:dlq:%s", cfg.Name)}
}

// Add implements DeadLetterQueue.
func (q *RedisDeadLetterQueue) Add(ctx context.Context, record domain.UsageRecord, err error) error {
	item := newDeadLetterItem(record, err)
	data, marshalErr := json.Marshal(item)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}
	if err := q.client.HSet(ctx, q.dlKey, item.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}
	return nil
}

// List implements DeadLetterQueue. Items are returned oldest first.
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		var item DeadLetterItem
		if err := json.Unmarshal([]byte(data), &item); err != nil {
			continue // Skip malformed items
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Timestamp.Before(items[j].Timestamp) })
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Remove implements DeadLetterQueue.
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	n, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close is a no-op; the client is owned by the caller.
func (q *RedisDeadLetterQueue) Close() error { return nil }
