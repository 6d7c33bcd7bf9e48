// Package queue buffers usage records between the request path and the
// metering worker.
//
// Two backends are provided:
//
//   - MemoryQueue: a bounded channel. Records are lost on restart.
//   - RedisQueue: a Redis list shared by every replica, so any worker may
//     drain records produced anywhere in the fleet.
//
// Records that exhaust their retries land in a DeadLetterQueue.
package queue

import (
	"context"
	"time"

	"github.com/i2y/toolgate/internal/domain"
)

// Queue is a FIFO of usage records.
type Queue interface {
	// Enqueue adds records without waiting for capacity.
	Enqueue(ctx context.Context, records ...domain.UsageRecord) error

	// DequeueWithTimeout returns up to maxItems records, waiting at most
	// timeout for the first one. An empty slice means the wait timed out.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]domain.UsageRecord, error)

	Length(ctx context.Context) (int, error)
	Close() error
}

// DeadLetterQueue holds records that could not be delivered.
type DeadLetterQueue interface {
	Add(ctx context.Context, record domain.UsageRecord, err error) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is a failed record with the error that sank it.
type DeadLetterItem struct {
	ID        string             `json:"id"`
	Record    domain.UsageRecord `json:"record"`
	Error     string             `json:"error"`
	Timestamp time.Time          `json:"timestamp"`
}

// Config holds queue configuration.
type Config struct {
	// Capacity bounds the in-memory queue.
	Capacity int

	// Name namespaces the redis keys.
	Name string
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig(name string) Config {
	return Config{Capacity: 10000, Name: name}
}
