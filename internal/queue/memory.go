package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/i2y/toolgate/internal/domain"
)

// MemoryQueue implements Queue on a buffered channel.
type MemoryQueue struct {
	items  chan domain.UsageRecord
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(cfg Config) *MemoryQueue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultConfig("").Capacity
	}
	return &MemoryQueue{
		items: make(chan domain.UsageRecord, cfg.Capacity),
		done:  make(chan struct{}),
	}
}

// Enqueue implements Queue. It fails with ErrQueueFull rather than block.
func (q *MemoryQueue) Enqueue(_ context.Context, records ...domain.UsageRecord) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}
	for _, r := range records {
		select {
		case q.items <- r:
		default:
			return ErrQueueFull
		}
	}
	return nil
}

// DequeueWithTimeout implements Queue. Records buffered before Close are
// still returned.
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]domain.UsageRecord, error) {
	var items []domain.UsageRecord
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-q.items:
		items = append(items, r)
	case <-timer.C:
		return items, nil
	case <-q.done:
		select {
		case r := <-q.items:
			items = append(items, r)
		default:
			return nil, ErrQueueClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(items) < maxItems {
		select {
		case r := <-q.items:
			items = append(items, r)
		default:
			return items, nil
		}
	}
	return items, nil
}

// Length implements Queue.
func (q *MemoryQueue) Length(_ context.Context) (int, error) {
	return len(q.items), nil
}

// Close stops accepting records.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue in memory.
type MemoryDeadLetterQueue struct {
	items  []DeadLetterItem
	mu     sync.RWMutex
	closed bool
}

// NewMemoryDeadLetterQueue creates an in-memory dead-letter queue.
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{}
}

// Add implements DeadLetterQueue.
func (q *MemoryDeadLetterQueue) Add(_ context.Context, record domain.UsageRecord, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, newDeadLetterItem(record, err))
	return nil
}

// List implements DeadLetterQueue.
func (q *MemoryDeadLetterQueue) List(_ context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if maxItems <= 0 || maxItems > len(q.items) {
		maxItems = len(q.items)
	}
	result := make([]DeadLetterItem, maxItems)
	copy(result, q.items[:maxItems])
	return result, nil
}

// Remove implements DeadLetterQueue.
func (q *MemoryDeadLetterQueue) Remove(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

// Close implements DeadLetterQueue.
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetterItem(record domain.UsageRecord, err error) DeadLetterItem {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DeadLetterItem{
		ID:        uuid.NewString(),
		Record:    record,
		Error:     msg,
		Timestamp: time.Now().UTC(),
	}
}
