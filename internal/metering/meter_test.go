package metering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/queue"
)

type fakeSink struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  map[string]domain.UsageRecord
}

func newFakeSink(failures int) *fakeSink {
	return &fakeSink{failures: failures, written: make(map[string]domain.UsageRecord)}
}

func (s *fakeSink) Write(_ context.Context, records []domain.UsageRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures < 0 || s.calls <= s.failures {
		return 0, errors.New("ledger unavailable")
	}
	n := 0
	for _, r := range records {
		if _, dup := s.written[r.IdempotencyKey()]; dup {
			continue
		}
		s.written[r.IdempotencyKey()] = r
		n++
	}
	return n, nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.written)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		BatchSize:    10,
		BatchTimeout: 20 * time.Millisecond,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		DrainTimeout: time.Second,
	}
}

func usage(i int) domain.UsageRecord {
	return domain.UsageRecord{
		ID:           fmt.Sprintf("r%d", i),
		InvocationID: fmt.Sprintf("inv%d", i),
		ConsumerID:   "c1",
		LineItemSlug: "calls",
		Quantity:     1,
		Timestamp:    time.Now().UTC(),
	}
}

func TestMeter_DeliversBatches(t *testing.T) {
	sink := newFakeSink(0)
	m := New(queue.NewMemoryQueue(queue.DefaultConfig("usage")), queue.NewMemoryDeadLetterQueue(), sink, testConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	for i := 0; i < 25; i++ {
		m.Record(ctx, usage(i))
	}
	assert.Eventually(t, func() bool { return sink.count() == 25 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestMeter_RetriesThenSucceeds(t *testing.T) {
	sink := newFakeSink(2)
	dlq := queue.NewMemoryDeadLetterQueue()
	m := New(queue.NewMemoryQueue(queue.DefaultConfig("usage")), dlq, sink, testConfig(), testLogger())

	ctx := context.Background()
	m.Record(ctx, usage(1))
	n, err := m.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, sink.count())

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Len(t, m.Errors(), 0)
}

func TestMeter_DeadLettersAfterRetries(t *testing.T) {
	sink := newFakeSink(-1)
	dlq := queue.NewMemoryDeadLetterQueue()
	m := New(queue.NewMemoryQueue(queue.DefaultConfig("usage")), dlq, sink, testConfig(), testLogger())

	ctx := context.Background()
	m.Record(ctx, usage(1), usage(2))
	_, err := m.processBatch(ctx)
	require.NoError(t, err)

	sink.mu.Lock()
	assert.Equal(t, 3, sink.calls)
	sink.mu.Unlock()

	items, err := m.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "ledger unavailable", items[0].Error)

	select {
	case got := <-m.Errors():
		var derr *DeliveryError
		require.ErrorAs(t, got, &derr)
		assert.Len(t, derr.Records, 2)
	default:
		t.Fatal("expected a delivery error")
	}

	// Once the ledger recovers, a dead-lettered record can be replayed.
	sink.mu.Lock()
	sink.failures = 0
	sink.mu.Unlock()
	require.NoError(t, m.RetryDeadLetter(ctx, items[0].ID))
	_, err = m.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())

	assert.ErrorIs(t, m.RetryDeadLetter(ctx, items[0].ID), queue.ErrItemNotFound)
}

func TestMeter_RedeliveryIsIdempotent(t *testing.T) {
	sink := newFakeSink(0)
	m := New(queue.NewMemoryQueue(queue.DefaultConfig("usage")), nil, sink, testConfig(), testLogger())

	ctx := context.Background()
	m.Record(ctx, usage(1))
	m.Record(ctx, usage(1))
	_, err := m.processBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sink.count())
}

func TestMeter_EnqueueFailureIsReported(t *testing.T) {
	q := queue.NewMemoryQueue(queue.Config{Capacity: 1})
	m := New(q, nil, newFakeSink(0), testConfig(), testLogger())

	m.Record(context.Background(), usage(1), usage(2))

	select {
	case got := <-m.Errors():
		assert.ErrorIs(t, got, queue.ErrQueueFull)
	default:
		t.Fatal("expected an enqueue error")
	}
}

func TestMeter_DrainsOnShutdown(t *testing.T) {
	sink := newFakeSink(0)
	m := New(queue.NewMemoryQueue(queue.DefaultConfig("usage")), nil, sink, testConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		m.Record(ctx, usage(i))
	}
	cancel()
	m.Run(ctx)
	assert.Equal(t, 5, sink.count())
}

func TestLogSink(t *testing.T) {
	n, err := NewLogSink(testLogger()).Write(context.Background(), []domain.UsageRecord{usage(1), usage(2)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
