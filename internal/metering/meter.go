// Package metering delivers usage records to the ledger off the request path.
package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/i2y/toolgate/internal/domain"
	"github.com/i2y/toolgate/internal/queue"
)

// Sink persists usage records. Writes must be idempotent on
// UsageRecord.IdempotencyKey so that redelivery never double-bills.
type Sink interface {
	Write(ctx context.Context, records []domain.UsageRecord) (int, error)
}

// Config tunes batching and retries.
type Config struct {
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration

	// DrainTimeout bounds delivery of buffered records on shutdown.
	DrainTimeout time.Duration
}

// DefaultConfig returns the default metering configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		BatchTimeout: time.Second,
		MaxRetries:   3,
		RetryBackoff: 200 * time.Millisecond,
		DrainTimeout: 5 * time.Second,
	}
}

// DeliveryError reports records that could not be delivered.
type DeliveryError struct {
	Records []domain.UsageRecord
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %d usage record(s): %v", len(e.Records), e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Meter accepts usage records and delivers them to a Sink in batches.
type Meter struct {
	queue  queue.Queue
	dlq    queue.DeadLetterQueue
	sink   Sink
	config Config
	logger *slog.Logger
	errs   chan error
}

// New creates a Meter. dlq may be nil.
func New(q queue.Queue, dlq queue.DeadLetterQueue, sink Sink, config Config, logger *slog.Logger) *Meter {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = def.DrainTimeout
	}
	return &Meter{
		queue:  q,
		dlq:    dlq,
		sink:   sink,
		config: config,
		logger: logger.With("component", "meter"),
		errs:   make(chan error, 64),
	}
}

// Record enqueues records for delivery. It never blocks on the sink;
// enqueue failures are reported on Errors.
func (m *Meter) Record(ctx context.Context, records ...domain.UsageRecord) {
	if len(records) == 0 {
		return
	}
	if err := m.queue.Enqueue(ctx, records...); err != nil {
		m.report(&DeliveryError{Records: records, Err: fmt.Errorf("enqueue: %w", err)})
	}
}

// Errors publishes every delivery failure. Failures are dropped when
// nobody drains the channel.
func (m *Meter) Errors() <-chan error { return m.errs }

// Run delivers batches until ctx is done, then drains what is buffered.
func (m *Meter) Run(ctx context.Context) {
	m.logger.Info("Meter started", slog.Int("batch_size", m.config.BatchSize))
	for {
		if ctx.Err() != nil {
			m.drain(ctx)
			return
		}
		if _, err := m.processBatch(ctx); err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				m.logger.Info("Queue closed, meter stopping")
				return
			}
			if ctx.Err() == nil {
				m.logger.Error("Failed to dequeue usage records", slog.Any("error", err))
				sleep(ctx, time.Second)
			}
		}
	}
}

func (m *Meter) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), m.config.DrainTimeout)
	defer cancel()

	total := 0
	for ctx.Err() == nil {
		n, err := m.processBatchWithTimeout(ctx, 10*time.Millisecond)
		if err != nil || n == 0 {
			break
		}
		total += n
	}
	m.logger.Info("Meter stopped", slog.Int("drained", total))
}

func (m *Meter) processBatch(ctx context.Context) (int, error) {
	return m.processBatchWithTimeout(ctx, m.config.BatchTimeout)
}

func (m *Meter) processBatchWithTimeout(ctx context.Context, timeout time.Duration) (int, error) {
	batch, err := m.queue.DequeueWithTimeout(ctx, m.config.BatchSize, timeout)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}
	m.deliver(ctx, batch)
	return len(batch), nil
}

// deliver writes batch with exponential backoff, dead-lettering it once the
// retries are exhausted.
func (m *Meter) deliver(ctx context.Context, batch []domain.UsageRecord) {
	log := m.logger.With(slog.Int("count", len(batch)))

	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := m.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			log.Debug("Retrying usage batch", slog.Int("attempt", attempt), slog.Duration("backoff", backoff))
			if !sleep(ctx, backoff) {
				lastErr = ctx.Err()
				break
			}
		}

		written, err := m.sink.Write(ctx, batch)
		if err == nil {
			log.Debug("Usage batch delivered", slog.Int("written", written))
			return
		}
		lastErr = err
		log.Warn("Failed to write usage batch", slog.Int("attempt", attempt), slog.Any("error", err))
	}

	if m.dlq != nil {
		dlqCtx := context.WithoutCancel(ctx)
		for _, r := range batch {
			if err := m.dlq.Add(dlqCtx, r, lastErr); err != nil {
				log.Error("Failed to add usage record to dead letter queue", slog.String("record_id", r.ID), slog.Any("error", err))
			}
		}
		log.Warn("Usage batch moved to dead letter queue", slog.Any("error", lastErr))
	}
	m.report(&DeliveryError{Records: batch, Err: lastErr})
}

func (m *Meter) report(err error) {
	select {
	case m.errs <- err:
	default:
		m.logger.Error("Metering error dropped", slog.Any("error", err))
	}
}

// QueueLength returns the number of undelivered records.
func (m *Meter) QueueLength(ctx context.Context) (int, error) {
	return m.queue.Length(ctx)
}

// DeadLetters lists dead-lettered records.
func (m *Meter) DeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if m.dlq == nil {
		return nil, errors.New("dead letter queue not configured")
	}
	return m.dlq.List(ctx, maxItems)
}

// RetryDeadLetter re-enqueues a dead-lettered record.
func (m *Meter) RetryDeadLetter(ctx context.Context, id string) error {
	if m.dlq == nil {
		return errors.New("dead letter queue not configured")
	}
	items, err := m.dlq.List(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list dead letter items: %w", err)
	}
	for _, item := range items {
		if item.ID != id {
			continue
		}
		if err := m.queue.Enqueue(ctx, item.Record); err != nil {
			return fmt.Errorf("failed to re-enqueue usage record: %w", err)
		}
		if err := m.dlq.Remove(ctx, id); err != nil {
			return fmt.Errorf("failed to remove from dead letter queue: %w", err)
		}
		return nil
	}
	return queue.ErrItemNotFound
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// LogSink writes usage records to a logger. Useful when no ledger is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "usage_log")}
}

// Write implements Sink.
func (s *LogSink) Write(_ context.Context, records []domain.UsageRecord) (int, error) {
	for _, r := range records {
		s.logger.Info("Usage",
			slog.String("idempotency_key", r.IdempotencyKey()),
			slog.String("deployment_id", r.DeploymentID),
			slog.String("tool", r.ToolName),
			slog.String("line_item", r.LineItemSlug),
			slog.Int64("quantity", r.Quantity),
			slog.Time("timestamp", r.Timestamp),
		)
	}
	return len(records), nil
}
