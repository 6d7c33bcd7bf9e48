package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/i2y/toolgate/internal/domain"
)

type usageRow struct {
	ID             string `db:"id"`
	IdempotencyKey string `db:"idempotency_key"`
	InvocationID   string `db:"invocation_id"`
	ConsumerID     string `db:"consumer_id"`
	DeploymentID   string `db:"deployment_id"`
	ToolName       string `db:"tool_name"`
	LineItemSlug   string `db:"line_item_slug"`
	Quantity       int64  `db:"quantity"`
	RecordedAtMS   int64  `db:"recorded_at_ms"`
}

func (r usageRow) record() domain.UsageRecord {
	return domain.UsageRecord{
		ID:           r.ID,
		InvocationID: r.InvocationID,
		ConsumerID:   r.ConsumerID,
		DeploymentID: r.DeploymentID,
		ToolName:     r.ToolName,
		LineItemSlug: r.LineItemSlug,
		Quantity:     r.Quantity,
		Timestamp:    fromMillis(r.RecordedAtMS),
	}
}

// Ledger is an append-only usage record sink. Records are deduplicated by idempotency key.
type Ledger struct {
	db *DB
}

// NewLedger creates a ledger on db.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Write appends records, skipping any whose idempotency key was already written.
// It returns how many records were new.
func (l *Ledger) Write(ctx context.Context, records []domain.UsageRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	tx, err := l.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := tx.Rebind(`
		INSERT INTO usage_records
			(id, idempotency_key, invocation_id, consumer_id, deployment_id, tool_name, line_item_slug, quantity, recorded_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`)

	inserted := 0
	for _, r := range records {
		res, err := tx.ExecContext(ctx, query,
			r.ID, r.IdempotencyKey(), r.InvocationID, r.ConsumerID, r.DeploymentID,
			r.ToolName, r.LineItemSlug, r.Quantity, toMillis(r.Timestamp))
		if err != nil {
			return 0, fmt.Errorf("failed to insert usage record %s: %w", r.IdempotencyKey(), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			inserted += int(n)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit usage records: %w", err)
	}
	return inserted, nil
}

// ByConsumer returns the records of a consumer since the given time, oldest first.
func (l *Ledger) ByConsumer(ctx context.Context, consumerID string, since time.Time) ([]domain.UsageRecord, error) {
	var rows []usageRow
	query := l.db.conn.Rebind(`
		SELECT id, idempotency_key, invocation_id, consumer_id, deployment_id, tool_name, line_item_slug, quantity, recorded_at_ms
		FROM usage_records
		WHERE consumer_id = ? AND recorded_at_ms >= ?
		ORDER BY recorded_at_ms, id`)
	if err := l.db.conn.SelectContext(ctx, &rows, query, consumerID, toMillis(since)); err != nil {
		return nil, fmt.Errorf("failed to list usage records: %w", err)
	}
	out := make([]domain.UsageRecord, len(rows))
	for i, r := range rows {
		out[i] = r.record()
	}
	return out, nil
}

// Totals sums the quantities of a consumer per line item since the given time.
func (l *Ledger) Totals(ctx context.Context, consumerID string, since time.Time) (map[string]int64, error) {
	var rows []struct {
		LineItemSlug string `db:"line_item_slug"`
		Total        int64  `db:"total"`
	}
	query := l.db.conn.Rebind(`
		SELECT line_item_slug, SUM(quantity) AS total
		FROM usage_records
		WHERE consumer_id = ? AND recorded_at_ms >= ?
		GROUP BY line_item_slug`)
	if err := l.db.conn.SelectContext(ctx, &rows, query, consumerID, toMillis(since)); err != nil {
		return nil, fmt.Errorf("failed to total usage records: %w", err)
	}
	totals := make(map[string]int64, len(rows))
	for _, r := range rows {
		totals[r.LineItemSlug] = r.Total
	}
	return totals, nil
}
