package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/i2y/toolgate/internal/domain"
)

type consumerRow struct {
	ID          string `db:"id"`
	ProjectSlug string `db:"project_slug"`
	PlanSlug    string `db:"plan_slug"`
	Interval    string `db:"billing_interval"`
	Active      bool   `db:"active"`
	APIKeyHash  string `db:"api_key_hash"`
}

// ConsumerStore is a usecase.ConsumerStore backed by the consumers table.
type ConsumerStore struct {
	db *DB
}

// NewConsumerStore creates a consumer store on db.
func NewConsumerStore(db *DB) *ConsumerStore {
	return &ConsumerStore{db: db}
}

// Save inserts or replaces a consumer; only the hash of apiKey is stored.
func (s *ConsumerStore) Save(ctx context.Context, c *domain.Consumer, apiKey string) error {
	if c.ID == "" || apiKey == "" {
		return fmt.Errorf("consumer needs an id and an api key")
	}
	_, err := s.db.conn.ExecContext(ctx, s.db.conn.Rebind(`
		INSERT INTO consumers (id, project_slug, plan_slug, billing_interval, active, api_key_hash)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			project_slug = excluded.project_slug,
			plan_slug = excluded.plan_slug,
			billing_interval = excluded.billing_interval,
			active = excluded.active,
			api_key_hash = excluded.api_key_hash`),
		c.ID, c.ProjectSlug, c.PlanSlug, string(c.Interval), c.Active, domain.HashAPIKey(apiKey))
	if err != nil {
		return fmt.Errorf("failed to save consumer %s: %w", c.ID, err)
	}
	return nil
}

// FindByAPIKeyHash returns the consumer holding the hashed key.
func (s *ConsumerStore) FindByAPIKeyHash(ctx context.Context, hash string) (*domain.Consumer, error) {
	var row consumerRow
	err := s.db.conn.GetContext(ctx, &row, s.db.conn.Rebind(`
		SELECT id, project_slug, plan_slug, billing_interval, active, api_key_hash
		FROM consumers WHERE api_key_hash = ?`), hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConsumerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer: %w", err)
	}
	return &domain.Consumer{
		ID:          row.ID,
		ProjectSlug: row.ProjectSlug,
		PlanSlug:    row.PlanSlug,
		Interval:    domain.PricingInterval(row.Interval),
		Active:      row.Active,
		APIKeyHash:  row.APIKeyHash,
	}, nil
}
