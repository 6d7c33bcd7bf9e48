// Package sqlstore persists deployments, consumers and usage records with sqlx.
package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	Driver string
	DSN    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns an on-disk SQLite database in the working directory.
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		DSN:             "toolgate.db",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		idempotency_key TEXT NOT NULL UNIQUE,
		invocation_id TEXT NOT NULL,
		consumer_id TEXT NOT NULL,
		deployment_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		line_item_slug TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		recorded_at_ms BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_records_consumer ON usage_records (consumer_id, recorded_at_ms)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id TEXT PRIMARY KEY,
		project_slug TEXT NOT NULL,
		version INTEGER NOT NULL,
		hash TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at_ms BIGINT NOT NULL,
		UNIQUE (project_slug, version)
	)`,
	`CREATE TABLE IF NOT EXISTS active_deployments (
		project_slug TEXT PRIMARY KEY,
		deployment_id TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS consumers (
		id TEXT PRIMARY KEY,
		project_slug TEXT NOT NULL,
		plan_slug TEXT NOT NULL,
		billing_interval TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL,
		api_key_hash TEXT NOT NULL UNIQUE
	)`,
}

// DB wraps the connection shared by the stores of this package.
type DB struct {
	conn *sqlx.DB
}

// Open connects and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	driver := strings.ToLower(cfg.Driver)
	if driver == "" {
		driver = DriverSQLite
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := sqlx.ConnectContext(ctx, driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if driver == DriverSQLite {
		// One writer at a time; in-memory databases exist per connection.
		conn.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		conn.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	for _, stmt := range migrations {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }
