package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/i2y/toolgate/internal/domain"
)

type deploymentRow struct {
	ID          string `db:"id"`
	ProjectSlug string `db:"project_slug"`
	Version     int    `db:"version"`
	Hash        string `db:"hash"`
	Body        string `db:"body"`
	CreatedAtMS int64  `db:"created_at_ms"`
}

func (r deploymentRow) deployment() (*domain.Deployment, error) {
	var d domain.Deployment
	if err := json.Unmarshal([]byte(r.Body), &d); err != nil {
		return nil, fmt.Errorf("failed to decode deployment %s: %w", r.ID, err)
	}
	d.ID, d.ProjectSlug, d.Version, d.Hash = r.ID, r.ProjectSlug, r.Version, r.Hash
	d.CreatedAt = fromMillis(r.CreatedAtMS)
	return &d, nil
}

const deploymentColumns = `d.id, d.project_slug, d.version, d.hash, d.body, d.created_at_ms`

// DeploymentRepository is a usecase.DeploymentRepository shared by every replica using the database.
type DeploymentRepository struct {
	db *DB
}

// NewDeploymentRepository creates a repository on db.
func NewDeploymentRepository(db *DB) *DeploymentRepository {
	return &DeploymentRepository{db: db}
}

// Publish stores d and makes it active inside one transaction.
func (r *DeploymentRepository) Publish(ctx context.Context, d *domain.Deployment) (*domain.Deployment, bool, error) {
	tx, err := r.db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current deploymentRow
	err = tx.GetContext(ctx, &current, tx.Rebind(`
		SELECT `+deploymentColumns+`
		FROM active_deployments a JOIN deployments d ON d.id = a.deployment_id
		WHERE a.project_slug = ?`), d.ProjectSlug)
	switch {
	case err == nil && current.Hash == d.Hash:
		existing, err := current.deployment()
		return existing, false, err
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to load active deployment: %w", err)
	}

	activate := tx.Rebind(`
		INSERT INTO active_deployments (project_slug, deployment_id) VALUES (?, ?)
		ON CONFLICT (project_slug) DO UPDATE SET deployment_id = excluded.deployment_id`)

	var previous deploymentRow
	err = tx.GetContext(ctx, &previous, tx.Rebind(`SELECT `+deploymentColumns+` FROM deployments d WHERE d.id = ?`), d.ID)
	if err == nil {
		if _, err := tx.ExecContext(ctx, activate, d.ProjectSlug, d.ID); err != nil {
			return nil, false, fmt.Errorf("failed to reactivate deployment: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("failed to commit deployment: %w", err)
		}
		existing, err := previous.deployment()
		return existing, false, err
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to look up deployment: %w", err)
	}

	var version int
	if err := tx.GetContext(ctx, &version, tx.Rebind(`SELECT COALESCE(MAX(version), 0) FROM deployments WHERE project_slug = ?`), d.ProjectSlug); err != nil {
		return nil, false, fmt.Errorf("failed to read deployment version: %w", err)
	}

	stored := *d
	stored.Version = version + 1
	body, err := json.Marshal(&stored)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode deployment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO deployments (id, project_slug, version, hash, body, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`),
		stored.ID, stored.ProjectSlug, stored.Version, stored.Hash, string(body), toMillis(stored.CreatedAt)); err != nil {
		return nil, false, fmt.Errorf("failed to insert deployment: %w", err)
	}
	if _, err := tx.ExecContext(ctx, activate, stored.ProjectSlug, stored.ID); err != nil {
		return nil, false, fmt.Errorf("failed to activate deployment: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit deployment: %w", err)
	}
	return &stored, true, nil
}

// Active returns the active deployment of a project.
func (r *DeploymentRepository) Active(ctx context.Context, projectSlug string) (*domain.Deployment, error) {
	var row deploymentRow
	err := r.db.conn.GetContext(ctx, &row, r.db.conn.Rebind(`
		SELECT `+deploymentColumns+`
		FROM active_deployments a JOIN deployments d ON d.id = a.deployment_id
		WHERE a.project_slug = ?`), projectSlug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeploymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active deployment: %w", err)
	}
	return row.deployment()
}

// Get returns a deployment by id.
func (r *DeploymentRepository) Get(ctx context.Context, id string) (*domain.Deployment, error) {
	var row deploymentRow
	err := r.db.conn.GetContext(ctx, &row, r.db.conn.Rebind(`SELECT `+deploymentColumns+` FROM deployments d WHERE d.id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrDeploymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment: %w", err)
	}
	return row.deployment()
}

// History lists the deployments of a project, newest first.
func (r *DeploymentRepository) History(ctx context.Context, projectSlug string) ([]*domain.Deployment, error) {
	var rows []deploymentRow
	err := r.db.conn.SelectContext(ctx, &rows, r.db.conn.Rebind(`
		SELECT `+deploymentColumns+` FROM deployments d
		WHERE d.project_slug = ? ORDER BY d.version DESC`), projectSlug)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	return decodeRows(rows)
}

// ListActive returns the active deployment of every project.
func (r *DeploymentRepository) ListActive(ctx context.Context) ([]*domain.Deployment, error) {
	var rows []deploymentRow
	err := r.db.conn.SelectContext(ctx, &rows, `
		SELECT `+deploymentColumns+`
		FROM active_deployments a JOIN deployments d ON d.id = a.deployment_id
		ORDER BY d.project_slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active deployments: %w", err)
	}
	return decodeRows(rows)
}

func decodeRows(rows []deploymentRow) ([]*domain.Deployment, error) {
	out := make([]*domain.Deployment, 0, len(rows))
	for _, row := range rows {
		d, err := row.deployment()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}
