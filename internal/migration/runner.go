// internal/migration/runner.go
package migration

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/markb/rentrt/internal/log"
)

const trackingTable = `
CREATE TABLE IF NOT EXISTS _schema_migrations (
    version     TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    applied_at  TEXT NOT NULL
);
`

// Runner handles migration execution against a database
type Runner struct {
	db *sql.DB
}

// NewRunner creates a new migration runner
func NewRunner(db *sql.DB) *Runner {
	return &Runner{db: db}
}

// GetApplied returns all applied migrations, ordered by version ascending
func (r *Runner) GetApplied(ctx context.Context) ([]Migration, error) {
	if _, err := r.db.ExecContext(ctx, trackingTable); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT version, name, applied_at
		FROM _schema_migrations
		ORDER BY version ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var migrations []Migration
	for rows.Next() {
		var m Migration
		var appliedAt string
		if err := rows.Scan(&m.Version, &m.Name, &appliedAt); err != nil {
			return nil, err
		}
		m.AppliedAt, _ = time.Parse(time.RFC3339, appliedAt)
		migrations = append(migrations, m)
	}

	return migrations, rows.Err()
}

// Pending returns the members of all that have not been applied, ordered
// by version.
func (r *Runner) Pending(ctx context.Context, all []Migration) ([]Migration, error) {
	applied, err := r.GetApplied(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(applied))
	for _, m := range applied {
		done[m.Version] = true
	}

	var pending []Migration
	for _, m := range all {
		if err := m.Validate(); err != nil {
			return nil, err
		}
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	slices.SortFunc(pending, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return pending, nil
}

// Apply runs every pending migration, each in its own transaction, and
// returns the ones it applied.
func (r *Runner) Apply(ctx context.Context, all []Migration) ([]Migration, error) {
	pending, err := r.Pending(ctx, all)
	if err != nil {
		return nil, err
	}

	var applied []Migration
	for _, m := range pending {
		if err := r.applyOne(ctx, m); err != nil {
			return applied, err
		}
		log.Debug("migration: applied", "version", m.Version, "name", m.Name)
		applied = append(applied, m)
	}
	return applied, nil
}

func (r *Runner) applyOne(ctx context.Context, m Migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", m.ID(), err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("failed to run migration %s: %w", m.ID(), err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO _schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Name, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to record migration %s: %w", m.ID(), err)
	}
	return tx.Commit()
}
