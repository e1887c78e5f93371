package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// migration is one numbered schema change of the catalog.
type migration struct {
	version     int
	description string
	apply       func(ctx context.Context, tx *sql.Tx) error
}

// migrations are applied in order. Append only.
var migrations = []migration{
	{
		version:     1,
		description: "base catalog schema",
		apply:       func(ctx context.Context, tx *sql.Tx) error { return nil },
	},
	{
		version:     2,
		description: "index assets by kind",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_assets_kind ON assets(document_id, kind, position)")
			return err
		},
	},
	{
		version:     3,
		description: "record the diagnostic count per document",
		apply: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "ALTER TABLE documents ADD COLUMN diagnostic_count INTEGER NOT NULL DEFAULT 0")
			if err != nil && strings.Contains(err.Error(), "duplicate column") {
				return nil
			}
			return err
		},
	},
}

const versionTableSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    description TEXT,
    applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Migrate brings the catalog up to the latest schema version. Each
// migration runs in its own transaction together with its version row.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, versionTableSQL); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
		slog.Info("store: migration applied", "version", m.version, "description", m.description)
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	defer tx.Rollback()

	if err := m.apply(ctx, tx); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_version (version, description) VALUES (?, ?)",
		m.version, m.description); err != nil {
		return fmt.Errorf("recording migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", m.version, err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v)
	return v, err
}
