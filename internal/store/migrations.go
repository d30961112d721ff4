package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/lox/riverwatch/internal/log"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Cache snapshots",
		SQL: `
CREATE TABLE IF NOT EXISTS cache_snapshots (
    key TEXT PRIMARY KEY,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL,
    fetched_at DATETIME NOT NULL,
    saved_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Warm run audit",
		SQL: `
CREATE TABLE IF NOT EXISTS warm_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at DATETIME NOT NULL,
    finished_at DATETIME,
    kind TEXT NOT NULL,
    target TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    success BOOLEAN NOT NULL DEFAULT FALSE,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_warm_runs_started ON warm_runs(started_at);
`,
	},
}

// Migrate applies every pending migration in version order, each in its own
// transaction.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
		log.Infof("store: schema at version %d (%s)", m.Version, m.Description)
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// MigrationVersion returns the highest applied migration, or 0 for a fresh
// database.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
