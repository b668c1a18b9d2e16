package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is a forward-only schema change.
type Migration struct {
	Version int
	Name    string
	Up      string
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "initial_schema",
		Up: `
			CREATE TABLE IF NOT EXISTS incidents (
				id TEXT PRIMARY KEY,
				status TEXT NOT NULL,
				namespace TEXT NOT NULL,
				service TEXT NOT NULL,
				target TEXT NOT NULL,
				version INTEGER NOT NULL,
				detected_at DATETIME NOT NULL,
				updated_at DATETIME NOT NULL,
				body TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);

			CREATE TABLE IF NOT EXISTS issues (
				id TEXT PRIMARY KEY,
				incident_id TEXT NOT NULL,
				status TEXT NOT NULL,
				version INTEGER NOT NULL,
				updated_at DATETIME NOT NULL,
				body TEXT NOT NULL,
				FOREIGN KEY (incident_id) REFERENCES incidents(id)
			);
			CREATE INDEX IF NOT EXISTS idx_issues_incident ON issues(incident_id);

			CREATE TABLE IF NOT EXISTS audit_log (
				sequence INTEGER PRIMARY KEY,
				id TEXT UNIQUE NOT NULL,
				timestamp DATETIME NOT NULL,
				actor TEXT NOT NULL,
				action TEXT NOT NULL,
				target TEXT NOT NULL,
				result TEXT NOT NULL,
				body TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp);
			CREATE INDEX IF NOT EXISTS idx_audit_target ON audit_log(target);
		`,
	},
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var currentVersion int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("get current version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= currentVersion {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transaction for migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Name, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
