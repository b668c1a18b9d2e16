package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
)

// SQLitePersister stores incidents, issues and the audit log in one SQLite
// database. Each Commit is a single transaction.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA journal_mode = WAL"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	if err := runMigrations(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLitePersister{db: db}, nil
}

// Commit writes the entity snapshot and its audit entries atomically.
func (p *SQLitePersister) Commit(ctx context.Context, c store.Commit) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	if inc := c.Incident; inc != nil {
		body, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("marshal incident: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO incidents (id, status, namespace, service, target, version, detected_at, updated_at, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				version = excluded.version,
				updated_at = excluded.updated_at,
				body = excluded.body`,
			inc.ID, string(inc.Status), inc.Namespace, inc.Service, inc.Target, inc.Version, inc.DetectedAt, inc.UpdatedAt, string(body),
		); err != nil {
			return fmt.Errorf("upsert incident %s: %w", inc.ID, err)
		}
	}

	if issue := c.Issue; issue != nil {
		body, err := json.Marshal(issue)
		if err != nil {
			return fmt.Errorf("marshal issue: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issues (id, incident_id, status, version, updated_at, body)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				version = excluded.version,
				updated_at = excluded.updated_at,
				body = excluded.body`,
			issue.ID, issue.IncidentID, string(issue.Status), issue.Version, issue.UpdatedAt, string(body),
		); err != nil {
			return fmt.Errorf("upsert issue %s: %w", issue.ID, err)
		}
	}

	for _, entry := range c.Audit {
		body, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal audit entry: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO audit_log (sequence, id, timestamp, actor, action, target, result, body)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			entry.Sequence, entry.ID, entry.Timestamp, string(entry.Actor), entry.Action, entry.Target, string(entry.Result), string(body),
		); err != nil {
			return fmt.Errorf("insert audit entry %d: %w", entry.Sequence, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Load reads every incident, issue and audit entry.
func (p *SQLitePersister) Load(ctx context.Context) (store.Snapshot, error) {
	var snap store.Snapshot

	incidents, err := loadBodies[models.Incident](ctx, p.db, "SELECT body FROM incidents ORDER BY detected_at, id")
	if err != nil {
		return snap, fmt.Errorf("load incidents: %w", err)
	}
	issues, err := loadBodies[models.Issue](ctx, p.db, "SELECT body FROM issues ORDER BY rowid")
	if err != nil {
		return snap, fmt.Errorf("load issues: %w", err)
	}
	entries, err := loadBodies[models.AuditLogEntry](ctx, p.db, "SELECT body FROM audit_log ORDER BY sequence")
	if err != nil {
		return snap, fmt.Errorf("load audit log: %w", err)
	}

	snap.Incidents = incidents
	snap.Issues = issues
	snap.Audit = make([]models.AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		snap.Audit = append(snap.Audit, *e)
	}
	return snap, nil
}

// QueryAudit runs a filtered audit query directly against the database.
func (p *SQLitePersister) QueryAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	query := "SELECT body FROM audit_log WHERE 1=1"
	args := make([]any, 0, 6)
	if !filter.Since.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query += " AND timestamp <= ?"
		args = append(args, filter.Until.UTC())
	}
	if filter.Actor != "" {
		query += " AND actor = ?"
		args = append(args, string(filter.Actor))
	}
	if filter.Action != "" {
		query += " AND action = ?"
		args = append(args, filter.Action)
	}
	if filter.Target != "" {
		query += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Result != "" {
		query += " AND result = ?"
		args = append(args, string(filter.Result))
	}
	query += " ORDER BY sequence"

	rows, err := loadBodies[models.AuditLogEntry](ctx, p.db, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]models.AuditLogEntry, 0, len(rows))
	for _, e := range rows {
		out = append(out, *e)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Close closes the database connection.
func (p *SQLitePersister) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

func loadBodies[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(body), v); err != nil {
			return nil, fmt.Errorf("decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
