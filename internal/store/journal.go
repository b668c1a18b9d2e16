package store

import (
	"context"
	"fmt"

	"github.com/miradorstack/mirador-remediator/internal/audit"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Commit is one atomic unit: the new entity snapshot and its audit entries.
type Commit struct {
	Incident *models.Incident
	Issue    *models.Issue
	Audit    []models.AuditLogEntry
}

// Snapshot is the durable state loaded at startup.
type Snapshot struct {
	Incidents []*models.Incident
	Issues    []*models.Issue
	Audit     []models.AuditLogEntry
}

// Persister stores commits durably. Commit must write every part of c in a
// single transaction or none of it.
type Persister interface {
	Commit(ctx context.Context, c Commit) error
	Load(ctx context.Context) (Snapshot, error)
	Close() error
}

// AuditArchive is implemented by persisters that can query audit entries
// evicted from memory.
type AuditArchive interface {
	QueryAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error)
}

// NoopPersister keeps nothing; state lives only in memory.
type NoopPersister struct{}

func (NoopPersister) Commit(context.Context, Commit) error { return nil }

func (NoopPersister) Load(context.Context) (Snapshot, error) { return Snapshot{}, nil }

func (NoopPersister) Close() error { return nil }

// Journal writes commits through the persister and only then publishes them.
type Journal struct {
	persister Persister
	log       *audit.Log
}

// NewJournal wires a persister to the audit log.
func NewJournal(persister Persister, log *audit.Log) *Journal {
	if persister == nil {
		persister = NoopPersister{}
	}
	return &Journal{persister: persister, log: log}
}

// Log exposes the audit log.
func (j *Journal) Log() *audit.Log { return j.log }

// Write stamps the audit entries, persists the commit and calls publish before
// the entries become visible. Nothing is published when persistence fails.
func (j *Journal) Write(ctx context.Context, c Commit, publish func()) ([]models.AuditLogEntry, error) {
	c.Audit = j.log.Stamp(c.Audit)
	if err := j.persister.Commit(ctx, c); err != nil {
		return nil, fmt.Errorf("persist commit: %w", err)
	}
	if publish != nil {
		publish()
	}
	j.log.Publish(c.Audit)
	return c.Audit, nil
}

// SearchAudit answers filter from memory when the log still holds every
// entry it could match, and from the persister's archive otherwise.
func (j *Journal) SearchAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	archive, ok := j.persister.(AuditArchive)
	if !ok || j.log.Covers(filter) {
		return j.log.Query(filter), nil
	}
	entries, err := archive.QueryAudit(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("query audit archive: %w", err)
	}
	return entries, nil
}

// Load restores the audit log and returns the persisted entities.
func (j *Journal) Load(ctx context.Context) (Snapshot, error) {
	snap, err := j.persister.Load(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load state: %w", err)
	}
	j.log.Restore(snap.Audit)
	return snap, nil
}

// Close releases the persister.
func (j *Journal) Close() error { return j.persister.Close() }
