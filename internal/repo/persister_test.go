package repo

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/audit"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/store"
)

func sampleCommits(now time.Time) []store.Commit {
	inc := &models.Incident{
		ID:         "inc-1",
		Title:      "checkout degraded",
		Status:     models.IncidentDetected,
		Severity:   models.SeverityHigh,
		Namespace:  "shop",
		Service:    "checkout",
		Target:     "checkout",
		DetectedAt: now,
		UpdatedAt:  now,
		Version:    1,
	}
	updated := inc.Clone()
	updated.Status = models.IncidentAnalyzing
	updated.Version = 2

	issue := &models.Issue{ID: "iss-1", IncidentID: "inc-1", Status: models.IssueOpen, CreatedAt: now, UpdatedAt: now, Version: 1}

	return []store.Commit{
		{Incident: inc, Audit: []models.AuditLogEntry{
			{ID: "a1", Sequence: 1, Timestamp: now, Actor: models.ActorSystem, Action: "incident.detected", Target: "inc-1", Result: models.AuditSuccess},
		}},
		{Incident: updated, Audit: []models.AuditLogEntry{
			{ID: "a2", Sequence: 2, Timestamp: now.Add(time.Second), Actor: models.ActorSystem, Action: "incident.analyzing", Target: "inc-1", Result: models.AuditSuccess},
		}},
		{Issue: issue, Audit: []models.AuditLogEntry{
			{ID: "a3", Sequence: 3, Timestamp: now.Add(2 * time.Second), Actor: models.ActorHuman, ActorID: "alice", Action: "issue.created", Target: "iss-1", Result: models.AuditSuccess},
		}},
	}
}

func assertSnapshot(t *testing.T, snap store.Snapshot) {
	t.Helper()
	if len(snap.Incidents) != 1 {
		t.Fatalf("expected one incident, got %d", len(snap.Incidents))
	}
	if snap.Incidents[0].Status != models.IncidentAnalyzing || snap.Incidents[0].Version != 2 {
		t.Fatalf("expected latest incident snapshot, got %+v", snap.Incidents[0])
	}
	if len(snap.Issues) != 1 || snap.Issues[0].IncidentID != "inc-1" {
		t.Fatalf("unexpected issues: %+v", snap.Issues)
	}
	if len(snap.Audit) != 3 {
		t.Fatalf("expected three audit entries, got %d", len(snap.Audit))
	}
	for i, e := range snap.Audit {
		if e.Sequence != int64(i+1) {
			t.Fatalf("audit out of order at %d: %+v", i, e)
		}
	}
}

func TestSQLitePersisterRoundTrip(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "remediator.db")
	p, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, c := range sampleCommits(now) {
		if err := p.Commit(ctx, c); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSnapshot(t, snap)

	human, err := reopened.QueryAudit(ctx, models.AuditFilter{Actor: models.ActorHuman})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(human) != 1 || human[0].ActorID != "alice" {
		t.Fatalf("unexpected human entries: %+v", human)
	}

	limited, err := reopened.QueryAudit(ctx, models.AuditFilter{Target: "inc-1", Limit: 1})
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	if len(limited) != 1 || limited[0].Sequence != 2 {
		t.Fatalf("expected most recent incident entry, got %+v", limited)
	}
}

func TestSQLitePersisterRejectsOrphanIssue(t *testing.T) {
	ctx := t.Context()
	p, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "remediator.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer p.Close()

	orphan := store.Commit{
		Issue: &models.Issue{ID: "iss-x", IncidentID: "missing", Status: models.IssueOpen},
		Audit: []models.AuditLogEntry{{ID: "a9", Sequence: 9, Timestamp: time.Now().UTC(), Action: "issue.created", Target: "iss-x"}},
	}
	if err := p.Commit(ctx, orphan); err == nil {
		t.Fatalf("expected foreign key violation")
	}

	snap, err := p.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snap.Audit) != 0 {
		t.Fatalf("failed commit must not leave audit rows, got %d", len(snap.Audit))
	}
}

func TestBoltPersisterRoundTrip(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "remediator.bolt")
	p, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("open bolt: %v", err)
	}

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, c := range sampleCommits(now) {
		if err := p.Commit(ctx, c); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenBolt(path)
	if err != nil {
		t.Fatalf("reopen bolt: %v", err)
	}
	defer reopened.Close()

	snap, err := reopened.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	assertSnapshot(t, snap)
}

func TestJournalSearchFallsBackToArchive(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	open := map[string]func(ctx context.Context, dir string) (store.Persister, error){
		"sqlite": func(ctx context.Context, dir string) (store.Persister, error) {
			return OpenSQLite(ctx, filepath.Join(dir, "remediator.db"))
		},
		"bolt": func(_ context.Context, dir string) (store.Persister, error) {
			return OpenBolt(filepath.Join(dir, "remediator.bolt"))
		},
	}
	for name, openFn := range open {
		t.Run(name, func(t *testing.T) {
			ctx := t.Context()
			p, err := openFn(ctx, t.TempDir())
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer p.Close()
			for _, c := range sampleCommits(now) {
				if err := p.Commit(ctx, c); err != nil {
					t.Fatalf("commit: %v", err)
				}
			}

			// Only the newest entry stays in memory after the restore.
			journal := store.NewJournal(p, audit.NewLog(audit.WithCapacity(1)))
			if _, err := journal.Load(ctx); err != nil {
				t.Fatalf("load: %v", err)
			}
			if n := journal.Log().Len(); n != 1 {
				t.Fatalf("expected one entry in memory, got %d", n)
			}

			all, err := journal.SearchAudit(ctx, models.AuditFilter{Target: "inc-1"})
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			if len(all) != 2 || all[0].Sequence != 1 || all[1].Sequence != 2 {
				t.Fatalf("expected evicted entries from the archive, got %+v", all)
			}

			recent, err := journal.SearchAudit(ctx, models.AuditFilter{Since: now.Add(1500 * time.Millisecond)})
			if err != nil {
				t.Fatalf("search recent: %v", err)
			}
			if len(recent) != 1 || recent[0].ID != "a3" {
				t.Fatalf("expected the in-memory entry, got %+v", recent)
			}
		})
	}
}
