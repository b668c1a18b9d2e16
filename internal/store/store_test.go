package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/audit"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
)

type failingPersister struct {
	NoopPersister
	fail bool
}

func (p *failingPersister) Commit(context.Context, Commit) error {
	if p.fail {
		return errors.New("disk full")
	}
	return nil
}

func newTestStore(t *testing.T, p Persister) (*Store, *audit.Log) {
	t.Helper()
	log := audit.NewLog()
	return New(NewJournal(p, log), nil), log
}

func draft() models.IncidentDraft {
	return models.IncidentDraft{
		Key:              models.IncidentKey{Namespace: "shop", Service: "checkout", Target: "checkout-7d9f-abc"},
		Title:            "shop/checkout: OOMKilled",
		Severity:         models.SeverityHigh,
		CorrelationScore: 0.8,
		AffectedPods:     []string{"checkout-7d9f-abc"},
		Signals: []models.Signal{{
			ID: "s1", Timestamp: time.Now(), Namespace: "shop", Service: "checkout",
			Payload: models.LogPayload{Message: "OOMKilled", Level: "error", Count: 3},
		}},
	}
}

func decideWith(decision policy.Decision) Decider {
	return func(inc *models.Incident, action models.RemediationAction) (policy.Result, models.AuditLogEntry) {
		res := policy.Result{Decision: decision, Rule: "test", Reason: "test decision", BlastRadius: 1}
		return res, policy.DecisionEntry(action, policy.IncidentContext{IncidentID: inc.ID}, res)
	}
}

func restartAction(risk models.RiskLevel) models.RemediationAction {
	return models.RemediationAction{Type: models.ActionRolloutRestart, Target: "checkout", RiskLevel: risk}
}

func analyzing(t *testing.T, s *Store) *models.Incident {
	t.Helper()
	ctx := context.Background()
	inc, created, err := s.Apply(ctx, draft())
	if err != nil || !created {
		t.Fatalf("apply draft: created=%v err=%v", created, err)
	}
	inc, err = s.AttachRCA(ctx, inc.ID, models.RootCauseAnalysis{
		Summary:         "memory leak",
		SuspectedCauses: []models.SuspectedCause{{Cause: "memory leak", Confidence: 0.9}},
	})
	if err != nil {
		t.Fatalf("attach rca: %v", err)
	}
	if inc.Status != models.IncidentAnalyzing || inc.Confidence != 0.9 {
		t.Fatalf("unexpected incident after rca: %s %.2f", inc.Status, inc.Confidence)
	}
	return inc
}

func TestApplyMergesIntoOpenIncident(t *testing.T) {
	s, _ := newTestStore(t, nil)
	ctx := context.Background()

	first, _, err := s.Apply(ctx, draft())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	next := draft()
	next.Signals = append(next.Signals, models.Signal{ID: "s2", Timestamp: time.Now(), Namespace: "shop", Service: "checkout", Payload: models.MetricPayload{Value: 1}})
	// no MergeInto: the key index still routes it to the open incident
	merged, created, err := s.Apply(ctx, next)
	if err != nil {
		t.Fatalf("apply second: %v", err)
	}
	if created || merged.ID != first.ID {
		t.Fatalf("expected merge into %s, got created=%v id=%s", first.ID, created, merged.ID)
	}
	if len(merged.Signals) != 2 {
		t.Fatalf("expected 2 signals after dedup, got %d", len(merged.Signals))
	}
}

func TestScenarioAutoApproveSkipsPendingApproval(t *testing.T) {
	s, log := newTestStore(t, nil)
	inc := analyzing(t, s)

	inc, res, err := s.Propose(context.Background(), inc.ID, restartAction(models.RiskLow), decideWith(policy.AutoApprove))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if res.Decision != policy.AutoApprove || inc.Status != models.IncidentRemediating {
		t.Fatalf("expected remediating, got %s (%s)", inc.Status, res.Decision)
	}
	if inc.Remediation.RequiresApproval {
		t.Fatalf("auto approved action must not require approval")
	}
	for _, e := range log.Query(models.AuditFilter{Target: inc.ID}) {
		if e.Action == "incident.pending_approval" {
			t.Fatalf("incident passed through pending_approval")
		}
	}
}

func TestScenarioRejectEscalates(t *testing.T) {
	s, log := newTestStore(t, nil)
	inc := analyzing(t, s)
	ctx := context.Background()

	inc, _, err := s.Propose(ctx, inc.ID, restartAction(models.RiskHigh), decideWith(policy.RequireApproval))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if inc.Status != models.IncidentPendingApproval || !inc.Remediation.RequiresApproval {
		t.Fatalf("expected pending approval, got %s", inc.Status)
	}

	before := len(log.Query(models.AuditFilter{Actor: models.ActorHuman}))
	inc, err = s.Reject(ctx, inc.ID, "ops@x")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if inc.Status != models.IncidentEscalated || inc.Remediation.Status != models.ActionRejected {
		t.Fatalf("unexpected state after reject: %s / %s", inc.Status, inc.Remediation.Status)
	}
	human := log.Query(models.AuditFilter{Actor: models.ActorHuman})
	if len(human)-before != 1 {
		t.Fatalf("expected exactly one human audit entry, got %d", len(human)-before)
	}
	if human[len(human)-1].Result != models.AuditSuccess || human[len(human)-1].ActorID != "ops@x" {
		t.Fatalf("unexpected audit entry %+v", human[len(human)-1])
	}
}

func TestScenarioConcurrentApprove(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)
	ctx := context.Background()
	if _, _, err := s.Propose(ctx, inc.ID, restartAction(models.RiskHigh), decideWith(policy.RequireApproval)); err != nil {
		t.Fatalf("propose: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Approve(ctx, inc.ID, "ops@x")
		}(i)
	}
	wg.Wait()

	ok, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case models.IsConflict(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected one success and one conflict, got %d/%d", ok, conflicts)
	}
	got, _ := s.Get(inc.ID)
	if got.Status != models.IncidentRemediating {
		t.Fatalf("expected remediating, got %s", got.Status)
	}
}

func TestPolicyDenyEscalates(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)

	inc, _, err := s.Propose(context.Background(), inc.ID, restartAction(models.RiskLow), decideWith(policy.Deny))
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if inc.Status != models.IncidentEscalated || inc.EscalationReason == "" {
		t.Fatalf("expected escalated with reason, got %s %q", inc.Status, inc.EscalationReason)
	}
	if _, ok := s.FindOpen(inc.Key()); ok {
		t.Fatalf("terminal incident must leave the open index")
	}
}

func TestResolvedAtOnlyWhenResolved(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)
	ctx := context.Background()

	inc, _, _ = s.Propose(ctx, inc.ID, restartAction(models.RiskLow), decideWith(policy.AutoApprove))
	inc, err := s.CompleteExecution(ctx, inc.ID, true, "restarted", time.Minute)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if inc.ResolvedAt != nil || inc.VerifyDeadline == nil {
		t.Fatalf("expected verify deadline and no resolvedAt before verification")
	}
	inc, err = s.Resolve(ctx, inc.ID, "condition cleared")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if inc.Status != models.IncidentResolved || inc.ResolvedAt == nil {
		t.Fatalf("expected resolved with resolvedAt, got %s %v", inc.Status, inc.ResolvedAt)
	}
}

func TestTerminalIncidentsRejectTransitions(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)
	ctx := context.Background()
	inc, _, _ = s.Propose(ctx, inc.ID, restartAction(models.RiskLow), decideWith(policy.Deny))

	var invalid *models.InvalidTransitionError
	if _, err := s.Escalate(ctx, inc.ID, "again"); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := s.Approve(ctx, inc.ID, "ops"); !models.IsConflict(err) {
		t.Fatalf("expected conflict on approve of terminal incident, got %v", err)
	}
	if _, err := s.AttachRCA(ctx, inc.ID, models.RootCauseAnalysis{}); !errors.As(err, &invalid) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	got, _ := s.Get(inc.ID)
	if got.Version != inc.Version {
		t.Fatalf("terminal incident was modified")
	}
}

func TestFailedCommitPublishesNothing(t *testing.T) {
	p := &failingPersister{}
	s, log := newTestStore(t, p)
	inc := analyzing(t, s)
	entries := log.Len()

	p.fail = true
	if _, _, err := s.Propose(context.Background(), inc.ID, restartAction(models.RiskLow), decideWith(policy.AutoApprove)); err == nil {
		t.Fatalf("expected commit failure")
	}
	got, _ := s.Get(inc.ID)
	if got.Status != models.IncidentAnalyzing || got.Remediation != nil {
		t.Fatalf("failed commit leaked state: %s", got.Status)
	}
	if log.Len() != entries {
		t.Fatalf("failed commit leaked audit entries")
	}
}

func TestRecordAttemptMutualExclusion(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)
	ctx := context.Background()
	inc, _, _ = s.Propose(ctx, inc.ID, restartAction(models.RiskLow), decideWith(policy.AutoApprove))

	first := models.RemediationAttempt{ID: "a1", Sequence: 1, Action: models.ActionRolloutRestart, Status: models.AttemptExecuting}
	if _, err := s.RecordAttempt(ctx, inc.ID, first, models.AuditLogEntry{Action: "attempt.executing"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	second := models.RemediationAttempt{ID: "a2", Sequence: 2, Action: models.ActionRolloutRestart, Status: models.AttemptExecuting}
	var busy *models.BusyError
	if _, err := s.RecordAttempt(ctx, inc.ID, second, models.AuditLogEntry{Action: "attempt.executing"}); !errors.As(err, &busy) {
		t.Fatalf("expected busy error, got %v", err)
	}

	first.Status = models.AttemptFailed
	if _, err := s.RecordAttempt(ctx, inc.ID, first, models.AuditLogEntry{Action: "attempt.failed"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	first.Status = models.AttemptSuccess
	var invalid *models.InvalidTransitionError
	if _, err := s.RecordAttempt(ctx, inc.ID, first, models.AuditLogEntry{Action: "attempt.success"}); !errors.As(err, &invalid) {
		t.Fatalf("finished attempts must not be rewritten, got %v", err)
	}
}

func TestRejectStale(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)
	ctx := context.Background()

	if _, err := s.RejectStale(ctx, inc.ID, 0.5); err == nil {
		t.Fatalf("confident incident must not be rejected")
	}
	inc, err := s.RejectStale(ctx, inc.ID, 0.95)
	if err != nil {
		t.Fatalf("reject stale: %v", err)
	}
	if inc.Status != models.IncidentRejected || inc.ResolvedAt != nil {
		t.Fatalf("unexpected state %s", inc.Status)
	}
}

func TestRestoreFailsInterruptedAttempts(t *testing.T) {
	s, _ := newTestStore(t, nil)
	s.Restore([]*models.Incident{{
		ID:        "inc-restored",
		Status:    models.IncidentRemediating,
		Namespace: "shop", Service: "checkout", Target: "checkout",
		Attempts: []models.RemediationAttempt{
			{ID: "a1", Sequence: 1, Status: models.AttemptFailed, Error: "timeout"},
			{ID: "a2", Sequence: 2, Status: models.AttemptExecuting},
		},
	}})

	inc, err := s.Get("inc-restored")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inc.Attempts[0].Error != "timeout" {
		t.Fatalf("finished attempt must be untouched: %+v", inc.Attempts[0])
	}
	if inc.Attempts[1].Status != models.AttemptFailed || inc.Attempts[1].Error == "" {
		t.Fatalf("expected interrupted attempt to be failed, got %+v", inc.Attempts[1])
	}
	if id, ok := s.FindOpen(inc.Key()); !ok || id != inc.ID {
		t.Fatalf("restored open incident should be indexed")
	}
}

func TestEscalateAnalyzingWithoutProposal(t *testing.T) {
	s, _ := newTestStore(t, nil)
	inc := analyzing(t, s)

	inc, err := s.Escalate(context.Background(), inc.ID, "no remediation could be proposed")
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if inc.Status != models.IncidentEscalated || inc.Remediation != nil {
		t.Fatalf("unexpected incident: %s %+v", inc.Status, inc.Remediation)
	}
}
