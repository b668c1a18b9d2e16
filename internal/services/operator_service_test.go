package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
)

type lifecycleStub struct {
	Lifecycle

	incidents []*models.Incident
	approved  string
	err       error
}

func (l *lifecycleStub) Approve(_ context.Context, id, actorID string) (*models.Incident, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.approved = actorID
	return &models.Incident{ID: id, Status: models.IncidentRemediating,
		Remediation: &models.RemediationAction{Type: models.ActionRolloutRestart}}, nil
}

func (l *lifecycleStub) Propose(_ context.Context, id string, action models.RemediationAction) (*models.Incident, policy.Result, error) {
	return &models.Incident{ID: id, Status: models.IncidentPendingApproval},
		policy.Result{Decision: policy.RequireApproval, Rule: policy.RuleRisk}, nil
}

func (l *lifecycleStub) CreateIssue(_ context.Context, incidentID, _ string) (*models.Issue, error) {
	return &models.Issue{ID: "iss-1", IncidentID: incidentID, Status: models.IssueOpen}, nil
}

func (l *lifecycleStub) Ingest(_ context.Context, signals []models.Signal) ([]*models.Incident, error) {
	return l.incidents, l.err
}

func (l *lifecycleStub) Incidents(models.IncidentFilter) []*models.Incident { return l.incidents }

func (l *lifecycleStub) BackendLatency(float64) time.Duration { return 250 * time.Millisecond }

func TestApproveReturnsCommandResult(t *testing.T) {
	stub := &lifecycleStub{}
	svc := NewOperatorService(nil, stub)

	res, err := svc.Approve(context.Background(), "inc-1", "alice")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.ID != "inc-1" || stub.approved != "alice" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestFailedCommandCarriesError(t *testing.T) {
	stub := &lifecycleStub{err: &models.ConflictError{ID: "inc-1", Status: "remediating", Reason: "no longer pending"}}
	svc := NewOperatorService(nil, stub)

	res, err := svc.Approve(context.Background(), "inc-1", "alice")
	var conflict *models.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if res.Success || res.Message != err.Error() || res.ID != "inc-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestProposeValidatesActionType(t *testing.T) {
	svc := NewOperatorService(nil, &lifecycleStub{})

	_, err := svc.Propose(context.Background(), "inc-1", models.RemediationAction{Type: "reboot_node", Target: "node-1"})
	var invalid *models.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	res, err := svc.Propose(context.Background(), "inc-1", models.RemediationAction{Type: models.ActionRolloutRestart, Target: "checkout"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Message, "require_approval") {
		t.Fatalf("expected decision in message, got %q", res.Message)
	}
}

func TestCreateIssueReturnsIssueID(t *testing.T) {
	svc := NewOperatorService(nil, &lifecycleStub{})
	res, err := svc.CreateIssue(context.Background(), "inc-1", "alice")
	if err != nil || res.ID != "iss-1" {
		t.Fatalf("unexpected result %+v err %v", res, err)
	}
}

func TestIngestPartialFailureStillSucceeds(t *testing.T) {
	stub := &lifecycleStub{
		incidents: []*models.Incident{{ID: "inc-1", Status: models.IncidentDetected}},
		err:       errors.New("one draft failed"),
	}
	svc := NewOperatorService(nil, stub)
	res, err := svc.Ingest(context.Background(), make([]models.Signal, 3))
	if err != nil || !res.Success {
		t.Fatalf("expected partial success, got %+v %v", res, err)
	}

	stub.incidents = nil
	if _, err := svc.Ingest(context.Background(), nil); err == nil {
		t.Fatalf("expected error when nothing was ingested")
	}
}

func TestStatsCountsOpenIncidents(t *testing.T) {
	stub := &lifecycleStub{incidents: []*models.Incident{
		{ID: "a", Status: models.IncidentPendingApproval},
		{ID: "b", Status: models.IncidentRemediating},
		{ID: "c", Status: models.IncidentResolved},
	}}
	svc := NewOperatorService(nil, stub)
	svc.Approve(context.Background(), "a", "alice")

	st := svc.Stats()
	if st.OpenIncidents != 2 || st.PendingApproval != 1 {
		t.Fatalf("unexpected counts: %+v", st)
	}
	if st.Commands != 1 || st.BackendP95 != 250*time.Millisecond {
		t.Fatalf("unexpected latency stats: %+v", st)
	}
}
