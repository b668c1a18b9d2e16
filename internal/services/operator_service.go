package services

import (
	"context"
	"log/slog"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Lifecycle is the engine surface the operator service fronts.
type Lifecycle interface {
	Ingest(ctx context.Context, signals []models.Signal) ([]*models.Incident, error)
	AttachRCA(ctx context.Context, id string, rca models.RootCauseAnalysis) (*models.Incident, error)
	Propose(ctx context.Context, id string, action models.RemediationAction) (*models.Incident, policy.Result, error)
	Approve(ctx context.Context, id, actorID string) (*models.Incident, error)
	Reject(ctx context.Context, id, actorID string) (*models.Incident, error)
	CreateIssue(ctx context.Context, incidentID, actorID string) (*models.Issue, error)
	ExecuteIssue(ctx context.Context, id, actorID string) (*models.Issue, error)
	RetryIssue(ctx context.Context, id, actorID string) (*models.Issue, error)
	ResolveIssue(ctx context.Context, id, actorID, note string) (*models.Issue, error)

	Incident(id string) (*models.Incident, error)
	Incidents(filter models.IncidentFilter) []*models.Incident
	Issue(id string) (*models.Issue, error)
	Issues(filter models.IssueFilter) []*models.Issue
	Audit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error)
	SubscribeAudit(buffer int) (<-chan models.AuditLogEntry, func())
	BackendLatency(p float64) time.Duration
}

// Stats summarises command and backend latency.
type Stats struct {
	Commands        int           `json:"commands"`
	CommandP50      time.Duration `json:"commandP50"`
	CommandP95      time.Duration `json:"commandP95"`
	BackendP95      time.Duration `json:"backendP95"`
	OpenIncidents   int           `json:"openIncidents"`
	PendingApproval int           `json:"pendingApproval"`
}

// OperatorService is the transport-neutral facade shared by the gRPC and
// HTTP surfaces. Every command answers with a CommandResult; the error is
// returned alongside so transports can map it to a status code.
type OperatorService struct {
	logger    *slog.Logger
	lifecycle Lifecycle
	latencies *utils.LatencyTracker
}

// NewOperatorService constructs the operator facade.
func NewOperatorService(logger *slog.Logger, lifecycle Lifecycle) *OperatorService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OperatorService{
		logger:    logger,
		lifecycle: lifecycle,
		latencies: utils.NewLatencyTracker(1024),
	}
}

// Ingest correlates a batch of pushed signals.
func (s *OperatorService) Ingest(ctx context.Context, signals []models.Signal) (models.CommandResult, error) {
	defer s.observe("ingest", time.Now())
	touched, err := s.lifecycle.Ingest(ctx, signals)
	if err != nil && len(touched) == 0 {
		return s.fail("ingest", "", err)
	}
	if err != nil {
		s.logger.Warn("partial ingest", slog.Int("incidents", len(touched)), slog.Any("error", err))
	}
	return models.Ok("ingested %d signals into %d incidents", len(signals), len(touched)), nil
}

// AttachRCA attaches an analysis to a detected incident.
func (s *OperatorService) AttachRCA(ctx context.Context, id string, rca models.RootCauseAnalysis) (models.CommandResult, error) {
	defer s.observe("attach_rca", time.Now())
	inc, err := s.lifecycle.AttachRCA(ctx, id, rca)
	if err != nil {
		return s.fail("attach_rca", id, err)
	}
	return models.Ok("incident %s is %s", inc.ID, inc.Status).WithID(inc.ID), nil
}

// Propose submits a remediation for an analyzing incident.
func (s *OperatorService) Propose(ctx context.Context, id string, action models.RemediationAction) (models.CommandResult, error) {
	defer s.observe("propose", time.Now())
	if _, err := models.ParseActionType(string(action.Type)); err != nil {
		return s.fail("propose", id, err)
	}
	inc, res, err := s.lifecycle.Propose(ctx, id, action)
	if err != nil {
		return s.fail("propose", id, err)
	}
	return models.Ok("policy %s (%s): incident %s is %s", res.Decision, res.Rule, inc.ID, inc.Status).WithID(inc.ID), nil
}

// Approve approves the pending remediation of an incident.
func (s *OperatorService) Approve(ctx context.Context, id, actorID string) (models.CommandResult, error) {
	defer s.observe("approve", time.Now())
	inc, err := s.lifecycle.Approve(ctx, id, actorID)
	if err != nil {
		return s.fail("approve", id, err)
	}
	return models.Ok("%s approved by %s", inc.Remediation.Type, actorID).WithID(inc.ID), nil
}

// Reject rejects the pending remediation of an incident.
func (s *OperatorService) Reject(ctx context.Context, id, actorID string) (models.CommandResult, error) {
	defer s.observe("reject", time.Now())
	inc, err := s.lifecycle.Reject(ctx, id, actorID)
	if err != nil {
		return s.fail("reject", id, err)
	}
	return models.Ok("remediation rejected; incident %s escalated", inc.ID).WithID(inc.ID), nil
}

// CreateIssue opens an issue for an incident.
func (s *OperatorService) CreateIssue(ctx context.Context, incidentID, actorID string) (models.CommandResult, error) {
	defer s.observe("create_issue", time.Now())
	is, err := s.lifecycle.CreateIssue(ctx, incidentID, actorID)
	if err != nil {
		return s.fail("create_issue", incidentID, err)
	}
	return models.Ok("issue %s opened for incident %s", is.ID, incidentID).WithID(is.ID), nil
}

// ExecuteIssue starts remediation of an open issue.
func (s *OperatorService) ExecuteIssue(ctx context.Context, id, actorID string) (models.CommandResult, error) {
	defer s.observe("execute_issue", time.Now())
	is, err := s.lifecycle.ExecuteIssue(ctx, id, actorID)
	if err != nil {
		return s.fail("execute_issue", id, err)
	}
	return models.Ok("issue %s is %s", is.ID, is.Status).WithID(is.ID), nil
}

// RetryIssue retries remediation of an issue that needs attention.
func (s *OperatorService) RetryIssue(ctx context.Context, id, actorID string) (models.CommandResult, error) {
	defer s.observe("retry_issue", time.Now())
	is, err := s.lifecycle.RetryIssue(ctx, id, actorID)
	if err != nil {
		return s.fail("retry_issue", id, err)
	}
	return models.Ok("issue %s is %s (attempt %d)", is.ID, is.Status, len(is.Attempts)+1).WithID(is.ID), nil
}

// ResolveIssue closes an issue by hand.
func (s *OperatorService) ResolveIssue(ctx context.Context, id, actorID, note string) (models.CommandResult, error) {
	defer s.observe("resolve_issue", time.Now())
	is, err := s.lifecycle.ResolveIssue(ctx, id, actorID, note)
	if err != nil {
		return s.fail("resolve_issue", id, err)
	}
	return models.Ok("issue %s resolved", is.ID).WithID(is.ID), nil
}

// GetIncident returns one incident snapshot.
func (s *OperatorService) GetIncident(id string) (*models.Incident, error) {
	return s.lifecycle.Incident(id)
}

// ListIncidents lists incident snapshots.
func (s *OperatorService) ListIncidents(filter models.IncidentFilter) []*models.Incident {
	return s.lifecycle.Incidents(filter)
}

// GetIssue returns one issue snapshot.
func (s *OperatorService) GetIssue(id string) (*models.Issue, error) {
	return s.lifecycle.Issue(id)
}

// ListIssues lists issue snapshots.
func (s *OperatorService) ListIssues(filter models.IssueFilter) []*models.Issue {
	return s.lifecycle.Issues(filter)
}

// QueryAudit returns audit entries matching filter.
func (s *OperatorService) QueryAudit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	return s.lifecycle.Audit(ctx, filter)
}

// SubscribeAudit streams new audit entries.
func (s *OperatorService) SubscribeAudit(buffer int) (<-chan models.AuditLogEntry, func()) {
	return s.lifecycle.SubscribeAudit(buffer)
}

// Stats reports latency percentiles and open incident counts.
func (s *OperatorService) Stats() Stats {
	st := Stats{
		Commands:   s.latencies.Count(),
		CommandP50: s.latencies.Percentile(50),
		CommandP95: s.latencies.Percentile(95),
		BackendP95: s.lifecycle.BackendLatency(95),
	}
	for _, inc := range s.lifecycle.Incidents(models.IncidentFilter{}) {
		if inc.Status.Terminal() {
			continue
		}
		st.OpenIncidents++
		if inc.Status == models.IncidentPendingApproval {
			st.PendingApproval++
		}
	}
	return st
}

func (s *OperatorService) fail(op, id string, err error) (models.CommandResult, error) {
	s.logger.Warn("operator command failed",
		slog.String("command", op),
		slog.String("id", id),
		slog.String("op", utils.OpOf(err)),
		slog.Any("error", err))
	return models.Failed(err).WithID(id), err
}

func (s *OperatorService) observe(op string, start time.Time) {
	s.latencies.Observe(time.Since(start))
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("command latency",
			slog.String("last_command", op),
			slog.Duration("p95", s.latencies.Percentile(95)),
			slog.Int("samples", count))
	}
}
