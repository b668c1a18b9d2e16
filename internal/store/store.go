package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Store owns incidents and their remediation state. Mutations of one incident
// are serialised by its slot lock; readers get immutable snapshots.
type Store struct {
	arena   *Arena[models.Incident]
	journal *Journal
	logger  *slog.Logger
	now     func() time.Time

	idxMu sync.RWMutex
	open  map[models.IncidentKey]string
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store writing through journal.
func New(journal *Journal, logger *slog.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		arena:   NewArena[models.Incident](),
		journal: journal,
		logger:  logger,
		now:     time.Now,
		open:    make(map[models.IncidentKey]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore loads persisted incidents. Call before any other operation.
func (s *Store) Restore(incidents []*models.Incident) {
	for _, inc := range incidents {
		inc = inc.Clone()
		// Attempts still open in the snapshot were cut off by a restart.
		for i, a := range inc.Attempts {
			if !a.Finished() {
				inc.Attempts[i].Status = models.AttemptFailed
				inc.Attempts[i].Error = "interrupted by restart"
			}
		}
		s.arena.Insert(inc.ID, inc)
		if !inc.Status.Terminal() {
			s.index(inc)
		}
	}
}

// Get returns a snapshot of the incident.
func (s *Store) Get(id string) (*models.Incident, error) {
	slot, ok := s.arena.Get(id)
	if !ok {
		return nil, &models.NotFoundError{Kind: "incident", ID: id}
	}
	return slot.Load().Clone(), nil
}

// List returns snapshots matching filter, newest detection last.
func (s *Store) List(filter models.IncidentFilter) []*models.Incident {
	out := make([]*models.Incident, 0)
	for _, inc := range s.arena.Snapshots() {
		if filter.Matches(inc) {
			out = append(out, inc.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// FindOpen returns the open, non-terminal incident for key.
func (s *Store) FindOpen(key models.IncidentKey) (string, bool) {
	s.idxMu.RLock()
	defer s.idxMu.RUnlock()
	id, ok := s.open[key]
	return id, ok
}

// Apply creates a new incident from draft, or merges its signals into the
// open incident it names. It returns the resulting snapshot and whether it is new.
func (s *Store) Apply(ctx context.Context, draft models.IncidentDraft) (*models.Incident, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if draft.MergeInto != "" {
			inc, err := s.merge(ctx, draft)
			if err == nil {
				return inc, false, nil
			}
			if !isStaleMerge(err) {
				return nil, false, err
			}
			// the incident closed between correlation and merge; open a new one
			draft.MergeInto = ""
		}
		inc, existing, err := s.create(ctx, draft)
		if existing != "" {
			draft.MergeInto = existing
			continue
		}
		return inc, true, err
	}
	return nil, false, &models.ConflictError{ID: draft.Key.Namespace + "/" + draft.Key.Service, Status: "incident churn"}
}

// create returns the id of the already open incident instead when one exists for the key.
func (s *Store) create(ctx context.Context, draft models.IncidentDraft) (*models.Incident, string, error) {
	now := s.now().UTC()
	inc := &models.Incident{
		ID:               uuid.NewString(),
		Title:            draft.Title,
		Description:      fmt.Sprintf("%d correlated signals for %s/%s", len(draft.Signals), draft.Key.Namespace, draft.Key.Service),
		Status:           models.IncidentDetected,
		Severity:         draft.Severity,
		CorrelationScore: draft.CorrelationScore,
		Namespace:        draft.Key.Namespace,
		Service:          draft.Key.Service,
		Target:           draft.Key.Target,
		AffectedPods:     append([]string(nil), draft.AffectedPods...),
		Signals:          append([]models.Signal(nil), draft.Signals...),
		Tags:             append([]string(nil), draft.Tags...),
		DetectedAt:       now,
		UpdatedAt:        now,
		StatusChangedAt:  now,
		Version:          1,
	}

	entry := models.AuditLogEntry{
		Timestamp: now,
		Actor:     models.ActorSystem,
		Action:    "incident.detected",
		Target:    inc.ID,
		Details:   inc.Title,
		Result:    models.AuditSuccess,
		Metadata: map[string]string{
			"namespace":         inc.Namespace,
			"service":           inc.Service,
			"severity":          string(inc.Severity),
			"correlation_score": fmt.Sprintf("%.2f", inc.CorrelationScore),
		},
	}

	// Holding the index lock keeps two drafts for the same key from both creating.
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	if existing, ok := s.open[inc.Key()]; ok {
		return nil, existing, nil
	}
	if _, err := s.journal.Write(ctx, Commit{Incident: inc, Audit: []models.AuditLogEntry{entry}}, func() {
		s.arena.Insert(inc.ID, inc)
		s.open[inc.Key()] = inc.ID
	}); err != nil {
		return nil, "", utils.NewAppError("store.create", "commit incident", err)
	}
	metrics.ObserveIncidentTransition("", string(models.IncidentDetected))
	s.logger.Info("incident detected",
		slog.String("incident_id", inc.ID),
		slog.String("namespace", inc.Namespace),
		slog.String("service", inc.Service),
		slog.String("severity", string(inc.Severity)),
	)
	return inc.Clone(), "", nil
}

type staleMergeError struct{ id string }

func (e *staleMergeError) Error() string { return "incident " + e.id + " is no longer open" }

func isStaleMerge(err error) bool {
	_, ok := err.(*staleMergeError)
	return ok
}

func (s *Store) merge(ctx context.Context, draft models.IncidentDraft) (*models.Incident, error) {
	return s.mutate(ctx, draft.MergeInto, "merge", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status.Terminal() {
			return nil, &staleMergeError{id: inc.ID}
		}
		known := make(map[string]struct{}, len(inc.Signals))
		for _, sig := range inc.Signals {
			known[sig.ID] = struct{}{}
		}
		added := 0
		for _, sig := range draft.Signals {
			if _, dup := known[sig.ID]; dup {
				continue
			}
			inc.Signals = append(inc.Signals, sig)
			known[sig.ID] = struct{}{}
			added++
		}
		if added == 0 {
			return nil, errNoChange
		}
		inc.AffectedPods = mergeStrings(inc.AffectedPods, draft.AffectedPods)
		inc.Tags = mergeStrings(inc.Tags, draft.Tags)
		if draft.CorrelationScore > inc.CorrelationScore {
			inc.CorrelationScore = draft.CorrelationScore
		}
		if severityRank(draft.Severity) > severityRank(inc.Severity) {
			inc.Severity = draft.Severity
		}
		return []models.AuditLogEntry{{
			Timestamp: now,
			Actor:     models.ActorSystem,
			Action:    "incident.signals_merged",
			Target:    inc.ID,
			Details:   fmt.Sprintf("merged %d new signals", added),
			Result:    models.AuditSuccess,
		}}, nil
	})
}

// AttachRCA moves a detected incident to analyzing. The RCA is attached once.
func (s *Store) AttachRCA(ctx context.Context, id string, rca models.RootCauseAnalysis) (*models.Incident, error) {
	return s.mutate(ctx, id, "attach_rca", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentDetected || inc.RCA != nil {
			return nil, invalid(inc, "attach_rca")
		}
		attached := rca.Clone()
		if attached.GeneratedAt.IsZero() {
			attached.GeneratedAt = now
		}
		inc.RCA = &attached
		inc.Confidence = attached.Confidence()
		from := transition(inc, models.IncidentAnalyzing, now)
		return []models.AuditLogEntry{transitionEntry(inc, from, now, models.ActorSystem, "", fmt.Sprintf("rca attached with confidence %.2f", inc.Confidence))}, nil
	})
}

// Decider evaluates a proposed action for an incident under the incident lock.
type Decider func(inc *models.Incident, action models.RemediationAction) (policy.Result, models.AuditLogEntry)

// Propose attaches the single active remediation to an analyzing incident and
// applies the policy decision: AutoApprove moves to remediating,
// RequireApproval to pending_approval and Deny to escalated.
func (s *Store) Propose(ctx context.Context, id string, action models.RemediationAction, decide Decider) (*models.Incident, policy.Result, error) {
	if err := action.Validate(); err != nil {
		return nil, policy.Result{}, err
	}
	var result policy.Result
	inc, err := s.mutate(ctx, id, "propose", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentAnalyzing || inc.Remediation != nil {
			return nil, invalid(inc, "propose")
		}
		proposed := action.Clone()
		if proposed.ID == "" {
			proposed.ID = uuid.NewString()
		}
		proposed.CreatedAt = now
		proposed.Status = models.ActionPending
		proposed.RequiresApproval = false

		res, decision := decide(inc, proposed)
		result = res
		decision.Timestamp = now
		proposed.BlastRadius = fmt.Sprintf("%d pods", res.BlastRadius)

		var entry models.AuditLogEntry
		switch res.Decision {
		case policy.AutoApprove:
			proposed.Status = models.ActionApproved
			proposed.ApprovedBy = string(models.ActorSystem)
			proposed.ApprovedAt = models.TimePtr(now)
			inc.Remediation = &proposed
			from := transition(inc, models.IncidentRemediating, now)
			entry = transitionEntry(inc, from, now, models.ActorSystem, "", "auto-approved "+string(proposed.Type))
		case policy.RequireApproval:
			proposed.RequiresApproval = true
			inc.Remediation = &proposed
			from := transition(inc, models.IncidentPendingApproval, now)
			entry = transitionEntry(inc, from, now, models.ActorSystem, "", "awaiting approval for "+string(proposed.Type))
		default:
			proposed.Status = models.ActionRejected
			inc.Remediation = &proposed
			inc.EscalationReason = res.Reason
			from := transition(inc, models.IncidentEscalated, now)
			entry = transitionEntry(inc, from, now, models.ActorSystem, "", "policy denied: "+res.Reason)
		}
		return []models.AuditLogEntry{decision, entry}, nil
	})
	if err != nil {
		return nil, policy.Result{}, err
	}
	metrics.ObservePolicyDecision(string(result.Decision), result.Rule)
	return inc, result, nil
}

// Approve records a human approval of a pending_approval incident.
func (s *Store) Approve(ctx context.Context, id, actorID string) (*models.Incident, error) {
	return s.mutate(ctx, id, "approve", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentPendingApproval || inc.Remediation == nil {
			return nil, &models.ConflictError{ID: inc.ID, Status: string(inc.Status)}
		}
		inc.Remediation.Status = models.ActionApproved
		inc.Remediation.ApprovedBy = actorID
		inc.Remediation.ApprovedAt = models.TimePtr(now)
		from := transition(inc, models.IncidentRemediating, now)
		return []models.AuditLogEntry{transitionEntry(inc, from, now, models.ActorHuman, actorID, "approved "+string(inc.Remediation.Type))}, nil
	})
}

// Reject records a human rejection; the incident escalates.
func (s *Store) Reject(ctx context.Context, id, actorID string) (*models.Incident, error) {
	return s.mutate(ctx, id, "reject", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentPendingApproval || inc.Remediation == nil {
			return nil, &models.ConflictError{ID: inc.ID, Status: string(inc.Status)}
		}
		inc.Remediation.Status = models.ActionRejected
		inc.EscalationReason = "remediation rejected by " + actorID
		from := transition(inc, models.IncidentEscalated, now)
		return []models.AuditLogEntry{transitionEntry(inc, from, now, models.ActorHuman, actorID, inc.EscalationReason)}, nil
	})
}

// RecordAttempt upserts an attempt of the active remediation and its audit
// entry. At most one attempt per incident may be executing.
func (s *Store) RecordAttempt(ctx context.Context, id string, attempt models.RemediationAttempt, entry models.AuditLogEntry) (*models.Incident, error) {
	return s.mutate(ctx, id, "record_attempt", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentRemediating || inc.Remediation == nil {
			return nil, invalid(inc, "record_attempt")
		}
		attempts, err := UpsertAttempt(inc.ID, inc.Attempts, attempt)
		if err != nil {
			return nil, err
		}
		inc.Attempts = attempts
		if attempt.Status == models.AttemptExecuting && inc.Remediation.Status == models.ActionApproved {
			inc.Remediation.Status = models.ActionExecuting
			inc.Remediation.ExecutedAt = models.TimePtr(now)
		}
		entry.Target = inc.ID
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		return []models.AuditLogEntry{entry}, nil
	})
}

// CompleteExecution closes the active remediation. On success the incident
// stays remediating until verification passes or verifyTimeout elapses; on
// failure it escalates with the attempt history intact.
func (s *Store) CompleteExecution(ctx context.Context, id string, success bool, message string, verifyTimeout time.Duration) (*models.Incident, error) {
	return s.mutate(ctx, id, "complete_execution", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentRemediating || inc.Remediation == nil || inc.Remediation.CompletedAt != nil {
			return nil, invalid(inc, "complete_execution")
		}
		inc.Remediation.CompletedAt = models.TimePtr(now)
		if success {
			inc.Remediation.Status = models.ActionCompleted
			inc.VerifyDeadline = models.TimePtr(now.Add(verifyTimeout))
			return []models.AuditLogEntry{{
				Timestamp: now,
				Actor:     models.ActorSystem,
				Action:    "remediation.completed",
				Target:    inc.ID,
				Details:   message,
				Result:    models.AuditSuccess,
				Metadata:  map[string]string{"action_type": string(inc.Remediation.Type), "attempts": fmt.Sprintf("%d", len(inc.Attempts))},
			}}, nil
		}
		inc.Remediation.Status = models.ActionFailed
		inc.EscalationReason = message
		from := transition(inc, models.IncidentEscalated, now)
		entry := transitionEntry(inc, from, now, models.ActorSystem, "", "remediation failed: "+message)
		entry.Result = models.AuditFailure
		return []models.AuditLogEntry{entry}, nil
	})
}

// Resolve marks a remediated incident as verified and resolved.
func (s *Store) Resolve(ctx context.Context, id, message string) (*models.Incident, error) {
	return s.mutate(ctx, id, "resolve", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentRemediating || inc.Remediation == nil || inc.Remediation.Status != models.ActionCompleted {
			return nil, invalid(inc, "resolve")
		}
		inc.ResolvedAt = models.TimePtr(now)
		inc.VerifyDeadline = nil
		from := transition(inc, models.IncidentResolved, now)
		return []models.AuditLogEntry{transitionEntry(inc, from, now, models.ActorSystem, "", message)}, nil
	})
}

// Escalate moves an analyzing, pending_approval or remediating incident to
// escalated. It is used by the timeout scans.
func (s *Store) Escalate(ctx context.Context, id, reason string) (*models.Incident, error) {
	return s.mutate(ctx, id, "escalate", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		switch inc.Status {
		case models.IncidentPendingApproval:
			inc.Remediation.Status = models.ActionRejected
		case models.IncidentAnalyzing, models.IncidentRemediating:
		default:
			return nil, invalid(inc, "escalate")
		}
		inc.EscalationReason = reason
		inc.VerifyDeadline = nil
		from := transition(inc, models.IncidentEscalated, now)
		entry := transitionEntry(inc, from, now, models.ActorSystem, "", reason)
		entry.Result = models.AuditFailure
		return []models.AuditLogEntry{entry}, nil
	})
}

// RejectStale rejects an analyzing incident whose confidence stayed below
// threshold. No remediation is proposed.
func (s *Store) RejectStale(ctx context.Context, id string, threshold float64) (*models.Incident, error) {
	return s.mutate(ctx, id, "reject_stale", func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error) {
		if inc.Status != models.IncidentAnalyzing || inc.Remediation != nil || inc.Confidence >= threshold {
			return nil, invalid(inc, "reject_stale")
		}
		from := transition(inc, models.IncidentRejected, now)
		return []models.AuditLogEntry{transitionEntry(inc, from, now, models.ActorSystem, "",
			fmt.Sprintf("confidence %.2f below %.2f after analysis timeout", inc.Confidence, threshold))}, nil
	})
}

var errNoChange = fmt.Errorf("no change")

type mutation func(inc *models.Incident, now time.Time) ([]models.AuditLogEntry, error)

// mutate runs fn on a private copy under the incident lock and commits the
// copy with its audit entries as one unit. On any error nothing is published.
func (s *Store) mutate(ctx context.Context, id, op string, fn mutation) (*models.Incident, error) {
	slot, ok := s.arena.Get(id)
	if !ok {
		return nil, &models.NotFoundError{Kind: "incident", ID: id}
	}
	slot.Lock()
	defer slot.Unlock()

	current := slot.Load()
	next := current.Clone()
	now := s.now().UTC()

	entries, err := fn(next, now)
	if err == errNoChange {
		return current.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	next.Version = current.Version + 1

	if _, err := s.journal.Write(ctx, Commit{Incident: next, Audit: entries}, func() {
		slot.Publish(next)
		if next.Status != current.Status {
			metrics.ObserveIncidentTransition(string(current.Status), string(next.Status))
			if next.Status.Terminal() {
				s.unindex(next)
			}
		}
	}); err != nil {
		return nil, utils.NewAppError("store."+op, "commit incident "+id, err)
	}

	if next.Status != current.Status {
		s.logger.Info("incident transition",
			slog.String("incident_id", id),
			slog.String("from", string(current.Status)),
			slog.String("to", string(next.Status)),
		)
	}
	return next.Clone(), nil
}

func (s *Store) index(inc *models.Incident) {
	s.idxMu.Lock()
	s.open[inc.Key()] = inc.ID
	s.idxMu.Unlock()
}

func (s *Store) unindex(inc *models.Incident) {
	s.idxMu.Lock()
	if s.open[inc.Key()] == inc.ID {
		delete(s.open, inc.Key())
	}
	s.idxMu.Unlock()
}

func transition(inc *models.Incident, to models.IncidentStatus, now time.Time) models.IncidentStatus {
	from := inc.Status
	inc.Status = to
	inc.StatusChangedAt = now
	return from
}

func transitionEntry(inc *models.Incident, from models.IncidentStatus, now time.Time, actor models.Actor, actorID, details string) models.AuditLogEntry {
	return models.AuditLogEntry{
		Timestamp: now,
		Actor:     actor,
		ActorID:   actorID,
		Action:    "incident." + string(inc.Status),
		Target:    inc.ID,
		Details:   details,
		Result:    models.AuditSuccess,
		Metadata:  map[string]string{"from": string(from), "to": string(inc.Status)},
	}
}

func invalid(inc *models.Incident, event string) error {
	return &models.InvalidTransitionError{Entity: "incident", ID: inc.ID, From: string(inc.Status), Event: event}
}

// UpsertAttempt appends a new attempt or advances an unfinished one. Finished
// attempts are never rewritten and only one attempt may be executing.
func UpsertAttempt(incidentID string, attempts []models.RemediationAttempt, a models.RemediationAttempt) ([]models.RemediationAttempt, error) {
	if a.Status == models.AttemptExecuting {
		for _, existing := range attempts {
			if existing.ID != a.ID && existing.Status == models.AttemptExecuting {
				return nil, &models.BusyError{IncidentID: incidentID}
			}
		}
	}
	for i := range attempts {
		if attempts[i].ID != a.ID {
			continue
		}
		if attempts[i].Finished() {
			return nil, &models.InvalidTransitionError{Entity: "attempt", ID: a.ID, From: string(attempts[i].Status), Event: string(a.Status)}
		}
		attempts[i] = a
		return attempts, nil
	}
	return append(attempts, a), nil
}

func mergeStrings(existing, additions []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range additions {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		existing = append(existing, v)
		seen[v] = struct{}{}
	}
	return existing
}

func severityRank(s models.Severity) int {
	switch s {
	case models.SeverityCritical:
		return 3
	case models.SeverityHigh:
		return 2
	case models.SeverityMedium:
		return 1
	}
	return 0
}
