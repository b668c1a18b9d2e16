// Package issues tracks operator-driven remediation of incidents and verifies
// that applied fixes actually cleared the detected condition.
package issues

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
	"github.com/miradorstack/mirador-remediator/internal/store"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Incidents resolves the issue's back-reference. Issues never cache incidents.
type Incidents interface {
	Get(id string) (*models.Incident, error)
}

// Runner executes a remediation job.
type Runner interface {
	Execute(ctx context.Context, job executor.Job, rec executor.Recorder) (executor.Outcome, error)
}

// Verifier reports whether an incident's detection condition has cleared.
type Verifier interface {
	CheckCleared(ctx context.Context, inc *models.Incident) (bool, string, error)
}

// Completions supplies recent successful executions for cooldown checks.
type Completions interface {
	Recent(target string, now time.Time) []policy.Completion
}

// Config holds tracker timings.
type Config struct {
	VerifyTimeout time.Duration
}

// Tracker owns every Issue. Mutations of one issue are serialised by its slot
// lock and committed with their audit entries through the journal.
type Tracker struct {
	cfg         Config
	arena       *store.Arena[models.Issue]
	journal     *store.Journal
	incidents   Incidents
	gate        *policy.Gate
	runner      Runner
	completions Completions
	verifier    Verifier
	logger      *slog.Logger
	now         func() time.Time

	idxMu       sync.Mutex
	active      map[string]string // incident id -> unresolved issue id
	interrupted []string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New constructs a Tracker.
func New(cfg Config, journal *store.Journal, incidents Incidents, gate *policy.Gate, runner Runner, completions Completions, verifier Verifier, logger *slog.Logger, opts ...Option) *Tracker {
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		cfg:         cfg,
		arena:       store.NewArena[models.Issue](),
		journal:     journal,
		incidents:   incidents,
		gate:        gate,
		runner:      runner,
		completions: completions,
		verifier:    verifier,
		logger:      logger,
		now:         time.Now,
		active:      make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Restore loads persisted issues. It must run before any other call.
// Attempts left open by a restart are failed; fixing issues whose execution
// never reported back are queued for RecoverInterrupted.
func (t *Tracker) Restore(issues []*models.Issue) {
	for _, is := range issues {
		is = is.Clone()
		for i, a := range is.Attempts {
			if !a.Finished() {
				is.Attempts[i].Status = models.AttemptFailed
				is.Attempts[i].Error = "interrupted by restart"
			}
		}
		t.arena.Insert(is.ID, is)
		if is.Status != models.IssueResolved {
			t.active[is.IncidentID] = is.ID
		}
		if is.Status == models.IssueFixing && is.VerifyDeadline == nil {
			t.interrupted = append(t.interrupted, is.ID)
		}
	}
}

// RecoverInterrupted moves issues whose execution was cut off by a restart to
// needs_attention so an operator can retry them. It returns how many moved.
func (t *Tracker) RecoverInterrupted(ctx context.Context) (int, error) {
	ids := t.interrupted
	t.interrupted = nil
	moved := 0
	var errs []error
	for _, id := range ids {
		var changed bool
		_, err := t.mutate(ctx, id, "recover", func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error) {
			if is.Status != models.IssueFixing || is.VerifyDeadline != nil {
				return nil, errNoChange
			}
			changed = true
			is.Status = models.IssueNeedsAttention
			is.VerificationMessage = "remediation interrupted by restart"
			entry := t.entry(is, now, models.ActorSystem, "", "issue.needs_attention", is.VerificationMessage)
			entry.Result = models.AuditFailure
			return []models.AuditLogEntry{entry}, nil
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			moved++
		}
	}
	return moved, errors.Join(errs...)
}

// Close cancels in-flight executions and waits for them to record their outcome.
func (t *Tracker) Close() {
	t.cancel()
	t.wg.Wait()
}

// Wait blocks until every dispatched execution has finished.
func (t *Tracker) Wait() { t.wg.Wait() }

// Get returns a copy of the issue.
func (t *Tracker) Get(id string) (*models.Issue, error) {
	slot, ok := t.arena.Get(id)
	if !ok {
		return nil, &models.NotFoundError{Kind: "issue", ID: id}
	}
	return slot.Load().Clone(), nil
}

// List returns copies of matching issues in creation order. Limit keeps the most recent.
func (t *Tracker) List(filter models.IssueFilter) []*models.Issue {
	var out []*models.Issue
	for _, is := range t.arena.Snapshots() {
		if filter.Matches(is) {
			out = append(out, is.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Create opens an issue for an incident that has a remediation action. An
// incident has at most one unresolved issue.
func (t *Tracker) Create(ctx context.Context, incidentID, actorID string) (*models.Issue, error) {
	inc, err := t.incidents.Get(incidentID)
	if err != nil {
		return nil, err
	}
	if inc.Remediation == nil {
		return nil, &models.ValidationError{Field: "incident", Reason: "has no remediation action to track"}
	}

	now := t.now().UTC()
	is := &models.Issue{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		Status:     models.IssueOpen,
		CreatedBy:  actorID,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	entry := t.entry(is, now, models.ActorHuman, actorID, "issue.open", "issue opened for "+inc.Title)

	t.idxMu.Lock()
	defer t.idxMu.Unlock()
	if existing, ok := t.active[inc.ID]; ok {
		return nil, &models.ConflictError{ID: inc.ID, Reason: "already tracked by issue " + existing}
	}
	if _, err := t.journal.Write(ctx, store.Commit{Issue: is, Audit: []models.AuditLogEntry{entry}}, func() {
		t.arena.Insert(is.ID, is)
		t.active[inc.ID] = is.ID
	}); err != nil {
		return nil, utils.NewAppError("issues.create", "commit issue", err)
	}
	metrics.ObserveIssueTransition(string(models.IssueOpen))
	t.logger.Info("issue opened", slog.String("issue_id", is.ID), slog.String("incident_id", inc.ID))
	return is.Clone(), nil
}

// Execute moves an open issue to fixing and dispatches the incident's action.
func (t *Tracker) Execute(ctx context.Context, id, actorID string) (*models.Issue, error) {
	return t.start(ctx, id, actorID, models.IssueOpen, "execute")
}

// Retry moves a needs_attention issue back to fixing with a fresh attempt.
func (t *Tracker) Retry(ctx context.Context, id, actorID string) (*models.Issue, error) {
	return t.start(ctx, id, actorID, models.IssueNeedsAttention, "retry")
}

func (t *Tracker) start(ctx context.Context, id, actorID string, from models.IssueStatus, event string) (*models.Issue, error) {
	var (
		job    executor.Job
		denied *models.AuditLogEntry
	)
	is, err := t.mutate(ctx, id, event, func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error) {
		if is.Status != from {
			return nil, &models.InvalidTransitionError{Entity: "issue", ID: is.ID, From: string(is.Status), Event: event}
		}
		inc, err := t.incidents.Get(is.IncidentID)
		if err != nil {
			return nil, err
		}
		if inc.Remediation == nil {
			return nil, &models.ValidationError{Field: "incident", Reason: "has no remediation action"}
		}
		action := inc.Remediation.Clone()

		res, decision := t.gate.Decide(action, policy.ContextFor(inc, t.completions.Recent(inc.Target, now), now))
		decision.Timestamp = now
		decision.Metadata["issue_id"] = is.ID
		if res.Decision == policy.Deny {
			denied = &decision
			return nil, &models.PolicyDeniedError{Rule: res.Rule, Reason: res.Reason}
		}

		// An operator-initiated execute is itself the approval a
		// require_approval decision asks for.
		is.Status = models.IssueFixing
		is.Verified = false
		is.VerificationMessage = ""
		is.VerifyDeadline = nil
		job = executor.Job{
			IncidentID:     inc.ID,
			Namespace:      inc.Namespace,
			IncidentTarget: inc.Target,
			Action:         action,
			FirstSequence:  len(is.Attempts) + 1,
		}
		return []models.AuditLogEntry{
			decision,
			t.entry(is, now, models.ActorHuman, actorID, "issue.fixing", fmt.Sprintf("%s %s on %s", event, action.Type, action.Target)),
		}, nil
	})
	if denied != nil {
		metrics.ObservePolicyDecision(string(policy.Deny), denied.Metadata["rule"])
		if _, werr := t.journal.Write(ctx, store.Commit{Audit: []models.AuditLogEntry{*denied}}, nil); werr != nil {
			t.logger.Error("failed to record policy denial", slog.String("issue_id", id), slog.Any("error", werr))
		}
	}
	if err != nil {
		return nil, err
	}

	t.dispatch(is.ID, job)
	return is, nil
}

func (t *Tracker) dispatch(issueID string, job executor.Job) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		rec := executor.RecorderFunc(func(ctx context.Context, a models.RemediationAttempt, e models.AuditLogEntry) error {
			return t.recordAttempt(ctx, issueID, a, e)
		})
		out, err := t.runner.Execute(t.ctx, job, rec)
		t.finishExecution(issueID, out, err)
	}()
}

func (t *Tracker) recordAttempt(ctx context.Context, id string, a models.RemediationAttempt, entry models.AuditLogEntry) error {
	_, err := t.mutate(ctx, id, "record_attempt", func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error) {
		if is.Status != models.IssueFixing {
			return nil, &models.InvalidTransitionError{Entity: "issue", ID: is.ID, From: string(is.Status), Event: "record_attempt"}
		}
		attempts, err := store.UpsertAttempt(is.IncidentID, is.Attempts, a)
		if err != nil {
			return nil, err
		}
		is.Attempts = attempts
		entry.Target = is.ID
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		if entry.Metadata == nil {
			entry.Metadata = map[string]string{}
		}
		entry.Metadata["incident_id"] = is.IncidentID
		return []models.AuditLogEntry{entry}, nil
	})
	return err
}

// finishExecution applies the executor's outcome. An issue that left fixing
// in the meantime is left alone.
func (t *Tracker) finishExecution(id string, out executor.Outcome, execErr error) {
	ctx := context.WithoutCancel(t.ctx)
	_, err := t.mutate(ctx, id, "finish_execution", func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error) {
		if is.Status != models.IssueFixing || is.VerifyDeadline != nil {
			return nil, errNoChange
		}
		if execErr == nil && out.Success {
			is.VerifyDeadline = models.TimePtr(now.Add(t.cfg.VerifyTimeout))
			return []models.AuditLogEntry{t.entry(is, now, models.ActorSystem, "", "issue.verifying", out.Message)}, nil
		}
		msg := out.Message
		if execErr != nil {
			msg = execErr.Error()
		}
		is.Status = models.IssueNeedsAttention
		is.VerificationMessage = "remediation failed: " + msg
		entry := t.entry(is, now, models.ActorSystem, "", "issue.needs_attention", is.VerificationMessage)
		entry.Result = models.AuditFailure
		return []models.AuditLogEntry{entry}, nil
	})
	if err != nil {
		t.logger.Error("failed to record execution outcome", slog.String("issue_id", id), slog.Any("error", err))
	}
}

// Resolve closes an issue by hand. Issues with an attempt still in flight
// cannot be resolved.
func (t *Tracker) Resolve(ctx context.Context, id, actorID, note string) (*models.Issue, error) {
	return t.mutate(ctx, id, "resolve", func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error) {
		if is.Status == models.IssueResolved {
			return nil, &models.InvalidTransitionError{Entity: "issue", ID: is.ID, From: string(is.Status), Event: "resolve"}
		}
		for _, a := range is.Attempts {
			if !a.Finished() {
				return nil, &models.BusyError{IncidentID: is.IncidentID}
			}
		}
		if note == "" {
			note = "resolved manually by " + actorID
		}
		is.Status = models.IssueResolved
		is.VerificationMessage = note
		is.VerifyDeadline = nil
		return []models.AuditLogEntry{t.entry(is, now, models.ActorHuman, actorID, "issue.resolved", note)}, nil
	})
}

// Poll runs one verification tick over every issue awaiting verification and
// returns how many changed state. Each issue's status is re-read under its
// lock before acting, so issues that left fixing are skipped.
func (t *Tracker) Poll(ctx context.Context) int {
	changed := 0
	for _, is := range t.arena.Snapshots() {
		if ctx.Err() != nil {
			break
		}
		if is.Status != models.IssueFixing || is.VerifyDeadline == nil {
			continue
		}
		if t.verify(ctx, is) {
			changed++
		}
	}
	return changed
}

func (t *Tracker) verify(ctx context.Context, snapshot *models.Issue) bool {
	inc, err := t.incidents.Get(snapshot.IncidentID)
	if err != nil {
		t.logger.Warn("issue references unknown incident", slog.String("issue_id", snapshot.ID), slog.Any("error", err))
		return false
	}

	cleared, msg, checkErr := t.verifier.CheckCleared(ctx, inc)
	if checkErr != nil {
		t.logger.Warn("verification check failed", slog.String("issue_id", snapshot.ID), slog.Any("error", checkErr))
	}

	var outcome string
	_, err = t.mutate(ctx, snapshot.ID, "verify", func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error) {
		if is.Status != models.IssueFixing || is.VerifyDeadline == nil {
			return nil, errNoChange
		}
		if checkErr == nil && cleared {
			outcome = "cleared"
			is.Status = models.IssueResolved
			is.Verified = true
			is.VerificationMessage = msg
			is.VerifyDeadline = nil
			return []models.AuditLogEntry{t.entry(is, now, models.ActorSystem, "", "issue.resolved", "verified: "+msg)}, nil
		}
		if !now.After(*is.VerifyDeadline) {
			return nil, errNoChange
		}
		outcome = metrics.OutcomeTimeout
		timeout := &models.VerificationTimeoutError{ID: is.ID, Elapsed: t.cfg.VerifyTimeout.String()}
		is.Status = models.IssueNeedsAttention
		is.VerificationMessage = timeout.Error()
		is.VerifyDeadline = nil
		entry := t.entry(is, now, models.ActorSystem, "", "issue.needs_attention", is.VerificationMessage)
		entry.Result = models.AuditFailure
		return []models.AuditLogEntry{entry}, nil
	})
	if err != nil {
		t.logger.Error("failed to record verification", slog.String("issue_id", snapshot.ID), slog.Any("error", err))
		return false
	}
	if outcome != "" {
		metrics.ObserveVerification("issue", outcome)
		return true
	}
	return false
}

var errNoChange = errors.New("no change")

type mutation func(is *models.Issue, now time.Time) ([]models.AuditLogEntry, error)

func (t *Tracker) mutate(ctx context.Context, id, op string, fn mutation) (*models.Issue, error) {
	slot, ok := t.arena.Get(id)
	if !ok {
		return nil, &models.NotFoundError{Kind: "issue", ID: id}
	}
	slot.Lock()
	defer slot.Unlock()

	current := slot.Load()
	next := current.Clone()
	now := t.now().UTC()

	entries, err := fn(next, now)
	if errors.Is(err, errNoChange) {
		return current.Clone(), nil
	}
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = now
	next.Version = current.Version + 1

	if _, err := t.journal.Write(ctx, store.Commit{Issue: next, Audit: entries}, func() {
		slot.Publish(next)
		if next.Status != current.Status {
			metrics.ObserveIssueTransition(string(next.Status))
			if next.Status == models.IssueResolved {
				t.idxMu.Lock()
				if t.active[next.IncidentID] == next.ID {
					delete(t.active, next.IncidentID)
				}
				t.idxMu.Unlock()
			}
		}
	}); err != nil {
		return nil, utils.NewAppError("issues."+op, "commit issue "+id, err)
	}

	if next.Status != current.Status {
		t.logger.Info("issue transition",
			slog.String("issue_id", id),
			slog.String("from", string(current.Status)),
			slog.String("to", string(next.Status)))
	}
	return next.Clone(), nil
}

func (t *Tracker) entry(is *models.Issue, now time.Time, actor models.Actor, actorID, action, details string) models.AuditLogEntry {
	return models.AuditLogEntry{
		Timestamp: now,
		Actor:     actor,
		ActorID:   actorID,
		Action:    action,
		Target:    is.ID,
		Details:   details,
		Result:    models.AuditSuccess,
		Metadata:  map[string]string{"incident_id": is.IncidentID, "status": string(is.Status)},
	}
}
