// Package engine drives incidents through their lifecycle: it pulls signals,
// correlates them into incidents, attaches RCA, proposes and dispatches
// remediations and verifies that they worked.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/correlator"
	"github.com/miradorstack/mirador-remediator/internal/executor"
	"github.com/miradorstack/mirador-remediator/internal/issues"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
	"github.com/miradorstack/mirador-remediator/internal/store"
)

// Telemetry is the source of raw signals and of verification checks.
type Telemetry interface {
	FetchSignals(ctx context.Context, since time.Time) ([]models.Signal, error)
	CheckCleared(ctx context.Context, inc *models.Incident) (bool, string, error)
}

// Analyzer produces root cause analyses. A nil result without error means the
// analysis is still running.
type Analyzer interface {
	Analyze(ctx context.Context, inc *models.Incident) (*models.RootCauseAnalysis, error)
}

// Config holds loop intervals and lifecycle timeouts.
type Config struct {
	ScanInterval        time.Duration
	AnalysisInterval    time.Duration
	TimeoutInterval     time.Duration
	VerifyInterval      time.Duration
	ApprovalTimeout     time.Duration
	AnalysisTimeout     time.Duration
	VerifyTimeout       time.Duration
	ConfidenceThreshold float64
	Lookback            time.Duration
	PolicyPath          string
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 30 * time.Second
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 15 * time.Second
	}
	if c.TimeoutInterval <= 0 {
		c.TimeoutInterval = 30 * time.Second
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = 30 * time.Second
	}
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = time.Hour
	}
	if c.AnalysisTimeout <= 0 {
		c.AnalysisTimeout = 15 * time.Minute
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 10 * time.Minute
	}
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.3
	}
	if c.Lookback <= 0 {
		c.Lookback = 5 * time.Minute
	}
	return c
}

// Deps are the collaborators an Engine orchestrates.
type Deps struct {
	Journal    *store.Journal
	Store      *store.Store
	Correlator *correlator.Correlator
	Gate       *policy.Gate
	Proposer   *Proposer
	Executor   *executor.Executor
	Telemetry  Telemetry
	Analyzer   Analyzer
}

// Engine is the single entry point for every lifecycle operation.
type Engine struct {
	cfg        Config
	journal    *store.Journal
	store      *store.Store
	tracker    *issues.Tracker
	correlator *correlator.Correlator
	gate       *policy.Gate
	proposer   *Proposer
	exec       *executor.Executor
	telemetry  Telemetry
	analyzer   Analyzer
	logger     *slog.Logger
	now        func() time.Time

	mu       sync.Mutex
	running  map[string]struct{}
	lastScan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock overrides the time source of the engine and its issue tracker.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New wires an Engine. The issue tracker is built on the same journal, gate
// and executor so both remediation paths share one busy guard.
func New(cfg Config, deps Deps, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:        cfg.withDefaults(),
		journal:    deps.Journal,
		store:      deps.Store,
		correlator: deps.Correlator,
		gate:       deps.Gate,
		proposer:   deps.Proposer,
		exec:       deps.Executor,
		telemetry:  deps.Telemetry,
		analyzer:   deps.Analyzer,
		logger:     logger,
		now:        time.Now,
		running:    make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.tracker = issues.New(
		issues.Config{VerifyTimeout: e.cfg.VerifyTimeout},
		e.journal, e.store, e.gate, e.exec, e.exec.History(), e.telemetry,
		logger.With(slog.String("component", "issues")),
		issues.WithClock(e.now),
	)
	return e
}

// Load restores incidents, issues and the audit log from the persister and
// seeds the cooldown history with their successful attempts.
func (e *Engine) Load(ctx context.Context) error {
	snap, err := e.journal.Load(ctx)
	if err != nil {
		return err
	}
	e.store.Restore(snap.Incidents)
	e.tracker.Restore(snap.Issues)
	recovered, err := e.tracker.RecoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted issues: %w", err)
	}
	if recovered > 0 {
		e.logger.Warn("issues interrupted by restart need attention", slog.Int("issues", recovered))
	}
	targets := make(map[string]string, len(snap.Incidents))
	for _, inc := range snap.Incidents {
		targets[inc.ID] = inc.Target
		e.exec.History().Seed(inc.Target, inc.Attempts)
	}
	for _, is := range snap.Issues {
		if target, ok := targets[is.IncidentID]; ok {
			e.exec.History().Seed(target, is.Attempts)
		}
	}
	e.logger.Info("state restored",
		slog.Int("incidents", len(snap.Incidents)),
		slog.Int("issues", len(snap.Issues)),
		slog.Int("audit_entries", len(snap.Audit)))
	return nil
}

// Close cancels in-flight executions and waits until their outcome is recorded.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
	e.tracker.Close()
}

// Ingest correlates signals into new or merged incidents.
func (e *Engine) Ingest(ctx context.Context, signals []models.Signal) ([]*models.Incident, error) {
	drafts := e.correlator.Correlate(signals, e.store, e.now())
	out := make([]*models.Incident, 0, len(drafts))
	var errs []error
	for _, draft := range drafts {
		inc, _, err := e.store.Apply(ctx, draft)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, inc)
	}
	return out, errors.Join(errs...)
}

// AttachRCA attaches an analysis and, when the incident is confident enough,
// proposes a remediation derived from it.
func (e *Engine) AttachRCA(ctx context.Context, id string, rca models.RootCauseAnalysis) (*models.Incident, error) {
	inc, err := e.store.AttachRCA(ctx, id, rca)
	if err != nil {
		return nil, err
	}
	return e.autoPropose(ctx, inc)
}

func (e *Engine) autoPropose(ctx context.Context, inc *models.Incident) (*models.Incident, error) {
	if inc.Status != models.IncidentAnalyzing || inc.Remediation != nil || inc.Confidence < e.cfg.ConfidenceThreshold {
		return inc, nil
	}
	action, ok := e.proposer.Propose(inc)
	if !ok {
		return inc, nil
	}
	proposed, _, err := e.Propose(ctx, inc.ID, action)
	if err != nil {
		return nil, err
	}
	return proposed, nil
}

// Propose attaches action to an analyzing incident and applies the policy
// decision. Auto-approved actions are dispatched right away.
func (e *Engine) Propose(ctx context.Context, id string, action models.RemediationAction) (*models.Incident, policy.Result, error) {
	inc, res, err := e.store.Propose(ctx, id, action, e.decide)
	if err != nil {
		return nil, policy.Result{}, err
	}
	e.logger.Info("remediation proposed",
		slog.String("incident_id", id),
		slog.String("action", string(action.Type)),
		slog.String("decision", string(res.Decision)),
		slog.String("rule", res.Rule))
	if res.Decision == policy.AutoApprove {
		e.dispatch(inc)
	}
	return inc, res, nil
}

func (e *Engine) decide(inc *models.Incident, action models.RemediationAction) (policy.Result, models.AuditLogEntry) {
	now := e.now()
	return e.gate.Decide(action, policy.ContextFor(inc, e.exec.History().Recent(inc.Target, now), now))
}

// Approve records a human approval and starts execution.
func (e *Engine) Approve(ctx context.Context, id, actorID string) (*models.Incident, error) {
	if actorID == "" {
		return nil, &models.ValidationError{Field: "actorId", Reason: "required"}
	}
	inc, err := e.store.Approve(ctx, id, actorID)
	if err != nil {
		return nil, err
	}
	e.dispatch(inc)
	return inc, nil
}

// Reject records a human rejection; the incident escalates.
func (e *Engine) Reject(ctx context.Context, id, actorID string) (*models.Incident, error) {
	if actorID == "" {
		return nil, &models.ValidationError{Field: "actorId", Reason: "required"}
	}
	return e.store.Reject(ctx, id, actorID)
}

// CreateIssue opens an operator issue for an incident.
func (e *Engine) CreateIssue(ctx context.Context, incidentID, actorID string) (*models.Issue, error) {
	return e.tracker.Create(ctx, incidentID, actorID)
}

// ExecuteIssue starts the first execution of an open issue.
func (e *Engine) ExecuteIssue(ctx context.Context, id, actorID string) (*models.Issue, error) {
	return e.tracker.Execute(ctx, id, actorID)
}

// RetryIssue re-runs the remediation of an issue that needs attention.
func (e *Engine) RetryIssue(ctx context.Context, id, actorID string) (*models.Issue, error) {
	return e.tracker.Retry(ctx, id, actorID)
}

// ResolveIssue closes an issue by hand.
func (e *Engine) ResolveIssue(ctx context.Context, id, actorID, note string) (*models.Issue, error) {
	return e.tracker.Resolve(ctx, id, actorID, note)
}

// Incident returns a snapshot of one incident.
func (e *Engine) Incident(id string) (*models.Incident, error) { return e.store.Get(id) }

// Incidents lists incident snapshots.
func (e *Engine) Incidents(filter models.IncidentFilter) []*models.Incident {
	return e.store.List(filter)
}

// Issue returns a snapshot of one issue.
func (e *Engine) Issue(id string) (*models.Issue, error) { return e.tracker.Get(id) }

// Issues lists issue snapshots.
func (e *Engine) Issues(filter models.IssueFilter) []*models.Issue {
	return e.tracker.List(filter)
}

// Audit queries the audit log, reaching into the durable store for entries
// no longer held in memory.
func (e *Engine) Audit(ctx context.Context, filter models.AuditFilter) ([]models.AuditLogEntry, error) {
	return e.journal.SearchAudit(ctx, filter)
}

// SubscribeAudit streams newly committed audit entries until cancel is called.
func (e *Engine) SubscribeAudit(buffer int) (<-chan models.AuditLogEntry, func()) {
	return e.journal.Log().Subscribe(buffer)
}

// BackendLatency reports the p-th percentile of backend call latency.
func (e *Engine) BackendLatency(p float64) time.Duration { return e.exec.BackendLatency(p) }

// Wait blocks until dispatched incident and issue executions have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
	e.tracker.Wait()
}

// dispatch executes the approved remediation of inc in the background. It is
// a no-op when the incident is not awaiting execution or is already running.
func (e *Engine) dispatch(inc *models.Incident) {
	if inc.Status != models.IncidentRemediating || inc.Remediation == nil || inc.Remediation.CompletedAt != nil {
		return
	}
	e.mu.Lock()
	if _, ok := e.running[inc.ID]; ok {
		e.mu.Unlock()
		return
	}
	e.running[inc.ID] = struct{}{}
	e.mu.Unlock()

	job := executor.Job{
		IncidentID:     inc.ID,
		Namespace:      inc.Namespace,
		IncidentTarget: inc.Target,
		Action:         inc.Remediation.Clone(),
		FirstSequence:  len(inc.Attempts) + 1,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, job.IncidentID)
			e.mu.Unlock()
		}()
		e.execute(job)
	}()
}

func (e *Engine) execute(job executor.Job) {
	id := job.IncidentID
	rec := executor.RecorderFunc(func(ctx context.Context, a models.RemediationAttempt, entry models.AuditLogEntry) error {
		_, err := e.store.RecordAttempt(ctx, id, a, entry)
		return err
	})
	out, err := e.exec.Execute(e.ctx, job, rec)
	if err != nil {
		var busy *models.BusyError
		switch {
		case errors.As(err, &busy):
			// An issue execution holds the incident; the timeout scan resumes it.
			e.logger.Info("incident busy, execution deferred", slog.String("incident_id", id))
			return
		case e.ctx.Err() != nil:
			e.logger.Warn("execution interrupted by shutdown", slog.String("incident_id", id))
			return
		}
		out.Success = false
		out.Message = err.Error()
	}

	ctx := context.WithoutCancel(e.ctx)
	inc, err := e.store.CompleteExecution(ctx, id, out.Success, out.Message, e.cfg.VerifyTimeout)
	if err != nil {
		e.logger.Error("failed to complete execution",
			slog.String("incident_id", id),
			slog.Any("error", err))
		return
	}
	e.logger.Info("remediation executed",
		slog.String("incident_id", id),
		slog.Bool("success", out.Success),
		slog.Int("attempts", len(out.Attempts)),
		slog.String("status", string(inc.Status)))
}

func (e *Engine) isRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

func describeTimeout(what string, d time.Duration) string {
	return fmt.Sprintf("%s timed out after %s", what, d)
}
