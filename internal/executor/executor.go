package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/miradorstack/mirador-remediator/internal/cache"
	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/utils"
)

// Config tunes retries, throttling and the idempotency ledger.
type Config struct {
	// MaxRetries is the total number of attempts, including the first.
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Jitter         float64
	// RatePerSecond limits backend dispatches across all incidents; zero disables throttling.
	RatePerSecond float64
	Burst         int
	LedgerTTL     time.Duration
	LedgerPrefix  string
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0.1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.LedgerTTL <= 0 {
		c.LedgerTTL = 24 * time.Hour
	}
	if c.LedgerPrefix == "" {
		c.LedgerPrefix = "mirador:remediator:idem:"
	}
	return c
}

// Recorder persists each attempt step with its audit entry.
type Recorder interface {
	RecordAttempt(ctx context.Context, attempt models.RemediationAttempt, entry models.AuditLogEntry) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, attempt models.RemediationAttempt, entry models.AuditLogEntry) error

func (f RecorderFunc) RecordAttempt(ctx context.Context, attempt models.RemediationAttempt, entry models.AuditLogEntry) error {
	return f(ctx, attempt, entry)
}

// Job describes one execution of an approved action.
type Job struct {
	IncidentID string
	Namespace  string
	// IncidentTarget keys the cooldown history. The action may name a
	// single pod while the incident names its workload.
	IncidentTarget string
	Action         models.RemediationAction
	// FirstSequence numbers the first attempt; retries of an issue continue
	// the sequence of earlier executions.
	FirstSequence int
}

func (j Job) cooldownTarget() string {
	if j.IncidentTarget != "" {
		return j.IncidentTarget
	}
	return j.Action.Target
}

// Outcome is the result of an execution with every attempt it made.
type Outcome struct {
	Success  bool
	Message  string
	Attempts []models.RemediationAttempt
}

// Executor runs remediation actions against a Backend.
type Executor struct {
	cfg      Config
	backend  Backend
	ledger   *cache.Ledger
	limiter  *rate.Limiter
	history  *History
	latency  *utils.LatencyTracker
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	inflight sync.Map
}

// Option customises an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleep overrides how backoff delays are waited out.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New constructs an Executor. A nil ledger provider grants every idempotency claim.
func New(cfg Config, backend Backend, ledger cache.Provider, history *History, logger *slog.Logger, opts ...Option) *Executor {
	cfg = cfg.withDefaults()
	if history == nil {
		history = NewHistory(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	e := &Executor{
		cfg:     cfg,
		backend: backend,
		ledger:  cache.NewLedger(ledger, cfg.LedgerPrefix, cfg.LedgerTTL),
		limiter: rate.NewLimiter(limit, cfg.Burst),
		history: history,
		latency: utils.NewLatencyTracker(256),
		logger:  logger,
		now:     time.Now,
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// History exposes the completion history used for policy cooldowns.
func (e *Executor) History() *History { return e.history }

// Busy reports whether an execution is in flight for the incident.
func (e *Executor) Busy(incidentID string) bool {
	_, ok := e.inflight.Load(incidentID)
	return ok
}

// BackendLatency returns the p-th percentile of backend call durations.
func (e *Executor) BackendLatency(p float64) time.Duration { return e.latency.Percentile(p) }

// Execute runs job until it succeeds, fails fatally or exhausts MaxRetries.
// Only one execution per incident may be in flight; a concurrent call gets
// *models.BusyError without touching the backend. The returned error is
// reserved for recording or cancellation failures; backend failures are
// reported through Outcome.
func (e *Executor) Execute(ctx context.Context, job Job, rec Recorder) (Outcome, error) {
	if _, loaded := e.inflight.LoadOrStore(job.IncidentID, struct{}{}); loaded {
		return Outcome{}, &models.BusyError{IncidentID: job.IncidentID}
	}
	defer e.inflight.Delete(job.IncidentID)
	defer metrics.ExecutionStarted()()

	if job.FirstSequence <= 0 {
		job.FirstSequence = 1
	}
	bo := &backoff{initial: e.cfg.BackoffInitial, max: e.cfg.BackoffMax, multiplier: 2, jitter: e.cfg.Jitter}

	var (
		out     Outcome
		lastErr string
	)
	for n := 0; n < e.cfg.MaxRetries; n++ {
		attempt, step, err := e.try(ctx, job, job.FirstSequence+n, rec)
		if attempt.ID != "" {
			out.Attempts = append(out.Attempts, attempt)
		}
		if err != nil {
			return out, err
		}
		if step.success {
			out.Success = true
			out.Message = step.message
			e.history.Remember(job.cooldownTarget(), job.Action.Type, *attempt.CompletedAt)
			return out, nil
		}
		lastErr = step.message
		if !step.retryable {
			out.Message = step.message
			return out, nil
		}
		if n+1 < e.cfg.MaxRetries {
			delay := bo.next()
			e.logger.Info("retrying remediation",
				slog.String("incident_id", job.IncidentID),
				slog.Int("attempt", attempt.Sequence),
				slog.Duration("backoff", delay),
				slog.String("error", step.message))
			if err := e.sleep(ctx, delay); err != nil {
				return out, err
			}
		}
	}
	out.Message = fmt.Sprintf("gave up after %d attempts: %s", len(out.Attempts), lastErr)
	return out, nil
}

type stepResult struct {
	success   bool
	retryable bool
	message   string
}

// try performs one attempt: pending, executing, then the outcome.
func (e *Executor) try(ctx context.Context, job Job, seq int, rec Recorder) (models.RemediationAttempt, stepResult, error) {
	id := uuid.NewString()
	attempt := models.RemediationAttempt{
		ID:             id,
		Sequence:       seq,
		Action:         job.Action.Type,
		Target:         job.Action.Target,
		Status:         models.AttemptPending,
		IdempotencyKey: id,
	}
	if err := rec.RecordAttempt(ctx, attempt, e.attemptEntry(attempt, models.ActorSystem, models.AuditSuccess, "")); err != nil {
		return models.RemediationAttempt{}, stepResult{}, fmt.Errorf("record pending attempt: %w", err)
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return e.finish(ctx, attempt, rec, stepResult{message: "dispatch cancelled: " + err.Error()}, err)
	}

	claimed, err := e.ledger.Claim(ctx, attempt.IdempotencyKey, job.IncidentID)
	switch {
	case err != nil:
		return e.finish(ctx, attempt, rec, stepResult{retryable: true, message: "idempotency ledger unavailable: " + err.Error()}, nil)
	case !claimed:
		return e.finish(ctx, attempt, rec, stepResult{message: "idempotency key already dispatched"}, nil)
	}

	started := e.now()
	attempt.Status = models.AttemptExecuting
	attempt.ExecutedAt = models.TimePtr(started)
	if err := rec.RecordAttempt(ctx, attempt, e.attemptEntry(attempt, models.ActorSystem, models.AuditSuccess, "")); err != nil {
		if relErr := e.ledger.Release(context.WithoutCancel(ctx), attempt.IdempotencyKey); relErr != nil {
			e.logger.Warn("failed to release idempotency key", slog.String("key", attempt.IdempotencyKey), slog.Any("error", relErr))
		}
		return attempt, stepResult{}, fmt.Errorf("record executing attempt: %w", err)
	}

	resp, applyErr := e.backend.Apply(ctx, Request{
		Type:           job.Action.Type,
		Target:         job.Action.Target,
		Namespace:      job.Namespace,
		Parameters:     job.Action.Parameters,
		IdempotencyKey: attempt.IdempotencyKey,
	})
	elapsed := e.now().Sub(started)
	e.latency.Observe(elapsed)

	step := classify(resp, applyErr)
	outcome := metrics.OutcomeSuccess
	if !step.success {
		outcome = metrics.OutcomeError
	}
	metrics.ObserveAttempt(string(job.Action.Type), elapsed, outcome)

	var abort error
	if applyErr != nil && ctx.Err() != nil {
		abort = ctx.Err()
	}
	return e.finish(ctx, attempt, rec, step, abort)
}

// finish records the attempt's final status. It records even when ctx is
// cancelled so the history never holds a dangling executing attempt.
func (e *Executor) finish(ctx context.Context, attempt models.RemediationAttempt, rec Recorder, step stepResult, abort error) (models.RemediationAttempt, stepResult, error) {
	attempt.CompletedAt = models.TimePtr(e.now())
	result := models.AuditFailure
	if step.success {
		attempt.Status = models.AttemptSuccess
		attempt.Result = step.message
		result = models.AuditSuccess
	} else {
		attempt.Status = models.AttemptFailed
		attempt.Error = step.message
	}

	recordCtx := context.WithoutCancel(ctx)
	if err := rec.RecordAttempt(recordCtx, attempt, e.attemptEntry(attempt, models.ActorGateway, result, step.message)); err != nil {
		return attempt, step, fmt.Errorf("record attempt outcome: %w", err)
	}
	return attempt, step, abort
}

func classify(resp Response, err error) stepResult {
	if err == nil {
		if resp.Success {
			return stepResult{success: true, message: resp.Message}
		}
		msg := resp.Message
		if msg == "" {
			msg = "backend reported failure"
		}
		return stepResult{message: msg}
	}
	var execErr *models.ExecutionError
	if errors.As(err, &execErr) {
		return stepResult{retryable: execErr.Retryable, message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return stepResult{retryable: true, message: err.Error()}
	}
	return stepResult{message: err.Error()}
}

func (e *Executor) attemptEntry(a models.RemediationAttempt, actor models.Actor, result models.AuditResult, details string) models.AuditLogEntry {
	return models.AuditLogEntry{
		Actor:   actor,
		Action:  "remediation.attempt." + string(a.Status),
		Details: details,
		Result:  result,
		Metadata: map[string]string{
			"attempt_id":      a.ID,
			"sequence":        strconv.Itoa(a.Sequence),
			"action_type":     string(a.Action),
			"target":          a.Target,
			"idempotency_key": a.IdempotencyKey,
		},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
