package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-remediator/internal/metrics"
	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Run starts the reconciliation loops and blocks until ctx is cancelled or a
// loop fails. Every loop works off store snapshots; timeouts are evaluated on
// each tick rather than by blocking waits.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if e.telemetry != nil {
		g.Go(func() error { return e.every(ctx, "scan", e.cfg.ScanInterval, e.scanTick) })
	}
	g.Go(func() error { return e.every(ctx, "analysis", e.cfg.AnalysisInterval, e.AnalyzeOnce) })
	g.Go(func() error { return e.every(ctx, "timeouts", e.cfg.TimeoutInterval, e.CheckTimeouts) })
	if e.telemetry != nil {
		g.Go(func() error { return e.every(ctx, "verify", e.cfg.VerifyInterval, e.verifyTick) })
	}
	if e.cfg.PolicyPath != "" {
		g.Go(func() error { return e.gate.Watch(ctx, e.cfg.PolicyPath) })
	}

	e.logger.Info("lifecycle loops started",
		slog.Duration("scan_interval", e.cfg.ScanInterval),
		slog.Duration("analysis_interval", e.cfg.AnalysisInterval),
		slog.Duration("verify_interval", e.cfg.VerifyInterval))
	return g.Wait()
}

func (e *Engine) every(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Debug("loop stopped", slog.String("loop", name))
			return nil
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (e *Engine) scanTick(ctx context.Context) {
	if _, err := e.ScanOnce(ctx); err != nil {
		e.logger.Warn("signal scan failed", slog.Any("error", err))
	}
}

func (e *Engine) verifyTick(ctx context.Context) {
	e.VerifyOnce(ctx)
	e.tracker.Poll(ctx)
}

// ScanOnce pulls signals since the previous scan and ingests them. It returns
// the number of incidents created or updated.
func (e *Engine) ScanOnce(ctx context.Context) (int, error) {
	now := e.now()
	e.mu.Lock()
	since := e.lastScan
	e.mu.Unlock()
	if since.IsZero() {
		since = now.Add(-e.cfg.Lookback)
	}

	signals, err := e.telemetry.FetchSignals(ctx, since)
	if err != nil {
		return 0, err
	}
	touched, err := e.Ingest(ctx, signals)

	e.mu.Lock()
	e.lastScan = now
	e.mu.Unlock()
	return len(touched), err
}

// AnalyzeOnce requests RCA for detected incidents and proposes remediations
// for confident analyzing incidents that have none yet.
func (e *Engine) AnalyzeOnce(ctx context.Context) {
	for _, inc := range e.store.List(models.IncidentFilter{Status: models.IncidentDetected}) {
		if ctx.Err() != nil {
			return
		}
		if e.analyzer == nil {
			break
		}
		rca, err := e.analyzer.Analyze(ctx, inc)
		if err != nil {
			e.logger.Warn("rca request failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
			continue
		}
		if rca == nil {
			continue
		}
		if _, err := e.AttachRCA(ctx, inc.ID, *rca); err != nil && !expectedRace(err) {
			e.logger.Error("failed to attach rca", slog.String("incident_id", inc.ID), slog.Any("error", err))
		}
	}

	for _, inc := range e.store.List(models.IncidentFilter{Status: models.IncidentAnalyzing}) {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.autoPropose(ctx, inc); err != nil && !expectedRace(err) {
			e.logger.Error("failed to propose remediation", slog.String("incident_id", inc.ID), slog.Any("error", err))
		}
	}
}

// CheckTimeouts escalates incidents stuck waiting for approval or a proposal,
// rejects low-confidence analyses and resumes approved remediations whose
// execution never finished.
func (e *Engine) CheckTimeouts(ctx context.Context) {
	now := e.now()
	for _, inc := range e.store.List(models.IncidentFilter{}) {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch inc.Status {
		case models.IncidentPendingApproval:
			if now.Sub(inc.StatusChangedAt) > e.cfg.ApprovalTimeout {
				_, err = e.store.Escalate(ctx, inc.ID, describeTimeout("approval", e.cfg.ApprovalTimeout))
			}
		case models.IncidentAnalyzing:
			if inc.Remediation != nil || now.Sub(inc.StatusChangedAt) <= e.cfg.AnalysisTimeout {
				continue
			}
			if inc.Confidence < e.cfg.ConfidenceThreshold {
				_, err = e.store.RejectStale(ctx, inc.ID, e.cfg.ConfidenceThreshold)
			} else {
				_, err = e.store.Escalate(ctx, inc.ID, "no remediation proposed within "+e.cfg.AnalysisTimeout.String())
			}
		case models.IncidentRemediating:
			if inc.Remediation != nil && inc.Remediation.CompletedAt == nil &&
				!e.isRunning(inc.ID) && !e.exec.Busy(inc.ID) {
				e.logger.Info("resuming remediation", slog.String("incident_id", inc.ID))
				e.dispatch(inc)
			}
		}
		if err != nil && !expectedRace(err) {
			e.logger.Error("timeout transition failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		}
	}
}

// VerifyOnce checks every executed remediation with the telemetry source.
// Cleared incidents resolve; those past their deadline escalate. It returns
// the number of incidents that changed state.
func (e *Engine) VerifyOnce(ctx context.Context) int {
	changed := 0
	for _, inc := range e.store.List(models.IncidentFilter{Status: models.IncidentRemediating}) {
		if ctx.Err() != nil {
			break
		}
		if inc.Remediation == nil || inc.Remediation.Status != models.ActionCompleted || inc.VerifyDeadline == nil {
			continue
		}
		cleared, msg, err := e.telemetry.CheckCleared(ctx, inc)
		if err != nil {
			e.logger.Warn("verification check failed", slog.String("incident_id", inc.ID), slog.Any("error", err))
		}

		switch {
		case err == nil && cleared:
			if _, err := e.store.Resolve(ctx, inc.ID, "verified: "+msg); err != nil {
				if !expectedRace(err) {
					e.logger.Error("failed to resolve incident", slog.String("incident_id", inc.ID), slog.Any("error", err))
				}
				continue
			}
			metrics.ObserveVerification("incident", metrics.OutcomeSuccess)
			changed++
		case e.now().After(*inc.VerifyDeadline):
			timeout := &models.VerificationTimeoutError{ID: inc.ID, Elapsed: e.cfg.VerifyTimeout.String()}
			if _, err := e.store.Escalate(ctx, inc.ID, timeout.Error()); err != nil {
				if !expectedRace(err) {
					e.logger.Error("failed to escalate incident", slog.String("incident_id", inc.ID), slog.Any("error", err))
				}
				continue
			}
			metrics.ObserveVerification("incident", metrics.OutcomeTimeout)
			changed++
		}
	}
	return changed
}

// expectedRace reports errors caused by another actor changing the incident
// between the snapshot and the mutation.
func expectedRace(err error) bool {
	var (
		invalid  *models.InvalidTransitionError
		conflict *models.ConflictError
	)
	return errors.As(err, &invalid) || errors.As(err, &conflict)
}
