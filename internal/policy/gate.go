package policy

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Gate holds the active policy Config and produces audited decisions.
type Gate struct {
	cfg    atomic.Pointer[Config]
	logger *slog.Logger
}

// NewGate returns a gate serving cfg.
func NewGate(cfg *Config, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{logger: logger}
	g.cfg.Store(cfg)
	return g
}

// Config returns the currently active configuration.
func (g *Gate) Config() *Config {
	return g.cfg.Load()
}

// Swap replaces the active configuration.
func (g *Gate) Swap(cfg *Config) {
	g.cfg.Store(cfg)
}

// Decide evaluates the action against the active configuration snapshot and
// returns the result together with its system audit entry.
func (g *Gate) Decide(action models.RemediationAction, ictx IncidentContext) (Result, models.AuditLogEntry) {
	res := Evaluate(action, ictx, g.cfg.Load())
	return res, DecisionEntry(action, ictx, res)
}

// DecisionEntry builds the audit record for a policy decision.
func DecisionEntry(action models.RemediationAction, ictx IncidentContext, res Result) models.AuditLogEntry {
	result := models.AuditSuccess
	if res.Decision == Deny {
		result = models.AuditFailure
	}
	return models.AuditLogEntry{
		Timestamp: ictx.Now,
		Actor:     models.ActorSystem,
		Action:    "policy." + string(res.Decision),
		Target:    ictx.IncidentID,
		Details:   fmt.Sprintf("%s on %s: %s", action.Type, action.Target, res.Reason),
		Result:    result,
		Metadata: map[string]string{
			"rule":         res.Rule,
			"action_type":  string(action.Type),
			"risk":         string(action.RiskLevel),
			"blast_radius": fmt.Sprintf("%d", res.BlastRadius),
		},
	}
}

// Watch reloads the policy file on change until ctx is cancelled. Invalid
// documents are logged and the previous configuration stays active.
func (g *Gate) Watch(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve policy path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files on save, so watch the directory.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("watch policy dir: %w", err)
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != absPath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(200 * time.Millisecond)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			g.logger.Warn("policy watcher error", slog.Any("error", err))
		case <-debounce:
			debounce = nil
			g.reload(absPath)
		}
	}
}

func (g *Gate) reload(path string) {
	cfg, err := LoadFile(path)
	if err != nil {
		g.logger.Error("policy reload rejected", slog.String("path", path), slog.Any("error", err))
		return
	}
	g.Swap(cfg)
	g.logger.Info("policy reloaded",
		slog.String("path", path),
		slog.String("approval_threshold", string(cfg.RequireApprovalThreshold)),
		slog.Duration("cooldown", cfg.Cooldown),
	)
}
