package executor

import (
	"sync"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
	"github.com/miradorstack/mirador-remediator/internal/policy"
)

type completionKey struct {
	target string
	typ    models.ActionType
}

// History remembers the last successful completion per (incident target,
// action type) so the policy cooldown rule can see it.
type History struct {
	mu        sync.RWMutex
	last      map[completionKey]time.Time
	retention time.Duration
}

// NewHistory keeps completions for retention; zero keeps them forever.
func NewHistory(retention time.Duration) *History {
	return &History{last: make(map[completionKey]time.Time), retention: retention}
}

// Remember records a successful completion. Older timestamps never replace newer ones.
func (h *History) Remember(target string, typ models.ActionType, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := completionKey{target: target, typ: typ}
	if prev, ok := h.last[k]; ok && prev.After(at) {
		return
	}
	h.last[k] = at
}

// Recent returns the completions on target still inside the retention window.
func (h *History) Recent(target string, now time.Time) []policy.Completion {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []policy.Completion
	for k, at := range h.last {
		if k.target != target {
			continue
		}
		if h.retention > 0 && now.Sub(at) > h.retention {
			continue
		}
		out = append(out, policy.Completion{Target: k.target, Type: k.typ, CompletedAt: at})
	}
	return out
}

// Seed replays the successful attempts of an incident targeting target,
// typically from persisted state at startup.
func (h *History) Seed(target string, attempts []models.RemediationAttempt) {
	for _, a := range attempts {
		if a.Status == models.AttemptSuccess && a.CompletedAt != nil {
			h.Remember(target, a.Action, *a.CompletedAt)
		}
	}
}
