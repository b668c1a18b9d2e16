package policy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Decision is the outcome of a policy evaluation.
type Decision string

const (
	AutoApprove     Decision = "auto_approve"
	RequireApproval Decision = "require_approval"
	Deny            Decision = "deny"
)

// Rule names reported in Results.
const (
	RuleAllowlist   = "allowlist"
	RuleBlastRadius = "blast_radius"
	RuleCooldown    = "cooldown"
	RuleRisk        = "risk_threshold"
	RuleDefault     = "default"
)

// Completion is a successful execution the cooldown rule checks against.
type Completion struct {
	Target      string
	Type        models.ActionType
	CompletedAt time.Time
}

// IncidentContext is everything about the incident the gate may look at.
type IncidentContext struct {
	IncidentID        string
	Namespace         string
	Target            string
	Severity          models.Severity
	AffectedPods      int
	RecentCompletions []Completion
	Now               time.Time
}

// Result carries the decision and the rule that produced it.
type Result struct {
	Decision    Decision
	Rule        string
	Reason      string
	BlastRadius int
}

// Evaluate applies the policy rules in order; the first match wins. It has no
// hidden state: identical inputs always produce the identical Result.
func Evaluate(action models.RemediationAction, ictx IncidentContext, cfg *Config) Result {
	radius := EstimateBlastRadius(action, ictx.AffectedPods)

	if !cfg.Allows(ictx.Namespace, action.Type) {
		return Result{
			Decision:    Deny,
			Rule:        RuleAllowlist,
			Reason:      fmt.Sprintf("action %s is not allowed in namespace %s", action.Type, ictx.Namespace),
			BlastRadius: radius,
		}
	}

	if radius > cfg.MaxPodsAffected {
		return Result{
			Decision:    Deny,
			Rule:        RuleBlastRadius,
			Reason:      fmt.Sprintf("blast radius %d pods exceeds limit %d", radius, cfg.MaxPodsAffected),
			BlastRadius: radius,
		}
	}

	for _, c := range ictx.RecentCompletions {
		if c.Target != ictx.Target || c.Type != action.Type {
			continue
		}
		if age := ictx.Now.Sub(c.CompletedAt); age >= 0 && age < cfg.Cooldown {
			return Result{
				Decision:    Deny,
				Rule:        RuleCooldown,
				Reason:      fmt.Sprintf("%s on %s completed %s ago, cooldown is %s", action.Type, ictx.Target, age.Round(time.Second), cfg.Cooldown),
				BlastRadius: radius,
			}
		}
	}

	for _, rule := range cfg.compiled {
		matched, err := rule.match(action, ictx, radius)
		if err != nil {
			// A broken custom rule fails closed.
			return Result{
				Decision:    Deny,
				Rule:        rule.name,
				Reason:      fmt.Sprintf("rule %s could not be evaluated: %v", rule.name, err),
				BlastRadius: radius,
			}
		}
		if matched {
			return Result{Decision: rule.decision, Rule: rule.name, Reason: rule.reason, BlastRadius: radius}
		}
	}

	if action.RiskLevel.Rank() >= cfg.RequireApprovalThreshold.Rank() {
		return Result{
			Decision:    RequireApproval,
			Rule:        RuleRisk,
			Reason:      fmt.Sprintf("risk %s meets approval threshold %s", action.RiskLevel, cfg.RequireApprovalThreshold),
			BlastRadius: radius,
		}
	}

	return Result{Decision: AutoApprove, Rule: RuleDefault, Reason: "within automatic remediation limits", BlastRadius: radius}
}

// EstimateBlastRadius returns the number of pods an action may disrupt.
func EstimateBlastRadius(action models.RemediationAction, affectedPods int) int {
	switch action.Type {
	case models.ActionDeletePod:
		return 1
	case models.ActionCleanupLogs:
		return 0
	case models.ActionRolloutRestart:
		if affectedPods < 1 {
			return 1
		}
		return affectedPods
	case models.ActionScaleDeployment:
		raw, ok := action.Parameters["replicas"]
		if !ok {
			return affectedPods
		}
		replicas, err := strconv.Atoi(raw)
		if err != nil {
			return affectedPods
		}
		diff := replicas - affectedPods
		if diff < 0 {
			diff = -diff
		}
		return diff
	default:
		return affectedPods
	}
}

// ContextFor builds the gate's view of inc. Affected pods fall back to one
// when the incident names none.
func ContextFor(inc *models.Incident, recent []Completion, now time.Time) IncidentContext {
	pods := len(inc.AffectedPods)
	if pods == 0 {
		pods = 1
	}
	return IncidentContext{
		IncidentID:        inc.ID,
		Namespace:         inc.Namespace,
		Target:            inc.Target,
		Severity:          inc.Severity,
		AffectedPods:      pods,
		RecentCompletions: recent,
		Now:               now,
	}
}
