package models

import (
	"fmt"
	"time"
)

// ActionType is the closed vocabulary of remediations the executor understands.
type ActionType string

const (
	ActionRolloutRestart  ActionType = "rollout_restart"
	ActionScaleDeployment ActionType = "scale_deployment"
	ActionDeletePod       ActionType = "delete_pod"
	ActionCleanupLogs     ActionType = "cleanup_logs"
)

// ActionTypes lists every supported action type.
var ActionTypes = []ActionType{ActionRolloutRestart, ActionScaleDeployment, ActionDeletePod, ActionCleanupLogs}

// ParseActionType validates a raw action type string.
func ParseActionType(raw string) (ActionType, error) {
	for _, t := range ActionTypes {
		if string(t) == raw {
			return t, nil
		}
	}
	return "", &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown action type %q", raw)}
}

// RiskLevel orders action risk.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank returns an ordinal for comparisons; unknown levels rank above high.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	}
	return 3
}

// Valid reports whether r is a known level.
func (r RiskLevel) Valid() bool { return r.Rank() < 3 }

// Raise returns the next level up, saturating at high.
func (r RiskLevel) Raise() RiskLevel {
	switch r {
	case RiskLow:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// ActionStatus is the lifecycle of a RemediationAction.
type ActionStatus string

const (
	ActionPending   ActionStatus = "pending"
	ActionApproved  ActionStatus = "approved"
	ActionRejected  ActionStatus = "rejected"
	ActionExecuting ActionStatus = "executing"
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// RemediationAction is a typed, parameterised proposal to fix an incident.
type RemediationAction struct {
	ID               string            `json:"id"`
	Type             ActionType        `json:"type"`
	Target           string            `json:"target"`
	Parameters       map[string]string `json:"parameters,omitempty"`
	RiskLevel        RiskLevel         `json:"riskLevel"`
	RequiresApproval bool              `json:"requiresApproval"`
	BlastRadius      string            `json:"blastRadius,omitempty"`
	RollbackPlan     string            `json:"rollbackPlan,omitempty"`
	Description      string            `json:"description,omitempty"`
	Status           ActionStatus      `json:"status"`
	ApprovedBy       string            `json:"approvedBy,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	ApprovedAt       *time.Time        `json:"approvedAt,omitempty"`
	ExecutedAt       *time.Time        `json:"executedAt,omitempty"`
	CompletedAt      *time.Time        `json:"completedAt,omitempty"`
}

// Validate checks the fields a proposer is responsible for.
func (a RemediationAction) Validate() error {
	if _, err := ParseActionType(string(a.Type)); err != nil {
		return err
	}
	if a.Target == "" {
		return &ValidationError{Field: "target", Reason: "required"}
	}
	if !a.RiskLevel.Valid() {
		return &ValidationError{Field: "riskLevel", Reason: fmt.Sprintf("unknown risk level %q", a.RiskLevel)}
	}
	return nil
}

// Clone returns a deep copy of the action.
func (a RemediationAction) Clone() RemediationAction {
	out := a
	if a.Parameters != nil {
		out.Parameters = make(map[string]string, len(a.Parameters))
		for k, v := range a.Parameters {
			out.Parameters[k] = v
		}
	}
	out.ApprovedAt = cloneTime(a.ApprovedAt)
	out.ExecutedAt = cloneTime(a.ExecutedAt)
	out.CompletedAt = cloneTime(a.CompletedAt)
	return out
}

// AttemptStatus is the lifecycle of a single execution try.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptExecuting AttemptStatus = "executing"
	AttemptSuccess   AttemptStatus = "success"
	AttemptFailed    AttemptStatus = "failed"
)

// RemediationAttempt is one execution try. Attempts are appended, never rewritten
// once they reach success or failed.
type RemediationAttempt struct {
	ID             string        `json:"id"`
	Sequence       int           `json:"sequence"`
	Action         ActionType    `json:"action"`
	Target         string        `json:"target"`
	Status         AttemptStatus `json:"status"`
	IdempotencyKey string        `json:"idempotencyKey"`
	ExecutedAt     *time.Time    `json:"executedAt,omitempty"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty"`
	Result         string        `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Finished reports whether the attempt reached a final status.
func (a RemediationAttempt) Finished() bool {
	return a.Status == AttemptSuccess || a.Status == AttemptFailed
}

// CommandResult is the synchronous answer to every operator command.
type CommandResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	// ID names the incident or issue the command acted on.
	ID string `json:"id,omitempty"`
}

// Ok builds a successful CommandResult.
func Ok(format string, args ...any) CommandResult {
	return CommandResult{Success: true, Message: fmt.Sprintf(format, args...)}
}

// WithID returns r naming the affected entity.
func (r CommandResult) WithID(id string) CommandResult {
	r.ID = id
	return r
}

// Failed builds a failed CommandResult from an error.
func Failed(err error) CommandResult {
	return CommandResult{Success: false, Message: err.Error()}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr returns a pointer to t.
func TimePtr(t time.Time) *time.Time { return &t }
