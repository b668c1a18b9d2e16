package models

import "time"

// IssueStatus is a state of the operator-facing remediation tracker.
type IssueStatus string

const (
	IssueOpen           IssueStatus = "open"
	IssueFixing         IssueStatus = "fixing"
	IssueResolved       IssueStatus = "resolved"
	IssueNeedsAttention IssueStatus = "needs_attention"
)

// Issue binds one incident, by id, to a human-tracked remediation history.
type Issue struct {
	ID                  string               `json:"id"`
	IncidentID          string               `json:"incidentId"`
	Status              IssueStatus          `json:"status"`
	Attempts            []RemediationAttempt `json:"attempts"`
	Verified            bool                 `json:"verified"`
	VerificationMessage string               `json:"verificationMessage,omitempty"`
	VerifyDeadline      *time.Time           `json:"verifyDeadline,omitempty"`
	CreatedBy           string               `json:"createdBy,omitempty"`
	CreatedAt           time.Time            `json:"createdAt"`
	UpdatedAt           time.Time            `json:"updatedAt"`
	Version             int64                `json:"version"`
}

// Clone returns a deep copy.
func (i *Issue) Clone() *Issue {
	if i == nil {
		return nil
	}
	out := *i
	out.Attempts = append([]RemediationAttempt(nil), i.Attempts...)
	out.VerifyDeadline = cloneTime(i.VerifyDeadline)
	return &out
}

// IssueFilter narrows issue listings.
type IssueFilter struct {
	Status     IssueStatus
	IncidentID string
	Limit      int
}

// Matches reports whether the issue satisfies the filter.
func (f IssueFilter) Matches(issue *Issue) bool {
	if f.Status != "" && issue.Status != f.Status {
		return false
	}
	if f.IncidentID != "" && issue.IncidentID != f.IncidentID {
		return false
	}
	return true
}
