package models

import "time"

// IncidentStatus is a state in the incident lifecycle.
type IncidentStatus string

const (
	IncidentDetected        IncidentStatus = "detected"
	IncidentAnalyzing       IncidentStatus = "analyzing"
	IncidentPendingApproval IncidentStatus = "pending_approval"
	IncidentRemediating     IncidentStatus = "remediating"
	IncidentResolved        IncidentStatus = "resolved"
	IncidentEscalated       IncidentStatus = "escalated"
	IncidentRejected        IncidentStatus = "rejected"
)

// Terminal reports whether no automatic transition may leave the status.
func (s IncidentStatus) Terminal() bool {
	switch s {
	case IncidentResolved, IncidentEscalated, IncidentRejected:
		return true
	}
	return false
}

// Severity captures impact levels.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Incident is the central aggregate tracked from detection to resolution.
type Incident struct {
	ID               string               `json:"id"`
	Title            string               `json:"title"`
	Description      string               `json:"description,omitempty"`
	Status           IncidentStatus       `json:"status"`
	Severity         Severity             `json:"severity"`
	Confidence       float64              `json:"confidence"`
	CorrelationScore float64              `json:"correlationScore"`
	Namespace        string               `json:"namespace"`
	Service          string               `json:"service"`
	Target           string               `json:"target"`
	AffectedPods     []string             `json:"affectedPods,omitempty"`
	Signals          []Signal             `json:"signals"`
	RCA              *RootCauseAnalysis   `json:"rca,omitempty"`
	Remediation      *RemediationAction   `json:"remediation,omitempty"`
	Attempts         []RemediationAttempt `json:"attempts,omitempty"`
	Tags             []string             `json:"tags,omitempty"`
	DetectedAt       time.Time            `json:"detectedAt"`
	UpdatedAt        time.Time            `json:"updatedAt"`
	ResolvedAt       *time.Time           `json:"resolvedAt,omitempty"`
	StatusChangedAt  time.Time            `json:"statusChangedAt"`
	VerifyDeadline   *time.Time           `json:"verifyDeadline,omitempty"`
	EscalationReason string               `json:"escalationReason,omitempty"`
	Version          int64                `json:"version"`
}

// Key is the dedup key used by the correlator.
func (i *Incident) Key() IncidentKey {
	return IncidentKey{Namespace: i.Namespace, Service: i.Service, Target: i.Target}
}

// Clone returns a deep copy safe to hand to readers.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	out.AffectedPods = append([]string(nil), i.AffectedPods...)
	out.Signals = append([]Signal(nil), i.Signals...)
	out.Tags = append([]string(nil), i.Tags...)
	out.Attempts = append([]RemediationAttempt(nil), i.Attempts...)
	if i.RCA != nil {
		rca := i.RCA.Clone()
		out.RCA = &rca
	}
	if i.Remediation != nil {
		action := i.Remediation.Clone()
		out.Remediation = &action
	}
	out.ResolvedAt = cloneTime(i.ResolvedAt)
	out.VerifyDeadline = cloneTime(i.VerifyDeadline)
	return &out
}

// IncidentKey identifies the resource an incident is about.
type IncidentKey struct {
	Namespace string
	Service   string
	Target    string
}

// IncidentDraft is produced by the correlator and turned into an Incident by the store.
type IncidentDraft struct {
	// MergeInto is set when the signals belong to an existing open incident.
	MergeInto        string
	Key              IncidentKey
	Title            string
	Severity         Severity
	CorrelationScore float64
	AffectedPods     []string
	Signals          []Signal
	Tags             []string
}

// SuspectedCause is one ranked explanation inside an RCA.
type SuspectedCause struct {
	Cause      string   `json:"cause"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// RCATimelineEvent is a chronological entry of the RCA timeline.
type RCATimelineEvent struct {
	Timestamp  time.Time  `json:"timestamp"`
	Event      string     `json:"event"`
	SignalType SignalKind `json:"signalType"`
}

// RootCauseAnalysis is the evidence bundle attached once to an incident.
type RootCauseAnalysis struct {
	Summary            string             `json:"summary"`
	SuspectedCauses    []SuspectedCause   `json:"suspectedCauses"`
	Timeline           []RCATimelineEvent `json:"timeline,omitempty"`
	RecommendedActions []string           `json:"recommendedActions,omitempty"`
	RollbackGuidance   string             `json:"rollbackGuidance,omitempty"`
	GeneratedAt        time.Time          `json:"generatedAt"`
}

// Confidence returns the highest cause confidence. Causes are not assumed to be sorted.
func (r RootCauseAnalysis) Confidence() float64 {
	best := 0.0
	for _, c := range r.SuspectedCauses {
		if c.Confidence > best {
			best = c.Confidence
		}
	}
	return best
}

// TopCause returns the cause with the highest confidence.
func (r RootCauseAnalysis) TopCause() (SuspectedCause, bool) {
	if len(r.SuspectedCauses) == 0 {
		return SuspectedCause{}, false
	}
	best := r.SuspectedCauses[0]
	for _, c := range r.SuspectedCauses[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, true
}

// Clone returns a deep copy of the analysis.
func (r RootCauseAnalysis) Clone() RootCauseAnalysis {
	out := r
	out.SuspectedCauses = make([]SuspectedCause, len(r.SuspectedCauses))
	for i, c := range r.SuspectedCauses {
		c.Evidence = append([]string(nil), c.Evidence...)
		out.SuspectedCauses[i] = c
	}
	out.Timeline = append([]RCATimelineEvent(nil), r.Timeline...)
	out.RecommendedActions = append([]string(nil), r.RecommendedActions...)
	return out
}

// IncidentFilter narrows List queries.
type IncidentFilter struct {
	Status    IncidentStatus
	Namespace string
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Matches reports whether the incident satisfies the filter.
func (f IncidentFilter) Matches(inc *Incident) bool {
	if f.Status != "" && inc.Status != f.Status {
		return false
	}
	if f.Namespace != "" && inc.Namespace != f.Namespace {
		return false
	}
	if !f.Since.IsZero() && inc.DetectedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && inc.DetectedAt.After(f.Until) {
		return false
	}
	return true
}
