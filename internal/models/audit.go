package models

import "time"

// Actor identifies who caused an audited event.
type Actor string

const (
	ActorSystem  Actor = "system"
	ActorHuman   Actor = "human"
	ActorGateway Actor = "gateway"
)

// AuditResult is the outcome recorded for an audited event.
type AuditResult string

const (
	AuditSuccess AuditResult = "success"
	AuditFailure AuditResult = "failure"
)

// AuditLogEntry is an immutable record of a state transition or decision.
type AuditLogEntry struct {
	ID        string            `json:"id"`
	Sequence  int64             `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	Actor     Actor             `json:"actor"`
	ActorID   string            `json:"actorId,omitempty"`
	Action    string            `json:"action"`
	Target    string            `json:"target"`
	Details   string            `json:"details,omitempty"`
	Result    AuditResult       `json:"result"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clone copies the metadata map so readers cannot mutate the log.
func (e AuditLogEntry) Clone() AuditLogEntry {
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}

// AuditFilter narrows audit queries. Zero values match everything.
type AuditFilter struct {
	Since  time.Time
	Until  time.Time
	Actor  Actor
	Action string
	Target string
	Result AuditResult
	Limit  int
}

// Matches reports whether entry satisfies the filter.
func (f AuditFilter) Matches(entry AuditLogEntry) bool {
	if !f.Since.IsZero() && entry.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.Timestamp.After(f.Until) {
		return false
	}
	if f.Actor != "" && entry.Actor != f.Actor {
		return false
	}
	if f.Action != "" && entry.Action != f.Action {
		return false
	}
	if f.Target != "" && entry.Target != f.Target {
		return false
	}
	if f.Result != "" && entry.Result != f.Result {
		return false
	}
	return true
}
