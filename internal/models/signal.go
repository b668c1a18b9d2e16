package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// SignalKind enumerates the observation categories a Signal can carry.
type SignalKind string

const (
	SignalKindMetric SignalKind = "metric"
	SignalKindLog    SignalKind = "log"
	SignalKindEvent  SignalKind = "event"
)

// SignalSeverity is the severity reported by the detector for a single signal.
type SignalSeverity string

const (
	SignalSeverityInfo     SignalSeverity = "info"
	SignalSeverityWarning  SignalSeverity = "warning"
	SignalSeverityCritical SignalSeverity = "critical"
)

// Payload is the type-specific body of a Signal. It is implemented only by
// MetricPayload, LogPayload and EventPayload.
type Payload interface {
	Kind() SignalKind
	isPayload()
}

// MetricPayload describes a metric sample that crossed a threshold.
type MetricPayload struct {
	Query     string  `json:"query,omitempty"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Trend     string  `json:"trend,omitempty"`
}

// LogPayload aggregates repeated log lines.
type LogPayload struct {
	Message string `json:"message"`
	Level   string `json:"level"`
	Count   int    `json:"count"`
}

// EventPayload mirrors a cluster event.
type EventPayload struct {
	EventType string `json:"eventType"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
}

func (MetricPayload) Kind() SignalKind { return SignalKindMetric }
func (LogPayload) Kind() SignalKind    { return SignalKindLog }
func (EventPayload) Kind() SignalKind  { return SignalKindEvent }

func (MetricPayload) isPayload() {}
func (LogPayload) isPayload()    {}
func (EventPayload) isPayload()  {}

// Signal is a single observed data point. Signals are immutable once captured.
type Signal struct {
	ID        string
	Timestamp time.Time
	Source    string
	Namespace string
	Service   string
	Target    string
	Severity  SignalSeverity
	Payload   Payload
}

// Kind returns the payload kind, or an empty kind when no payload is attached.
func (s Signal) Kind() SignalKind {
	if s.Payload == nil {
		return ""
	}
	return s.Payload.Kind()
}

// Validate reports whether the signal carries every field correlation depends on.
func (s Signal) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return &ValidationError{Field: "id", Reason: "required"}
	case s.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp", Reason: "required"}
	case strings.TrimSpace(s.Namespace) == "":
		return &ValidationError{Field: "namespace", Reason: "required"}
	case strings.TrimSpace(s.Service) == "":
		return &ValidationError{Field: "service", Reason: "required"}
	}

	switch p := s.Payload.(type) {
	case MetricPayload:
		return nil
	case LogPayload:
		if p.Count < 0 {
			return &ValidationError{Field: "payload.count", Reason: "must not be negative"}
		}
		return nil
	case EventPayload:
		if p.Reason == "" && p.EventType == "" {
			return &ValidationError{Field: "payload.reason", Reason: "event reason or type required"}
		}
		return nil
	case nil:
		return &ValidationError{Field: "payload", Reason: "required"}
	default:
		return &ValidationError{Field: "payload", Reason: fmt.Sprintf("unsupported payload %T", p)}
	}
}

type signalJSON struct {
	ID        string          `json:"id"`
	Kind      SignalKind      `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source,omitempty"`
	Namespace string          `json:"namespace"`
	Service   string          `json:"service"`
	Target    string          `json:"target,omitempty"`
	Severity  SignalSeverity  `json:"severity,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON encodes the payload under a kind discriminator.
func (s Signal) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if s.Payload != nil {
		data, err := json.Marshal(s.Payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(signalJSON{
		ID:        s.ID,
		Kind:      s.Kind(),
		Timestamp: s.Timestamp,
		Source:    s.Source,
		Namespace: s.Namespace,
		Service:   s.Service,
		Target:    s.Target,
		Severity:  s.Severity,
		Payload:   raw,
	})
}

// UnmarshalJSON decodes a signal, rejecting unknown kinds.
func (s *Signal) UnmarshalJSON(data []byte) error {
	var wire signalJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	var payload Payload
	switch wire.Kind {
	case SignalKindMetric:
		var p MetricPayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return err
		}
		payload = p
	case SignalKindLog:
		var p LogPayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return err
		}
		payload = p
	case SignalKindEvent:
		var p EventPayload
		if err := decodePayload(wire.Payload, &p); err != nil {
			return err
		}
		payload = p
	default:
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown signal kind %q", wire.Kind)}
	}

	*s = Signal{
		ID:        wire.ID,
		Timestamp: wire.Timestamp,
		Source:    wire.Source,
		Namespace: wire.Namespace,
		Service:   wire.Service,
		Target:    wire.Target,
		Severity:  wire.Severity,
		Payload:   payload,
	}
	return nil
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
