package models

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSignalJSONKeepsPayloadKind(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in := []Signal{
		{ID: "m1", Timestamp: ts, Namespace: "shop", Service: "checkout", Payload: MetricPayload{Value: 0.93, Threshold: 0.8, Trend: "up"}},
		{ID: "l1", Timestamp: ts, Namespace: "shop", Service: "checkout", Payload: LogPayload{Message: "OOMKilled", Level: "error", Count: 12}},
		{ID: "e1", Timestamp: ts, Namespace: "shop", Service: "checkout", Payload: EventPayload{EventType: "Warning", Reason: "BackOff"}},
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), `"kind":"log"`) {
		t.Fatalf("expected kind discriminator in %s", data)
	}

	var out []Signal
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := out[0].Payload.(MetricPayload); !ok {
		t.Fatalf("expected metric payload, got %T", out[0].Payload)
	}
	if p, ok := out[1].Payload.(LogPayload); !ok || p.Count != 12 {
		t.Fatalf("unexpected log payload %#v", out[1].Payload)
	}
	if p, ok := out[2].Payload.(EventPayload); !ok || p.Reason != "BackOff" {
		t.Fatalf("unexpected event payload %#v", out[2].Payload)
	}
}

func TestSignalUnknownKindRejected(t *testing.T) {
	var s Signal
	err := json.Unmarshal([]byte(`{"id":"x","kind":"trace","payload":{}}`), &s)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSignalValidate(t *testing.T) {
	ok := Signal{ID: "a", Timestamp: time.Now(), Namespace: "ns", Service: "svc", Payload: LogPayload{Count: 1}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missing := ok
	missing.Payload = nil
	if err := missing.Validate(); err == nil {
		t.Fatalf("expected error for missing payload")
	}

	noService := ok
	noService.Service = ""
	if err := noService.Validate(); err == nil {
		t.Fatalf("expected error for missing service")
	}
}

func TestRootCauseConfidenceIgnoresOrdering(t *testing.T) {
	rca := RootCauseAnalysis{SuspectedCauses: []SuspectedCause{
		{Cause: "disk pressure", Confidence: 0.3},
		{Cause: "memory leak", Confidence: 0.8},
	}}
	if got := rca.Confidence(); got != 0.8 {
		t.Fatalf("expected 0.8, got %v", got)
	}
	top, _ := rca.TopCause()
	if top.Cause != "memory leak" {
		t.Fatalf("unexpected top cause %q", top.Cause)
	}
}
