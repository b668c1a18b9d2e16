package correlator

import (
	"testing"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

type openIndex map[models.IncidentKey]string

func (o openIndex) FindOpen(key models.IncidentKey) (string, bool) {
	id, ok := o[key]
	return id, ok
}

func newTestCorrelator(t *testing.T, minSignals int) *Correlator {
	t.Helper()
	c, err := New(Config{Window: 10 * time.Minute, MinSignals: minSignals}, nil)
	if err != nil {
		t.Fatalf("new correlator: %v", err)
	}
	return c
}

func sig(id string, ts time.Time, target string, payload models.Payload) models.Signal {
	return models.Signal{
		ID:        id,
		Timestamp: ts,
		Source:    "pod/" + target,
		Namespace: "shop",
		Service:   "checkout",
		Target:    target,
		Severity:  models.SignalSeverityWarning,
		Payload:   payload,
	}
}

func TestCorrelateGroupsByService(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCorrelator(t, 2)

	drafts := c.Correlate([]models.Signal{
		sig("m1", now.Add(-2*time.Minute), "checkout-7d9f-abc", models.MetricPayload{Value: 0.95, Threshold: 0.8}),
		sig("l1", now.Add(-time.Minute), "checkout-7d9f-abc", models.LogPayload{Message: "OOMKilled", Level: "error", Count: 4}),
		sig("e1", now, "checkout-7d9f-abc", models.EventPayload{EventType: "Warning", Reason: "BackOff"}),
	}, nil, now)

	if len(drafts) != 1 {
		t.Fatalf("expected one draft, got %d", len(drafts))
	}
	d := drafts[0]
	if d.Key.Target != "checkout-7d9f-abc" {
		t.Fatalf("unexpected target %q", d.Key.Target)
	}
	if d.Severity != models.SeverityHigh {
		t.Fatalf("expected high severity, got %s", d.Severity)
	}
	if d.CorrelationScore < 0.9 {
		t.Fatalf("expected strong correlation for aligned multi-kind evidence, got %.2f", d.CorrelationScore)
	}
	if len(d.AffectedPods) != 1 {
		t.Fatalf("expected one affected pod, got %v", d.AffectedPods)
	}
}

func TestCorrelateScorePrefersDiverseEvidence(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := newTestCorrelator(t, 2)

	metricsOnly := c.Correlate([]models.Signal{
		sig("m1", now, "api", models.MetricPayload{Value: 1}),
		sig("m2", now, "api", models.MetricPayload{Value: 2}),
	}, nil, now)
	mixed := c.Correlate([]models.Signal{
		sig("m1", now, "api", models.MetricPayload{Value: 1}),
		sig("e1", now, "api", models.EventPayload{Reason: "Unhealthy"}),
	}, nil, now)

	if len(metricsOnly) != 1 || len(mixed) != 1 {
		t.Fatalf("expected drafts for both batches")
	}
	if mixed[0].CorrelationScore <= metricsOnly[0].CorrelationScore {
		t.Fatalf("expected mixed evidence to score higher: %.2f <= %.2f", mixed[0].CorrelationScore, metricsOnly[0].CorrelationScore)
	}
}

func TestCorrelateDropsMalformedAndInsufficient(t *testing.T) {
	now := time.Now()
	c := newTestCorrelator(t, 2)

	bad := sig("", now, "api", models.MetricPayload{})
	noPayload := sig("x", now, "api", nil)
	stale := sig("old", now.Add(-time.Hour), "api", models.MetricPayload{})
	single := sig("one", now, "api", models.MetricPayload{})

	drafts := c.Correlate([]models.Signal{bad, noPayload, stale, single}, nil, now)
	if len(drafts) != 0 {
		t.Fatalf("expected no drafts, got %+v", drafts)
	}
}

func TestCorrelateCriticalSignalBypassesMinimum(t *testing.T) {
	now := time.Now()
	c := newTestCorrelator(t, 3)

	critical := sig("c1", now, "db-0", models.EventPayload{Reason: "NodeNotReady"})
	critical.Severity = models.SignalSeverityCritical

	drafts := c.Correlate([]models.Signal{critical}, nil, now)
	if len(drafts) != 1 || drafts[0].Severity != models.SeverityCritical {
		t.Fatalf("expected a critical draft, got %+v", drafts)
	}
}

func TestCorrelateMergesIntoOpenIncident(t *testing.T) {
	now := time.Now()
	c := newTestCorrelator(t, 5)
	open := openIndex{{Namespace: "shop", Service: "checkout", Target: "api"}: "inc-1"}

	drafts := c.Correlate([]models.Signal{sig("m9", now, "api", models.MetricPayload{Value: 3})}, open, now)
	if len(drafts) != 1 {
		t.Fatalf("expected merge draft, got %d", len(drafts))
	}
	if drafts[0].MergeInto != "inc-1" {
		t.Fatalf("expected merge into inc-1, got %q", drafts[0].MergeInto)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	if _, err := New(Config{Window: 0, MinSignals: 1}, nil); err == nil {
		t.Fatalf("expected error for zero window")
	}
	if _, err := New(Config{Window: time.Minute}, nil); err == nil {
		t.Fatalf("expected error for zero min signals")
	}
}
