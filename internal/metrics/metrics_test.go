package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register should tolerate duplicates: %v", err)
	}
}

func TestObserveAttemptNormalisesOutcome(t *testing.T) {
	before := testutil.ToFloat64(attemptsTotal.WithLabelValues("delete_pod", OutcomeSuccess))
	ObserveAttempt("delete_pod", -time.Second, "weird")
	after := testutil.ToFloat64(attemptsTotal.WithLabelValues("delete_pod", OutcomeSuccess))
	if after != before+1 {
		t.Fatalf("expected unknown outcome to count as success, got %v -> %v", before, after)
	}
}

func TestExecutionGauge(t *testing.T) {
	done := ExecutionStarted()
	if got := testutil.ToFloat64(executionsInFlight); got < 1 {
		t.Fatalf("expected gauge >= 1, got %v", got)
	}
	done()
}
