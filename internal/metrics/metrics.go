package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful executions and verifications.
	OutcomeSuccess = "success"
	// OutcomeError labels failed executions and verifications.
	OutcomeError = "error"
	// OutcomeTimeout labels verifications that never cleared.
	OutcomeTimeout = "timeout"
)

var (
	incidentTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediator",
			Name:      "incident_transitions_total",
			Help:      "Incident state transitions, partitioned by source and destination status.",
		},
		[]string{"from", "to"},
	)

	issueTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediator",
			Name:      "issue_transitions_total",
			Help:      "Issue state transitions, partitioned by destination status.",
		},
		[]string{"to"},
	)

	policyDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediator",
			Name:      "policy_decisions_total",
			Help:      "Policy gate decisions, partitioned by decision and matching rule.",
		},
		[]string{"decision", "rule"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediator",
			Name:      "remediation_attempts_total",
			Help:      "Remediation attempts handled by the executor, partitioned by action type and outcome.",
		},
		[]string{"action", "outcome"},
	)

	attemptDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_remediator",
			Name:      "remediation_attempt_seconds",
			Help:      "Backend latency of a single remediation attempt in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"action"},
	)

	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediator",
			Name:      "verifications_total",
			Help:      "Verification outcomes for remediated incidents and issues.",
		},
		[]string{"kind", "outcome"},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_remediator",
			Name:      "http_requests_total",
			Help:      "Operator HTTP requests, partitioned by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	httpRequestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mirador_remediator",
			Name:      "http_request_seconds",
			Help:      "Operator HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	executionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mirador_remediator",
			Name:      "executions_in_flight",
			Help:      "Remediations currently being executed.",
		},
	)
)

// Register attaches mirador-remediator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		incidentTransitionsTotal,
		issueTransitionsTotal,
		policyDecisionsTotal,
		attemptsTotal,
		attemptDurationSeconds,
		verificationsTotal,
		httpRequestsTotal,
		httpRequestSeconds,
		executionsInFlight,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveIncidentTransition counts an incident status change. An empty from
// marks creation.
func ObserveIncidentTransition(from, to string) {
	if from == "" {
		from = "none"
	}
	incidentTransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveIssueTransition counts an issue status change.
func ObserveIssueTransition(to string) {
	issueTransitionsTotal.WithLabelValues(to).Inc()
}

// ObservePolicyDecision counts a policy gate decision.
func ObservePolicyDecision(decision, rule string) {
	policyDecisionsTotal.WithLabelValues(decision, rule).Inc()
}

// ObserveAttempt records a finished attempt's latency and outcome label.
func ObserveAttempt(action string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	attemptsTotal.WithLabelValues(action, label).Inc()
	if duration < 0 {
		duration = 0
	}
	attemptDurationSeconds.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveVerification records a verification outcome for kind "incident" or "issue".
func ObserveVerification(kind, outcome string) {
	verificationsTotal.WithLabelValues(kind, outcome).Inc()
}

// ExecutionStarted increments the in-flight gauge; call the returned func when done.
func ExecutionStarted() func() {
	executionsInFlight.Inc()
	return executionsInFlight.Dec
}

// ObserveHTTPRequest records one operator HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
