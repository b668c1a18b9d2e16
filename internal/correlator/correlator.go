package correlator

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// kindWeights rates independent evidence by signal kind.
var kindWeights = map[models.SignalKind]float64{
	models.SignalKindMetric: 1.0,
	models.SignalKindLog:    1.0,
	models.SignalKindEvent:  1.2,
}

const totalKindWeight = 3.2

// Config is the immutable correlation configuration.
type Config struct {
	Window     time.Duration
	MinSignals int
}

// OpenIncidents resolves the open, non-terminal incident for a dedup key.
type OpenIncidents interface {
	FindOpen(key models.IncidentKey) (string, bool)
}

// Correlator groups raw signals into incident drafts.
type Correlator struct {
	cfg    Config
	logger *slog.Logger
}

// New validates cfg and returns a Correlator.
func New(cfg Config, logger *slog.Logger) (*Correlator, error) {
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("correlation window must be positive")
	}
	if cfg.MinSignals < 1 {
		return nil, fmt.Errorf("minimum signal count must be at least 1")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Correlator{cfg: cfg, logger: logger}, nil
}

type group struct {
	namespace string
	service   string
	signals   []models.Signal
}

// Correlate turns a batch of signals into drafts. It never fails: malformed
// signals are dropped and logged, and groups without enough evidence are skipped.
func (c *Correlator) Correlate(signals []models.Signal, open OpenIncidents, now time.Time) []models.IncidentDraft {
	windowStart := now.Add(-c.cfg.Window)
	groups := make(map[string]*group)
	order := make([]string, 0)
	seen := make(map[string]struct{}, len(signals))

	for _, sig := range signals {
		if err := sig.Validate(); err != nil {
			c.logger.Warn("dropping malformed signal", slog.String("signal_id", sig.ID), slog.Any("error", err))
			continue
		}
		if sig.Timestamp.After(now.Add(c.cfg.Window)) {
			c.logger.Warn("dropping signal from the future", slog.String("signal_id", sig.ID), slog.Time("timestamp", sig.Timestamp))
			continue
		}
		if sig.Timestamp.Before(windowStart) {
			c.logger.Debug("signal outside correlation window", slog.String("signal_id", sig.ID))
			continue
		}
		if _, dup := seen[sig.ID]; dup {
			continue
		}
		seen[sig.ID] = struct{}{}

		key := sig.Namespace + "/" + sig.Service
		g, ok := groups[key]
		if !ok {
			g = &group{namespace: sig.Namespace, service: sig.Service}
			groups[key] = g
			order = append(order, key)
		}
		g.signals = append(g.signals, sig)
	}

	drafts := make([]models.IncidentDraft, 0, len(order))
	for _, key := range order {
		g := groups[key]
		sort.SliceStable(g.signals, func(i, j int) bool {
			return g.signals[i].Timestamp.Before(g.signals[j].Timestamp)
		})

		target := modalTarget(g.signals)
		incidentKey := models.IncidentKey{Namespace: g.namespace, Service: g.service, Target: target}

		var mergeInto string
		if open != nil {
			if id, ok := open.FindOpen(incidentKey); ok {
				mergeInto = id
			}
		}

		if mergeInto == "" && len(g.signals) < c.cfg.MinSignals && !hasCritical(g.signals) {
			c.logger.Debug("insufficient evidence for incident",
				slog.String("namespace", g.namespace),
				slog.String("service", g.service),
				slog.Int("signals", len(g.signals)),
			)
			continue
		}

		drafts = append(drafts, models.IncidentDraft{
			MergeInto:        mergeInto,
			Key:              incidentKey,
			Title:            title(g, target),
			Severity:         severity(g.signals),
			CorrelationScore: c.score(g.signals, target),
			AffectedPods:     affectedPods(g.signals),
			Signals:          g.signals,
			Tags:             tags(g.signals),
		})
	}
	return drafts
}

// score combines temporal proximity, target agreement and evidence diversity.
func (c *Correlator) score(signals []models.Signal, target string) float64 {
	if len(signals) == 0 {
		return 0
	}
	spread := signals[len(signals)-1].Timestamp.Sub(signals[0].Timestamp)
	temporal := 1 - float64(spread)/float64(c.cfg.Window)

	agree := 0
	for _, s := range signals {
		if s.Target == target {
			agree++
		}
	}
	agreement := float64(agree) / float64(len(signals))

	kinds := make(map[models.SignalKind]struct{})
	for _, s := range signals {
		kinds[s.Kind()] = struct{}{}
	}
	coverage := 0.0
	for k := range kinds {
		coverage += kindWeights[k]
	}
	coverage /= totalKindWeight

	return clamp(0.4*clamp(temporal) + 0.3*agreement + 0.3*clamp(coverage))
}

func modalTarget(signals []models.Signal) string {
	counts := make(map[string]int)
	for _, s := range signals {
		if s.Target != "" {
			counts[s.Target]++
		}
	}
	best, bestCount := "", 0
	for target, n := range counts {
		if n > bestCount || (n == bestCount && target < best) {
			best, bestCount = target, n
		}
	}
	return best
}

func hasCritical(signals []models.Signal) bool {
	for _, s := range signals {
		if s.Severity == models.SignalSeverityCritical {
			return true
		}
	}
	return false
}

func severity(signals []models.Signal) models.Severity {
	warnings := 0
	for _, s := range signals {
		switch s.Severity {
		case models.SignalSeverityCritical:
			return models.SeverityCritical
		case models.SignalSeverityWarning:
			warnings++
		}
	}
	switch {
	case warnings >= 3:
		return models.SeverityHigh
	case warnings > 0:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func affectedPods(signals []models.Signal) []string {
	pods := make([]string, 0)
	seen := make(map[string]struct{})
	for _, s := range signals {
		name, ok := strings.CutPrefix(s.Source, "pod/")
		if !ok || name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		pods = append(pods, name)
	}
	return pods
}

func tags(signals []models.Signal) []string {
	set := make(map[string]struct{})
	for _, s := range signals {
		switch p := s.Payload.(type) {
		case models.MetricPayload:
			set["metric"] = struct{}{}
		case models.LogPayload:
			set["log"] = struct{}{}
			if p.Level != "" {
				set["log:"+strings.ToLower(p.Level)] = struct{}{}
			}
		case models.EventPayload:
			set["event"] = struct{}{}
			if p.Reason != "" {
				set["reason:"+p.Reason] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func title(g *group, target string) string {
	subject := g.service
	if target != "" {
		subject = target
	}
	lead := describe(g.signals[len(g.signals)-1])
	return fmt.Sprintf("%s/%s: %s", g.namespace, subject, lead)
}

func describe(s models.Signal) string {
	switch p := s.Payload.(type) {
	case models.MetricPayload:
		if p.Query != "" {
			return fmt.Sprintf("%s at %.2f (threshold %.2f)", p.Query, p.Value, p.Threshold)
		}
		return fmt.Sprintf("metric at %.2f (threshold %.2f)", p.Value, p.Threshold)
	case models.LogPayload:
		return fmt.Sprintf("%d %s log lines: %s", p.Count, p.Level, p.Message)
	case models.EventPayload:
		return fmt.Sprintf("%s event %s", p.EventType, p.Reason)
	default:
		return "unclassified signal"
	}
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
