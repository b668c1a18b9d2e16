package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// Proposer turns an incident's RCA into a single remediation action using an
// ordered rule pack.
type Proposer struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule maps RCA evidence to an action. The first matching rule wins.
type Rule struct {
	ID     string     `yaml:"id"`
	Match  RuleMatch  `yaml:"match"`
	Action RuleAction `yaml:"action"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	Service       string   `yaml:"service"`
	Severity      string   `yaml:"severity"`
	CauseContains []string `yaml:"cause_contains"`
}

// RuleAction is the action a matching rule proposes.
type RuleAction struct {
	Type         string            `yaml:"type"`
	Risk         string            `yaml:"risk"`
	Parameters   map[string]string `yaml:"parameters"`
	RollbackPlan string            `yaml:"rollback"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules is used when no rule file is configured.
var DefaultRules = []Rule{
	{ID: "oom", Match: RuleMatch{CauseContains: []string{"oom", "out of memory", "memory leak"}},
		Action: RuleAction{Type: string(models.ActionRolloutRestart), Risk: string(models.RiskMedium), RollbackPlan: "roll back to the previous replicaset"}},
	{ID: "crashloop", Match: RuleMatch{CauseContains: []string{"crashloop", "backoff", "stuck pod"}},
		Action: RuleAction{Type: string(models.ActionDeletePod), Risk: string(models.RiskLow), RollbackPlan: "the replicaset recreates the pod"}},
	{ID: "disk", Match: RuleMatch{CauseContains: []string{"disk full", "disk pressure", "log volume"}},
		Action: RuleAction{Type: string(models.ActionCleanupLogs), Risk: string(models.RiskLow)}},
	{ID: "saturation", Match: RuleMatch{CauseContains: []string{"cpu", "saturation", "traffic spike", "latency"}},
		Action: RuleAction{Type: string(models.ActionScaleDeployment), Risk: string(models.RiskMedium), RollbackPlan: "scale back to the previous replica count"}},
}

// NewProposer loads rules from path. An empty path or a missing file falls
// back to DefaultRules.
func NewProposer(path string, logger *slog.Logger) (*Proposer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &Proposer{rules: DefaultRules, logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("proposal rules not found, using defaults", slog.String("path", path))
			return &Proposer{rules: DefaultRules, logger: logger}, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse proposal rules: %w", err)
	}
	for _, r := range cfg.Rules {
		if _, err := models.ParseActionType(r.Action.Type); err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		if r.Action.Risk != "" && !models.RiskLevel(r.Action.Risk).Valid() {
			return nil, fmt.Errorf("rule %q: unknown risk %q", r.ID, r.Action.Risk)
		}
	}
	return &Proposer{rules: cfg.Rules, logger: logger}, nil
}

// Propose derives an action for inc. It reports false when neither a rule nor
// the RCA's recommended actions name a supported action.
func (p *Proposer) Propose(inc *models.Incident) (models.RemediationAction, bool) {
	if inc.RCA == nil {
		return models.RemediationAction{}, false
	}
	evidence := evidenceText(inc.RCA)

	for _, rule := range p.rules {
		if rule.Match.Service != "" && !strings.EqualFold(rule.Match.Service, inc.Service) {
			continue
		}
		if rule.Match.Severity != "" && !strings.EqualFold(rule.Match.Severity, string(inc.Severity)) {
			continue
		}
		if len(rule.Match.CauseContains) > 0 && !containsAny(evidence, rule.Match.CauseContains) {
			continue
		}
		risk := models.RiskLevel(rule.Action.Risk)
		if risk == "" {
			risk = defaultRisk(models.ActionType(rule.Action.Type))
		}
		action := p.build(inc, models.ActionType(rule.Action.Type), risk, rule.Action.Parameters)
		action.RollbackPlan = rule.Action.RollbackPlan
		action.Description = fmt.Sprintf("rule %s matched RCA", rule.ID)
		return action, true
	}

	for _, rec := range inc.RCA.RecommendedActions {
		if t, ok := parseRecommendation(rec); ok {
			action := p.build(inc, t, defaultRisk(t), nil)
			action.Description = rec
			return action, true
		}
	}
	p.logger.Debug("no remediation rule matched", slog.String("incident_id", inc.ID))
	return models.RemediationAction{}, false
}

func (p *Proposer) build(inc *models.Incident, t models.ActionType, risk models.RiskLevel, params map[string]string) models.RemediationAction {
	// Critical incidents carry at least one level more risk than the rule says.
	if inc.Severity == models.SeverityCritical {
		risk = risk.Raise()
	}
	action := models.RemediationAction{
		Type:       t,
		Target:     inc.Target,
		RiskLevel:  risk,
		Parameters: map[string]string{},
	}
	for k, v := range params {
		action.Parameters[k] = v
	}
	switch t {
	case models.ActionDeletePod:
		if len(inc.AffectedPods) > 0 {
			action.Target = inc.AffectedPods[0]
		}
	case models.ActionScaleDeployment:
		if _, ok := action.Parameters["replicas"]; !ok {
			action.Parameters["replicas"] = strconv.Itoa(max(len(inc.AffectedPods), 1) + 1)
		}
	}
	return action
}

// defaultRisk follows the safe/approval split: pod deletion and log cleanup
// are low risk, deployment-wide changes medium.
func defaultRisk(t models.ActionType) models.RiskLevel {
	switch t {
	case models.ActionDeletePod, models.ActionCleanupLogs:
		return models.RiskLow
	case models.ActionRolloutRestart, models.ActionScaleDeployment:
		return models.RiskMedium
	}
	return models.RiskHigh
}

var recommendationAliases = []struct {
	keyword string
	action  models.ActionType
}{
	{"rollout_restart", models.ActionRolloutRestart},
	{"rollout restart", models.ActionRolloutRestart},
	{"restart", models.ActionRolloutRestart},
	{"scale_deployment", models.ActionScaleDeployment},
	{"scale", models.ActionScaleDeployment},
	{"delete_pod", models.ActionDeletePod},
	{"delete pod", models.ActionDeletePod},
	{"cleanup_logs", models.ActionCleanupLogs},
	{"clean up logs", models.ActionCleanupLogs},
}

func parseRecommendation(rec string) (models.ActionType, bool) {
	lower := strings.ToLower(rec)
	for _, alias := range recommendationAliases {
		if strings.Contains(lower, alias.keyword) {
			return alias.action, true
		}
	}
	return "", false
}

func evidenceText(rca *models.RootCauseAnalysis) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(rca.Summary))
	if top, ok := rca.TopCause(); ok {
		b.WriteString(" ")
		b.WriteString(strings.ToLower(top.Cause))
		for _, e := range top.Evidence {
			b.WriteString(" ")
			b.WriteString(strings.ToLower(e))
		}
	}
	return b.String()
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
