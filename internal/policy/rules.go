package policy

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

type compiledRule struct {
	name     string
	decision Decision
	reason   string
	program  *vm.Program
}

func compileRule(spec RuleSpec) (compiledRule, error) {
	if spec.Name == "" {
		return compiledRule{}, fmt.Errorf("name is required")
	}
	switch spec.Decision {
	case Deny, RequireApproval:
	default:
		return compiledRule{}, fmt.Errorf("%s: decision must be %q or %q", spec.Name, Deny, RequireApproval)
	}

	program, err := expr.Compile(spec.When, expr.Env(sampleEnv()), expr.AsBool())
	if err != nil {
		return compiledRule{}, fmt.Errorf("%s: compile expression: %w", spec.Name, err)
	}

	reason := spec.Reason
	if reason == "" {
		reason = "matched rule " + spec.Name
	}
	return compiledRule{name: spec.Name, decision: spec.Decision, reason: reason, program: program}, nil
}

func (r compiledRule) match(action models.RemediationAction, ictx IncidentContext, radius int) (bool, error) {
	out, err := expr.Run(r.program, buildEnv(action, ictx, radius))
	if err != nil {
		return false, fmt.Errorf("evaluate expression: %w", err)
	}
	matched, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return bool: got %T", out)
	}
	return matched, nil
}

func sampleEnv() map[string]any {
	return map[string]any{
		"action": map[string]any{
			"type":       "",
			"target":     "",
			"risk":       "",
			"parameters": map[string]string{},
		},
		"incident": map[string]any{
			"namespace":    "",
			"target":       "",
			"severity":     "",
			"affectedPods": 0,
		},
		"blastRadius": 0,
	}
}

func buildEnv(action models.RemediationAction, ictx IncidentContext, radius int) map[string]any {
	params := action.Parameters
	if params == nil {
		params = map[string]string{}
	}
	return map[string]any{
		"action": map[string]any{
			"type":       string(action.Type),
			"target":     action.Target,
			"risk":       string(action.RiskLevel),
			"parameters": params,
		},
		"incident": map[string]any{
			"namespace":    ictx.Namespace,
			"target":       ictx.Target,
			"severity":     string(ictx.Severity),
			"affectedPods": ictx.AffectedPods,
		},
		"blastRadius": radius,
	}
}
