package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

func incidentWithCause(cause string, severity models.Severity) *models.Incident {
	return &models.Incident{
		ID:           "inc-1",
		Service:      "checkout",
		Target:       "checkout",
		Severity:     severity,
		AffectedPods: []string{"checkout-7d9f8b6c4-x2x9q", "checkout-7d9f8b6c4-p8k2m"},
		RCA: &models.RootCauseAnalysis{
			SuspectedCauses: []models.SuspectedCause{
				{Cause: "noisy neighbour", Confidence: 0.2},
				{Cause: cause, Confidence: 0.9},
			},
		},
	}
}

func TestProposerRuleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(`rules:
  - id: checkout-cpu
    match:
      service: "checkout"
      cause_contains: ["cpu"]
    action:
      type: scale_deployment
      risk: low
      parameters:
        replicas: "6"
`), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}

	p, err := NewProposer(path, nil)
	if err != nil {
		t.Fatalf("new proposer: %v", err)
	}
	action, ok := p.Propose(incidentWithCause("CPU throttling", models.SeverityHigh))
	if !ok {
		t.Fatalf("expected a proposal")
	}
	if action.Type != models.ActionScaleDeployment || action.RiskLevel != models.RiskLow || action.Parameters["replicas"] != "6" {
		t.Fatalf("unexpected action: %+v", action)
	}
}

func TestProposerRejectsUnknownActionType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - id: x\n    action:\n      type: reboot_node\n"), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	if _, err := NewProposer(path, nil); err == nil {
		t.Fatalf("expected error for unknown action type")
	}
}

func TestProposerMissingFileUsesDefaults(t *testing.T) {
	p, err := NewProposer("non-existent.yaml", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	action, ok := p.Propose(incidentWithCause("pod stuck in CrashLoopBackOff", models.SeverityMedium))
	if !ok || action.Type != models.ActionDeletePod {
		t.Fatalf("expected delete_pod from default rules, got %+v", action)
	}
	if action.Target != "checkout-7d9f8b6c4-x2x9q" {
		t.Fatalf("delete_pod should target the first affected pod, got %s", action.Target)
	}
}

func TestProposerRaisesRiskForCritical(t *testing.T) {
	p, _ := NewProposer("", nil)
	action, ok := p.Propose(incidentWithCause("OOMKilled containers", models.SeverityCritical))
	if !ok {
		t.Fatalf("expected a proposal")
	}
	if action.Type != models.ActionRolloutRestart || action.RiskLevel != models.RiskHigh {
		t.Fatalf("expected high-risk restart, got %s %s", action.Type, action.RiskLevel)
	}
}

func TestProposerFallsBackToRecommendedActions(t *testing.T) {
	p, _ := NewProposer("", nil)
	inc := incidentWithCause("unexplained", models.SeverityLow)
	inc.RCA.RecommendedActions = []string{"Page the owning team", "Scale the deployment out"}

	action, ok := p.Propose(inc)
	if !ok || action.Type != models.ActionScaleDeployment {
		t.Fatalf("expected scale from recommendations, got %+v", action)
	}
	if action.Parameters["replicas"] != "3" {
		t.Fatalf("expected replicas derived from affected pods, got %q", action.Parameters["replicas"])
	}
}

func TestProposerNoMatch(t *testing.T) {
	p, _ := NewProposer("", nil)
	if _, ok := p.Propose(incidentWithCause("unexplained", models.SeverityLow)); ok {
		t.Fatalf("expected no proposal")
	}
	if _, ok := p.Propose(&models.Incident{ID: "no-rca"}); ok {
		t.Fatalf("expected no proposal without rca")
	}
}
