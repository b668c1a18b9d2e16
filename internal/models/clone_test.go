package models

import (
	"testing"
	"time"
)

func TestRootCauseAnalysisCloneIsDeep(t *testing.T) {
	orig := RootCauseAnalysis{
		Summary:            "oom",
		SuspectedCauses:    []SuspectedCause{{Cause: "leak", Confidence: 0.8, Evidence: []string{"heap"}}},
		RecommendedActions: []string{"restart"},
	}
	cp := orig.Clone()
	cp.SuspectedCauses[0].Evidence[0] = "changed"
	cp.SuspectedCauses[0].Cause = "changed"
	cp.RecommendedActions[0] = "changed"

	if orig.SuspectedCauses[0].Evidence[0] != "heap" || orig.SuspectedCauses[0].Cause != "leak" {
		t.Fatalf("cause mutated through clone: %+v", orig.SuspectedCauses[0])
	}
	if orig.RecommendedActions[0] != "restart" {
		t.Fatalf("recommended actions mutated through clone")
	}
}

func TestRemediationActionCloneIsDeep(t *testing.T) {
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	orig := RemediationAction{Parameters: map[string]string{"replicas": "3"}, ApprovedAt: &at}
	cp := orig.Clone()
	cp.Parameters["replicas"] = "0"
	*cp.ApprovedAt = at.Add(time.Hour)

	if orig.Parameters["replicas"] != "3" {
		t.Fatalf("parameters mutated through clone")
	}
	if !orig.ApprovedAt.Equal(at) {
		t.Fatalf("approval time mutated through clone")
	}
}
