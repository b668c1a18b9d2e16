package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestPolicyCheckShippedPolicy(t *testing.T) {
	out, err := execute(t, "policy", "check", filepath.Join("..", "..", "configs", "policy.yaml"),
		"--namespace", "shop", "--type", "scale_deployment", "--risk", "medium", "--replicas", "0")
	if err != nil {
		t.Fatalf("policy check: %v\n%s", err, out)
	}
	if !strings.Contains(out, "policy ok") || !strings.Contains(out, "rule=no-scale-to-zero") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestPolicyCheckRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("maxPodsAffected: 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := execute(t, "policy", "check", path); err == nil {
		t.Fatalf("expected invalid policy to fail")
	}
}

func TestRulesCheckShippedRules(t *testing.T) {
	out, err := execute(t, "rules", "check", filepath.Join("..", "..", "configs", "rules", "default.yaml"))
	if err != nil || !strings.Contains(out, "rules ok") {
		t.Fatalf("rules check: %v\n%s", err, out)
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"replicas=3", "path=/var/log/app"})
	if err != nil || params["replicas"] != "3" || params["path"] != "/var/log/app" {
		t.Fatalf("unexpected params %v %v", params, err)
	}
	if _, err := parseParams([]string{"oops"}); err == nil {
		t.Fatalf("expected malformed pair to fail")
	}
}
