package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MIRADOR_REMEDIATOR_CONFIG", "")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":50051" || cfg.HTTP.Address != ":8080" {
		t.Fatalf("unexpected listeners: %+v %+v", cfg.Server, cfg.HTTP)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Backend.Kind != "kube" {
		t.Fatalf("unexpected defaults: storage=%s backend=%s", cfg.Storage.Driver, cfg.Backend.Kind)
	}
	if cfg.Lifecycle.ConfidenceThreshold != 0.3 || cfg.Executor.MaxRetries != 3 {
		t.Fatalf("unexpected lifecycle defaults: %+v", cfg.Lifecycle)
	}
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remediator.yaml")
	if err := os.WriteFile(path, []byte(`
storage:
  driver: bolt
  path: /var/lib/remediator/state.db
backend:
  kind: gateway
  gateway:
    endpoint: http://gateway:8081
lifecycle:
  approvalTimeout: 30m
executor:
  maxRetries: 5
`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MIRADOR_REMEDIATOR_VERIFY_TIMEOUT", "2m")
	t.Setenv("MIRADOR_REMEDIATOR_CACHE_ENABLED", "true")
	t.Setenv("MIRADOR_REMEDIATOR_CACHE_ADDR", "valkey:6379")
	t.Setenv("MIRADOR_REMEDIATOR_HTTP_ALLOWED_ORIGINS", "https://ops.example.com, https://oncall.example.com")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Storage.Driver != "bolt" || cfg.Backend.Gateway.Endpoint != "http://gateway:8081" {
		t.Fatalf("file values not applied: %+v %+v", cfg.Storage, cfg.Backend)
	}
	if cfg.Lifecycle.ApprovalTimeout != 30*time.Minute || cfg.Executor.MaxRetries != 5 {
		t.Fatalf("unexpected lifecycle/executor: %+v %+v", cfg.Lifecycle, cfg.Executor)
	}
	if cfg.Lifecycle.VerifyTimeout != 2*time.Minute {
		t.Fatalf("env override missing: %s", cfg.Lifecycle.VerifyTimeout)
	}
	if !cfg.Cache.Enabled || cfg.Cache.Addr != "valkey:6379" {
		t.Fatalf("cache overrides missing: %+v", cfg.Cache)
	}
	if len(cfg.HTTP.AllowedOrigins) != 2 || cfg.HTTP.AllowedOrigins[1] != "https://oncall.example.com" {
		t.Fatalf("unexpected origins: %v", cfg.HTTP.AllowedOrigins)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown driver":      func(c *Config) { c.Storage.Driver = "postgres" },
		"gateway no endpoint": func(c *Config) { c.Backend.Kind = "gateway" },
		"no policy":           func(c *Config) { c.Policy.Path = "" },
		"cache without addr":  func(c *Config) { c.Cache.Enabled = true },
		"threshold range":     func(c *Config) { c.Lifecycle.ConfidenceThreshold = 1.5 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestAuditMemoryEntries(t *testing.T) {
	t.Setenv("MIRADOR_REMEDIATOR_AUDIT_MEMORY_ENTRIES", "")
	cfg := defaultConfig()
	if cfg.Storage.AuditMemoryEntries != 50000 {
		t.Fatalf("unexpected default: %d", cfg.Storage.AuditMemoryEntries)
	}

	t.Setenv("MIRADOR_REMEDIATOR_AUDIT_MEMORY_ENTRIES", "200")
	applyEnvOverrides(&cfg)
	if cfg.Storage.AuditMemoryEntries != 200 {
		t.Fatalf("env override not applied: %d", cfg.Storage.AuditMemoryEntries)
	}

	cfg.Storage.AuditMemoryEntries = -1
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "auditMemoryEntries") {
		t.Fatalf("expected negative bound to be rejected, got %v", err)
	}
}
