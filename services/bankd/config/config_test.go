package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"agora/httpapi"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bankd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "platform:\n  agent_id: a-platform\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Service.Name != "bankd" {
		t.Fatalf("service name = %q", cfg.Service.Name)
	}
	if cfg.Server.Port != 7002 {
		t.Fatalf("port = %d", cfg.Server.Port)
	}
	if cfg.Database.Path != "data/bankd.sqlite" {
		t.Fatalf("database path = %q", cfg.Database.Path)
	}
	if cfg.Request.MaxBodyBytes != httpapi.DefaultMaxBodyBytes {
		t.Fatalf("max body = %d", cfg.Request.MaxBodyBytes)
	}
	if cfg.Identity.Timeout.Duration != 10*time.Second {
		t.Fatalf("identity timeout = %v", cfg.Identity.Timeout.Duration)
	}
}

func TestLoadRequiresPlatformAgent(t *testing.T) {
	if _, err := Load(writeConfig(t, "service:\n  name: bankd\n")); err == nil {
		t.Fatalf("missing platform agent accepted")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	if _, err := Load(writeConfig(t, "platfrom:\n  agent_id: a-platform\n")); err == nil {
		t.Fatalf("typo key accepted")
	}
}

func TestRateLimitsConversion(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
platform:
  agent_id: a-platform
limits:
  bank.credit:
    requests_per_minute: 120
    burst: 10
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	limits := cfg.RateLimits()
	limit, ok := limits["bank.credit"]
	if !ok {
		t.Fatalf("limit missing: %v", limits)
	}
	if limit.RequestsPerMinute != 120 || limit.Burst != 10 {
		t.Fatalf("limit = %+v", limit)
	}
}

func TestLoadRejectsNonPositiveLimit(t *testing.T) {
	_, err := Load(writeConfig(t, `
platform:
  agent_id: a-platform
limits:
  bank.credit:
    requests_per_minute: 0
    burst: 5
`))
	if err == nil {
		t.Fatalf("zero rate accepted")
	}
}
