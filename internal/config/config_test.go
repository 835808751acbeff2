package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PabloGalante/parley/internal/config"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("PARLEY_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Mode != config.ModeLocal {
		t.Fatalf("expected local mode, got %q", cfg.Mode)
	}
	if cfg.Server.Port != "8080" || cfg.Server.StorageBackend != "memory" {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Client.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s heartbeat default, got %v", cfg.Client.HeartbeatInterval)
	}
	if !cfg.Responder.UseMock {
		t.Fatalf("expected mock responder by default")
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
mode: local
server:
  port: "9090"
  storage: sqlite
  sqlite_path: /tmp/parley-test.db
  idle_ttl: 1h
  context_budget: 1024
client:
  heartbeat_interval: 5s
  backoff:
    base_delay: 500ms
    max_attempts: 4
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Server.StorageBackend != "sqlite" {
		t.Fatalf("file overrides not applied: %+v", cfg.Server)
	}
	if cfg.Server.IdleTTL != time.Hour || cfg.Server.ContextBudget != 1024 {
		t.Fatalf("server tuning not applied: %+v", cfg.Server)
	}
	if cfg.Client.HeartbeatInterval != 5*time.Second {
		t.Fatalf("expected 5s heartbeat, got %v", cfg.Client.HeartbeatInterval)
	}
	if cfg.Client.Backoff.BaseDelay != 500*time.Millisecond || cfg.Client.Backoff.MaxAttempts != 4 {
		t.Fatalf("backoff overrides not applied: %+v", cfg.Client.Backoff)
	}
	// untouched knobs keep their defaults
	if cfg.Client.MessageTimeout != 60*time.Second {
		t.Fatalf("expected default message timeout, got %v", cfg.Client.MessageTimeout)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9090\"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PARLEY_PORT", "7070")
	t.Setenv("PARLEY_STORAGE_BACKEND", "sqlite")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.Port != "7070" {
		t.Fatalf("env should win over file, got port %q", cfg.Server.Port)
	}
	if cfg.Server.StorageBackend != "sqlite" {
		t.Fatalf("env storage override not applied: %q", cfg.Server.StorageBackend)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"bad mode", "mode: staging\n"},
		{"bad storage", "server:\n  storage: dynamo\n"},
		{"bad duration", "client:\n  heartbeat_interval: soon\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tc.raw), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			if _, err := config.Load(path); err == nil {
				t.Fatalf("expected load error")
			}
		})
	}
}

func TestExplicitMissingPathFails(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("expected error for missing explicit config")
	}
}
