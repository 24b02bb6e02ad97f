package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chat.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Limits.SendLimit != 5 || cfg.Limits.SendCooldown != 10*time.Second {
		t.Errorf("unexpected limits %+v", cfg.Limits)
	}
	if cfg.Store.Driver != "redis" {
		t.Errorf("expected redis driver, got %q", cfg.Store.Driver)
	}
}

func TestLoadYAMLOverDefaults(t *testing.T) {
	path := writeFile(t, `
client:
  user_id: alice
  room: random
limits:
  typing_quiet: 2s
relay:
  max_conns: 100
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Client.UserID != "alice" || cfg.Client.Room != "random" {
		t.Errorf("unexpected client %+v", cfg.Client)
	}
	if cfg.Limits.TypingQuiet != 2*time.Second {
		t.Errorf("expected typing_quiet 2s, got %v", cfg.Limits.TypingQuiet)
	}
	if cfg.Client.PageSize != 50 {
		t.Errorf("expected default page size to survive, got %d", cfg.Client.PageSize)
	}
	if cfg.Relay.MaxConns != 100 {
		t.Errorf("expected max_conns 100, got %d", cfg.Relay.MaxConns)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("DATABASE_URL", "postgres://localhost/chat")
	t.Setenv("STORE_DRIVER", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Relay.ListenAddr != ":9090" {
		t.Errorf("expected :9090, got %q", cfg.Relay.ListenAddr)
	}
	if cfg.Store.Driver != "postgres" {
		t.Errorf("expected DATABASE_URL to select postgres, got %q", cfg.Store.Driver)
	}
}

func TestLoadRejectsBadDriver(t *testing.T) {
	path := writeFile(t, "store:\n  driver: sqlite\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
