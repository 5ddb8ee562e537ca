package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skadic/guildcore/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logger.Level != "info" {
		t.Errorf("logger level = %q, want %q", cfg.Logger.Level, "info")
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("cache ttl = %v, want 5m", cfg.Cache.TTL)
	}
	if cfg.Reminder.MaxPerUser != 3 {
		t.Errorf("reminder max per user = %d, want 3", cfg.Reminder.MaxPerUser)
	}
	if cfg.Poll.ClosedRetention != 24*time.Hour {
		t.Errorf("poll closed retention = %v, want 24h", cfg.Poll.ClosedRetention)
	}
	if len(cfg.Scheduler.Tasks) == 0 {
		t.Error("scheduler tasks empty, want defaults")
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
logger:
  level: debug
  json: false
database:
  path: /tmp/test.db
ratelimit:
  rules:
    report:
      max_burst: 1
      window: 60s
reminder:
  max_per_user: 5
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}

	if cfg.Logger.Level != "debug" {
		t.Errorf("logger level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("db path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if got := cfg.RateLimit.Rules["report"]; got.MaxBurst != 1 || got.Window != time.Minute {
		t.Errorf("report rule = %+v, want burst 1 window 1m", got)
	}
	if cfg.Reminder.MaxPerUser != 5 {
		t.Errorf("reminder max per user = %d, want 5", cfg.Reminder.MaxPerUser)
	}
	// Unset sections keep their defaults.
	if cfg.Cache.FlushRetries != 5 {
		t.Errorf("cache flush retries = %d, want default 5", cfg.Cache.FlushRetries)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
logger:
  level: shouty
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := config.LoadConfig(path); err == nil {
		t.Fatal("LoadConfig accepted an invalid log level")
	}
}
