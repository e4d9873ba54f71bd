package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load("")

	if cfg.Database.Path != "pagewatch.db" {
		t.Fatalf("unexpected database path: %s", cfg.Database.Path)
	}
	if cfg.Scheduler.PollInterval() != time.Minute {
		t.Fatalf("unexpected poll interval: %v", cfg.Scheduler.PollInterval())
	}
	if cfg.Scheduler.DefaultCadence() != time.Hour {
		t.Fatalf("unexpected default cadence: %v", cfg.Scheduler.DefaultCadence())
	}
	if cfg.Calendar.Timezone != "Asia/Seoul" {
		t.Fatalf("unexpected timezone: %s", cfg.Calendar.Timezone)
	}
	if len(cfg.Normalize.StripSelectors) == 0 || len(cfg.Normalize.VolatilePatterns) == 0 {
		t.Fatal("default normalization rules missing")
	}
}

func TestLoadMergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  path: /tmp/custom.db
scheduler:
  pollIntervalSec: 30
fetch:
  userAgent: custom-agent/2.0
normalize:
  volatilePatterns:
    - 'visit-count-\d+'
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg := Load(path)
	if cfg.Database.Path != "/tmp/custom.db" {
		t.Fatalf("file database path not applied: %s", cfg.Database.Path)
	}
	if cfg.Scheduler.PollIntervalSec != 30 {
		t.Fatalf("file poll interval not applied: %d", cfg.Scheduler.PollIntervalSec)
	}
	if cfg.Fetch.UserAgent != "custom-agent/2.0" {
		t.Fatalf("file user agent not applied: %s", cfg.Fetch.UserAgent)
	}
	if len(cfg.Normalize.VolatilePatterns) != 1 || cfg.Normalize.VolatilePatterns[0] != `visit-count-\d+` {
		t.Fatalf("file volatile patterns not applied: %v", cfg.Normalize.VolatilePatterns)
	}
	// Untouched sections keep their defaults.
	if cfg.Pipeline.Workers != 4 {
		t.Fatalf("default pipeline workers lost: %d", cfg.Pipeline.Workers)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PAGEWATCH_DB", "/tmp/env.db")
	t.Setenv("SUMMARIZER_API_KEY", "sk-test")
	t.Setenv("SMTP_PASSWORD", "hunter2")

	cfg := Load("")
	if cfg.Database.Path != "/tmp/env.db" {
		t.Fatalf("env database path not applied: %s", cfg.Database.Path)
	}
	if cfg.Summarizer.APIKey != "sk-test" {
		t.Fatalf("env api key not applied: %s", cfg.Summarizer.APIKey)
	}
	if cfg.Email.Password != "hunter2" {
		t.Fatalf("env smtp password not applied: %s", cfg.Email.Password)
	}
}

func TestLoadUnreadableFileFallsBack(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Database.Path != "pagewatch.db" {
		t.Fatalf("expected defaults, got %s", cfg.Database.Path)
	}
}
