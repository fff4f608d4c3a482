package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"storage": {"path": "/var/lib/postqueue/queue.db", "busy_timeout": "5s"},
		"publisher": {"enabled": true, "poll_interval": "2s", "max_attempts": 3},
		"driver": {"command": "/usr/local/bin/square-bridge"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "/var/lib/postqueue/queue.db" {
		t.Errorf("storage.path = %q", cfg.Storage.Path)
	}
	if !cfg.Publisher.Enabled || cfg.Publisher.MaxAttempts != 3 {
		t.Errorf("publisher = %+v", cfg.Publisher)
	}
	if cfg.Intake != nil || cfg.Notifier != nil || cfg.Janitor != nil {
		t.Error("omitted sections must stay nil")
	}
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
logging:
  level: info
  console: true
storage:
  path: ./queue.db
publisher:
  enabled: true
  workers: 3
  claim_batch: 2
driver:
  command: ./bridge.py
  args: ["--headless"]
intake:
  enabled: true
  dir: ./spool
  auto_approve: true
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Publisher.Workers != 3 {
		t.Errorf("workers = %d, want 3", cfg.Publisher.Workers)
	}
	if cfg.Publisher.ClaimBatch != 2 {
		t.Errorf("claim_batch = %d, want 2", cfg.Publisher.ClaimBatch)
	}
	if len(cfg.Driver.Args) != 1 || cfg.Driver.Args[0] != "--headless" {
		t.Errorf("driver.args = %v", cfg.Driver.Args)
	}
	if cfg.Intake == nil || !cfg.Intake.AutoApprove {
		t.Errorf("intake = %+v", cfg.Intake)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"storage": {"path": "./q.db"},
		"publsher": {"enabled": true}
	}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("typo'd section must be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage": {"path": "./q.db"}}{"extra": true}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("concatenated JSON must be rejected")
	}
}

func TestLoadCommitsAndGetReturnsIt(t *testing.T) {
	path := writeConfig(t, "config.json", `{"storage": {"path": "./q.db"}}`)
	m := NewManager(path)
	if m.Get() != nil {
		t.Fatal("Get before Load must be nil")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Error("Get must return the committed config")
	}
}

func TestParseDurationField(t *testing.T) {
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{raw: "", want: 0},
		{raw: "  ", want: 0},
		{raw: "1500ms", want: 1500 * time.Millisecond},
		{raw: "2m30s", want: 2*time.Minute + 30*time.Second},
		{raw: "-5s", wantErr: true},
		{raw: "5 seconds", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("test.field", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q) = %v, want error", tt.raw, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseDurationField(%q) = (%v, %v), want %v", tt.raw, got, err, tt.want)
		}
	}

	if d, err := ParseDurationOrDefault("test.field", "", 9*time.Second); err != nil || d != 9*time.Second {
		t.Errorf("ParseDurationOrDefault empty = (%v, %v), want default", d, err)
	}
	if d, err := ParseDurationOrDefault("test.field", "3s", 9*time.Second); err != nil || d != 3*time.Second {
		t.Errorf("ParseDurationOrDefault set = (%v, %v), want 3s", d, err)
	}
}
