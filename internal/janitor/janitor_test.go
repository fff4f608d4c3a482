package janitor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"postqueue/internal/queue"
	logx "postqueue/pkg/logx"
)

type fakeStats struct{ st queue.Stats }

func (f fakeStats) Stats(context.Context) (queue.Stats, error) { return f.st, nil }

type fakeAlerter struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeAlerter) Push(text string) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
}

func TestSummarySpec(t *testing.T) {
	tests := []struct {
		at      string
		want    string
		wantErr bool
	}{
		{at: "09:30", want: "30 9 * * *"},
		{at: "00:00", want: "0 0 * * *"},
		{at: "23:59", want: "59 23 * * *"},
		{at: "9:30am", wantErr: true},
		{at: "25:00", wantErr: true},
		{at: "nope", wantErr: true},
	}
	for _, tt := range tests {
		got, err := summarySpec(tt.at)
		if tt.wantErr {
			if err == nil {
				t.Errorf("summarySpec(%q) = %q, want error", tt.at, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("summarySpec(%q): %v", tt.at, err)
			continue
		}
		if got != tt.want {
			t.Errorf("summarySpec(%q) = %q, want %q", tt.at, got, tt.want)
		}
	}
}

func TestPruneDiagnostics(t *testing.T) {
	dir := t.TempDir()

	old := filepath.Join(dir, "100-network-a.json")
	fresh := filepath.Join(dir, "101-unknown-b.json")
	for _, p := range []string{old, fresh} {
		if err := os.WriteFile(p, []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-10 * 24 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	// Subdirectories are left alone.
	if err := os.MkdirAll(filepath.Join(dir, "keep"), 0o755); err != nil {
		t.Fatal(err)
	}

	s := New(Config{
		Enabled:           true,
		DiagnosticsDir:    dir,
		DiagnosticsMaxAge: 7 * 24 * time.Hour,
	}, fakeStats{}, nil, logx.Nop())

	s.pruneDiagnostics(context.Background())

	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale diagnostic not removed")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Errorf("fresh diagnostic removed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "keep")); err != nil {
		t.Errorf("subdirectory removed: %v", err)
	}
}

func TestPruneMissingDirIsQuiet(t *testing.T) {
	s := New(Config{
		Enabled:        true,
		DiagnosticsDir: filepath.Join(t.TempDir(), "does-not-exist"),
	}, fakeStats{}, nil, logx.Nop())
	s.pruneDiagnostics(context.Background()) // must not panic
}

func TestSummarizePushesAlert(t *testing.T) {
	alerter := &fakeAlerter{}
	s := New(Config{Enabled: true}, fakeStats{st: queue.Stats{
		Pending: 2, Sent: 10, SentConfirmed: 8, SentInferred: 2, Failed: 1,
	}}, alerter, logx.Nop())

	s.summarize(context.Background())

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	if len(alerter.texts) != 1 {
		t.Fatalf("alerts = %v, want one summary", alerter.texts)
	}
	msg := alerter.texts[0]
	for _, want := range []string{"pending: 2", "sent: 10", "confirmed 8", "inferred 2", "failed: 1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("summary %q missing %q", msg, want)
		}
	}
}

func TestStartRejectsBadSchedules(t *testing.T) {
	s := New(Config{
		Enabled:        true,
		PruneSchedule:  "not a cron spec",
		DiagnosticsDir: t.TempDir(),
	}, fakeStats{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start with invalid cron spec must fail")
	}

	s = New(Config{Enabled: true, SummaryAt: "24:99"}, fakeStats{}, nil, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start with invalid summary_at must fail")
	}
}
