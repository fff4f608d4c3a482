// Package janitor runs scheduled housekeeping.
//
// Two jobs: pruning aged diagnostic captures, and a daily queue summary.
// Queue rows are deliberately out of scope: sent and failed rows are the
// audit trail and are never deleted.
package janitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postqueue/internal/queue"
	logx "postqueue/pkg/logx"
)

// StatsSource supplies the aggregate snapshot for the daily summary.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Alerter receives the rendered summary. May be nil.
type Alerter interface {
	Push(text string)
}

type Config struct {
	Enabled bool

	// PruneSchedule is a standard 5-field cron spec.
	PruneSchedule string

	// DiagnosticsDir and DiagnosticsMaxAge bound the capture retention.
	DiagnosticsDir    string
	DiagnosticsMaxAge time.Duration

	// SummaryAt is a daily HH:MM; empty disables the summary job.
	SummaryAt string

	// Location for both schedules. Nil means time.Local.
	Location *time.Location
}

type Service struct {
	cfg     Config
	stats   StatsSource
	alerter Alerter
	log     logx.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

func New(cfg Config, stats StatsSource, alerter Alerter, log logx.Logger) *Service {
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = "17 3 * * *"
	}
	if cfg.DiagnosticsMaxAge <= 0 {
		cfg.DiagnosticsMaxAge = 7 * 24 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, stats: stats, alerter: alerter, log: log}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return nil
	}

	c := cron.New(cron.WithLocation(s.cfg.Location))

	if s.cfg.DiagnosticsDir != "" {
		if _, err := c.AddFunc(s.cfg.PruneSchedule, func() { s.pruneDiagnostics(ctx) }); err != nil {
			return fmt.Errorf("janitor: prune schedule %q: %w", s.cfg.PruneSchedule, err)
		}
	}

	if s.cfg.SummaryAt != "" {
		spec, err := summarySpec(s.cfg.SummaryAt)
		if err != nil {
			return err
		}
		if _, err := c.AddFunc(spec, func() { s.summarize(ctx) }); err != nil {
			return fmt.Errorf("janitor: summary schedule %q: %w", spec, err)
		}
	}

	c.Start()
	s.cron = c
	s.log.Info("janitor started",
		logx.String("prune_schedule", s.cfg.PruneSchedule),
		logx.String("summary_at", s.cfg.SummaryAt),
		logx.Duration("diagnostics_max_age", s.cfg.DiagnosticsMaxAge))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		s.log.Warn("janitor stop timed out; a job may still be running")
	}
}

// summarySpec converts "HH:MM" into a daily cron spec.
func summarySpec(at string) (string, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return "", fmt.Errorf("janitor: summary_at %q: want HH:MM: %w", at, err)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func (s *Service) pruneDiagnostics(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.DiagnosticsMaxAge)
	entries, err := os.ReadDir(s.cfg.DiagnosticsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("diagnostics dir unreadable", logx.Err(err))
		}
		return
	}

	removed := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.cfg.DiagnosticsDir, e.Name())
		if err := os.Remove(path); err != nil {
			s.log.Warn("diagnostic prune failed", logx.String("path", path), logx.Err(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("diagnostics pruned", logx.Int("removed", removed))
	}
}

func (s *Service) summarize(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := s.stats.Stats(sctx)
	if err != nil {
		s.log.Warn("summary stats failed", logx.Err(err))
		return
	}

	s.log.Info("queue summary",
		logx.Int("pending", st.Pending),
		logx.Int("processing", st.Processing),
		logx.Int("sent", st.Sent),
		logx.Int("sent_confirmed", st.SentConfirmed),
		logx.Int("sent_inferred", st.SentInferred),
		logx.Int("failed", st.Failed))

	if s.alerter != nil {
		s.alerter.Push(fmt.Sprintf(
			"Queue summary\npending: %d\nprocessing: %d\nsent: %d (confirmed %d, inferred %d)\nfailed: %d",
			st.Pending, st.Processing, st.Sent, st.SentConfirmed, st.SentInferred, st.Failed))
	}
}
