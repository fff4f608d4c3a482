// Package app assembles the daemon: config, logging, queue store, intake,
// publisher, notifier, and janitor, plus config hot-reload plumbing.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"postqueue/internal/config"
	"postqueue/internal/driver/script"
	"postqueue/internal/intake"
	"postqueue/internal/janitor"
	"postqueue/internal/notify"
	"postqueue/internal/publisher"
	"postqueue/internal/queue"
	logx "postqueue/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager

	logs *logx.Service
	log  logx.Logger

	store *queue.Store
	pub   *publisher.Service
	ink   *intake.Service
	notif *notify.Service
	jan   *janitor.Service

	cancelRun context.CancelFunc
	bg        sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(logSvc.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(validate)

	a := &App{cfgPath: cfgPath, cfgm: cfgm, logs: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

// build constructs every service from a validated config. Durations were
// already syntax-checked by validate, so parse errors here are programming
// errors, not user errors.
func (a *App) build(cfg *config.Config) error {
	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return err
	}
	store, err := queue.Open(queue.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
		MaxAttempts: cfg.Publisher.MaxAttempts,
	}, a.logs.Logger().With(logx.String("comp", "queue")))
	if err != nil {
		return fmt.Errorf("open queue store: %w", err)
	}
	a.store = store

	pollInterval, _ := config.ParseDurationOrDefault("publisher.poll_interval", cfg.Publisher.PollInterval, 2*time.Second)
	attemptTimeout, _ := config.ParseDurationOrDefault("publisher.attempt_timeout", cfg.Publisher.AttemptTimeout, 45*time.Second)
	ackWindow, _ := config.ParseDurationOrDefault("publisher.ack_window", cfg.Publisher.AckWindow, 30*time.Second)

	var drv publisher.Driver
	if cfg.Publisher.Enabled {
		drv, err = script.New(script.Config{
			Command:        cfg.Driver.Command,
			Args:           cfg.Driver.Args,
			WorkDir:        cfg.Driver.WorkDir,
			AckWindow:      ackWindow,
			DiagnosticsDir: cfg.Driver.DiagnosticsDir,
		}, a.logs.Logger().With(logx.String("comp", "driver")))
		if err != nil {
			return err
		}
	}
	a.pub = publisher.New(publisher.Config{
		Enabled:        cfg.Publisher.Enabled,
		Workers:        cfg.Publisher.Workers,
		PollInterval:   pollInterval,
		ClaimBatch:     cfg.Publisher.ClaimBatch,
		AttemptTimeout: attemptTimeout,
		PostsPerMinute: cfg.Publisher.PostsPerMinute,
	}, store, drv, a.logs.Logger().With(logx.String("comp", "publisher")))

	if ic := cfg.Intake; ic != nil {
		rescan, _ := config.ParseDurationOrDefault("intake.rescan", ic.Rescan, 30*time.Second)
		a.ink = intake.New(intake.Config{
			Enabled:     ic.Enabled,
			Dir:         ic.Dir,
			AutoApprove: ic.AutoApprove,
			Rescan:      rescan,
		}, store, a.logs.Logger().With(logx.String("comp", "intake")))
	}

	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		sender, err := notify.NewTelegramSender(notify.TelegramConfig{
			Token:    nc.Token,
			ChatID:   nc.ChatID,
			ThreadID: nc.ThreadID,
		}, a.logs.Logger().With(logx.String("comp", "notify.telegram")))
		if err != nil {
			return err
		}
		retryBase, _ := config.ParseDurationOrDefault("notifier.retry_base", nc.RetryBase, 500*time.Millisecond)
		retryMaxDelay, _ := config.ParseDurationOrDefault("notifier.retry_max_delay", nc.RetryMaxDelay, 30*time.Second)
		dedupWindow, _ := config.ParseDurationOrDefault("notifier.dedup_window", nc.DedupWindow, 10*time.Minute)
		a.notif = notify.New(notify.Config{
			Enabled:         true,
			Workers:         nc.Workers,
			QueueSize:       nc.QueueSize,
			RatePerSec:      nc.RatePerSec,
			RetryMax:        nc.RetryMax,
			RetryBase:       retryBase,
			RetryMaxDelay:   retryMaxDelay,
			DedupWindow:     dedupWindow,
			DedupMaxEntries: nc.DedupMaxEntries,
		}, sender, a.logs.Logger().With(logx.String("comp", "notify")))
	}
	if a.notif != nil {
		a.pub.SetAlerter(a.notif)
	}

	if jc := cfg.Janitor; jc != nil && jc.Enabled {
		maxAge, _ := config.ParseDurationOrDefault("janitor.diagnostics_max_age", jc.DiagnosticsMaxAge, 7*24*time.Hour)
		loc := time.Local
		if tz := strings.TrimSpace(jc.Timezone); tz != "" {
			loc, err = time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("janitor.timezone: %w", err)
			}
		}
		var alerter janitor.Alerter
		if a.notif != nil {
			alerter = a.notif
		}
		a.jan = janitor.New(janitor.Config{
			Enabled:           true,
			PruneSchedule:     jc.PruneSchedule,
			DiagnosticsDir:    cfg.Driver.DiagnosticsDir,
			DiagnosticsMaxAge: maxAge,
			SummaryAt:         jc.SummaryAt,
			Location:          loc,
		}, store, alerter, a.logs.Logger().With(logx.String("comp", "janitor")))
	}

	return nil
}

// validate is the transactional config gate: it runs on initial load and
// before every hot-reload commit, so a bad edit never reaches the services.
func validate(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"publisher.poll_interval", cfg.Publisher.PollInterval},
		{"publisher.attempt_timeout", cfg.Publisher.AttemptTimeout},
		{"publisher.ack_window", cfg.Publisher.AckWindow},
	} {
		if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if cfg.Publisher.Workers < 0 {
		return errors.New("publisher.workers must be >= 0")
	}
	if cfg.Publisher.ClaimBatch < 0 {
		return errors.New("publisher.claim_batch must be >= 0")
	}
	if cfg.Publisher.MaxAttempts < 0 {
		return errors.New("publisher.max_attempts must be >= 0")
	}
	if cfg.Publisher.PostsPerMinute < 0 {
		return errors.New("publisher.posts_per_minute must be >= 0")
	}
	if cfg.Publisher.Enabled && strings.TrimSpace(cfg.Driver.Command) == "" {
		return errors.New("driver.command is required when publisher is enabled")
	}
	if ic := cfg.Intake; ic != nil {
		if ic.Enabled && strings.TrimSpace(ic.Dir) == "" {
			return errors.New("intake.dir is required when intake is enabled")
		}
		if _, err := config.ParseDurationField("intake.rescan", ic.Rescan); err != nil {
			return err
		}
	}
	if nc := cfg.Notifier; nc != nil && nc.Enabled {
		if strings.TrimSpace(nc.Token) == "" {
			return errors.New("notifier.token is required when notifier is enabled")
		}
		if nc.ChatID == 0 {
			return errors.New("notifier.chat_id is required when notifier is enabled")
		}
		for _, f := range []struct{ path, raw string }{
			{"notifier.retry_base", nc.RetryBase},
			{"notifier.retry_max_delay", nc.RetryMaxDelay},
			{"notifier.dedup_window", nc.DedupWindow},
		} {
			if _, err := config.ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
	}
	if jc := cfg.Janitor; jc != nil && jc.Enabled {
		if _, err := config.ParseDurationField("janitor.diagnostics_max_age", jc.DiagnosticsMaxAge); err != nil {
			return err
		}
		if tz := strings.TrimSpace(jc.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("janitor.timezone: invalid %q: %w", tz, err)
			}
		}
	}
	return nil
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancelRun = cancel

	if a.notif != nil {
		a.notif.Start(runCtx)
	}

	a.pub.Start(runCtx)
	if a.ink != nil {
		if err := a.ink.Start(runCtx); err != nil {
			return err
		}
	}
	if a.jan != nil {
		if err := a.jan.Start(runCtx); err != nil {
			return err
		}
	}

	// Config hot-reload: logging applies live; structural sections (storage,
	// driver command, service topology) take effect on restart.
	sub := a.cfgm.Subscribe(8)
	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-runCtx.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.log.Info("config reloaded; logging applied, structural changes take effect on restart")
			}
		}
	}()

	a.bg.Add(1)
	go func() {
		defer a.bg.Done()
		_ = a.cfgm.Watch(runCtx)
	}()

	a.log.Info("started")
	return nil
}

// Stop unwinds in dependency order: intake first so nothing new arrives,
// then the publisher (letting an in-flight attempt commit), then the
// advisory services, then the store.
func (a *App) Stop(ctx context.Context) {
	if a.cancelRun == nil {
		return
	}
	a.log.Info("stopping")

	a.step(ctx, "intake", 2*time.Second, func(c context.Context) {
		if a.ink != nil {
			a.ink.Stop(c)
		}
	})
	a.step(ctx, "publisher", 60*time.Second, func(c context.Context) { a.pub.Stop(c) })
	a.step(ctx, "janitor", 2*time.Second, func(c context.Context) {
		if a.jan != nil {
			a.jan.Stop(c)
		}
	})
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) {
		if a.notif != nil {
			a.notif.Stop(c)
		}
	})

	a.cancelRun()
	a.bg.Wait()

	// Snapshot before close: the last thing in the log is the queue state we
	// shut down with.
	if st, err := a.store.Stats(context.Background()); err == nil {
		a.log.Info("queue at shutdown",
			logx.Int("pending", st.Pending),
			logx.Int("processing", st.Processing),
			logx.Int("sent", st.Sent),
			logx.Int("failed", st.Failed))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logs.Close()
}

// step bounds one shutdown stage so a stuck component can't stall the rest.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context)) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
			}
		}()
		fn(stepCtx)
	}()

	select {
	case <-done:
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Notifier exposes the alert sink for components wired after construction.
func (a *App) Notifier() *notify.Service { return a.notif }
