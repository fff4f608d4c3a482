package publisher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postqueue/internal/queue"
	logx "postqueue/pkg/logx"
)

// Alerter receives operator-facing notices about terminal failures.
// Implementations must not block.
type Alerter interface {
	Pushf(format string, args ...any)
}

// Store is the slice of the queue store the publisher needs.
type Store interface {
	Claim(ctx context.Context, max int) ([]queue.WorkItem, error)
	CommitSuccess(ctx context.Context, id int64, inferred bool) error
	CommitRetry(ctx context.Context, id int64, reason queue.Reason) (queue.WorkItem, error)
	CommitTerminalFailure(ctx context.Context, id int64, reason queue.Reason) error
	SentRecently(ctx context.Context, rawText string) (bool, error)
}

type Config struct {
	Enabled bool

	// Workers is the number of independent publish loops. Each owns its own
	// driver session; claim atomicity keeps them off each other's items.
	Workers int

	// PollInterval is the sleep between cycles when nothing is eligible.
	PollInterval time.Duration

	// ClaimBatch caps items taken per cycle.
	ClaimBatch int

	// AttemptTimeout bounds one delivery attempt end to end.
	AttemptTimeout time.Duration

	// PostsPerMinute paces deliveries; 0 disables pacing.
	PostsPerMinute int
}

// commitTimeout bounds a single commit. Commits run on their own context,
// never the run context: a claimed item must leave the processing state even
// when shutdown is already underway.
const commitTimeout = 15 * time.Second

// Service drives claimed items through deliver -> classify -> commit.
//
// The loop is pull-based: the delivery channel cannot push, so the worker
// polls the store on a fixed interval. Every attempt ends in exactly one
// commit; an item is never left in the processing state. Graceful stop is
// stopCh: run-context cancellation stops claiming, but an attempt already
// in flight rides out its own timeout and still commits.
type Service struct {
	mu sync.Mutex

	cfg    Config
	store  Store
	driver Driver
	log    logx.Logger

	// limiter is shared across workers so pacing applies to the process.
	limiter *rate.Limiter

	// alerter is optional; set before Start.
	alerter Alerter

	stopCh   chan struct{}
	stopDone chan struct{}
	workerWG sync.WaitGroup
}

func New(cfg Config, store Store, driver Driver, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 1
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 45 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, store: store, driver: driver, log: log}
	if cfg.PostsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.PostsPerMinute)/60.0), 1)
	}
	return s
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

// SetAlerter wires the operator alert sink. Must be called before Start.
func (s *Service) SetAlerter(a Alerter) { s.alerter = a }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	s.stopDone = make(chan struct{})
	stopCh := s.stopCh
	done := s.stopDone
	workers := s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		i := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in publish worker",
						logx.Int("worker", i), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.run(ctx, stopCh, i)
		}()
	}
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	s.log.Info("publisher started", logx.Int("workers", workers), logx.Duration("poll", s.cfg.PollInterval))
}

// Stop prevents new claims and waits for in-flight attempts to commit.
// An attempt already delivering is allowed to finish; nothing is abandoned
// mid-state.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	done := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-ctx.Done():
		s.log.Warn("publisher stop timed out; attempt may still be committing")
	case <-done:
		s.log.Info("publisher stopped")
	}
}

func (s *Service) run(ctx context.Context, stopCh <-chan struct{}, idx int) {
	log := s.log.With(logx.Int("worker", idx))

	var sess Session
	defer func() {
		if sess != nil {
			_ = sess.Close()
		}
	}()

	for {
		// Fast-exit check so a closed stopCh wins over more work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		items, err := s.store.Claim(ctx, s.cfg.ClaimBatch)
		if err != nil {
			log.Warn("claim failed", logx.Err(err))
		}
		if len(items) == 0 {
			if !sleep(ctx, stopCh, s.cfg.PollInterval) {
				return
			}
			continue
		}

		for _, item := range items {
			if sess == nil {
				sess, err = s.openSession(ctx, stopCh, log)
				if sess == nil {
					// Could not get a session; the claimed item must still be
					// resolved, not parked in processing.
					s.commit(log, item, Classification{Reason: queue.ReasonUnknown, Note: "driver"}, nil)
					if err != nil {
						log.Warn("driver session unavailable", logx.Err(err))
					}
					continue
				}
			}
			if !s.deliverOne(ctx, log, sess, item) {
				// Session looked broken; recycle it for the next attempt.
				_ = sess.Close()
				sess = nil
			}
		}
	}
}

// openSession opens a driver session, honoring stop.
func (s *Service) openSession(ctx context.Context, stopCh <-chan struct{}, log logx.Logger) (Session, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopCh:
		return nil, context.Canceled
	default:
	}
	sess, err := s.driver.Open(ctx)
	if err != nil {
		return nil, err
	}
	log.Debug("driver session opened")
	return sess, nil
}

// deliverOne runs one claimed item through deliver -> classify -> commit.
// It reports whether the session is still considered healthy.
func (s *Service) deliverOne(ctx context.Context, log logx.Logger, sess Session, item queue.WorkItem) bool {
	log = log.With(logx.Int64("id", item.ID))

	// Duplicate-at-delivery-time: something identical already went out,
	// e.g. via another worker between enqueue and claim. Non-retryable.
	if dup, err := s.store.SentRecently(ctx, item.Text); err != nil {
		log.Warn("duplicate pre-check failed", logx.Err(err))
	} else if dup {
		s.commit(log, item, Classification{Reason: queue.ReasonDuplicate, Note: "pre-check"}, nil)
		return true
	}

	clean := queue.Sanitize(item.Text)
	if clean == "" {
		// Zero backoff: retry as soon as upstream content improves.
		s.commit(log, item, Classification{Reason: queue.ReasonEmptyContent, Note: "pre-check"}, nil)
		return true
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			s.commit(log, item, Classification{Reason: queue.ReasonUnknown, Note: "driver"}, nil)
			return true
		}
	}

	// The attempt is bounded by AttemptTimeout alone, not by the run context:
	// cancellation (a signal) must not cut a delivery mid-attempt, and the
	// commit below must still land so the item leaves processing.
	start := time.Now()
	attemptCtx, cancel := context.WithTimeout(context.Background(), s.cfg.AttemptTimeout)
	out, err := s.attempt(attemptCtx, sess, clean)
	cancel()

	cls := Classify(out, err)
	s.commit(log.With(logx.Duration("dur", time.Since(start))), item, cls, sess)

	// A failed attempt with a hard driver error usually means the session
	// state is suspect (lost page, dead subprocess); recycle it.
	return err == nil
}

// attempt invokes the driver, converting panics into errors so one bad
// attempt can't kill the worker or strand the item in processing.
func (s *Service) attempt(ctx context.Context, sess Session, text string) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in driver attempt: %v", r)
			s.log.Error("driver panic", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return sess.Attempt(ctx, text)
}

// commit applies exactly one queue mutation for the classification.
// sess may be nil; diagnostics are captured only on failures when present.
// It runs on its own context so a cancelled run context cannot sever the
// commit path and strand the item in processing.
func (s *Service) commit(log logx.Logger, item queue.WorkItem, cls Classification, sess Session) {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	if cls.Sent {
		if err := s.store.CommitSuccess(ctx, item.ID, cls.Inferred); err != nil {
			log.Error("commit success failed", logx.Err(err))
			return
		}
		log.Info("delivery confirmed", logx.Bool("inferred", cls.Inferred), logx.Int("attempts", item.Attempts))
		return
	}

	if sess != nil {
		sess.CaptureDiagnostic(ctx, item.ID, string(cls.Reason))
	}

	if cls.Reason == queue.ReasonDuplicate {
		if err := s.store.CommitTerminalFailure(ctx, item.ID, cls.Reason); err != nil {
			log.Error("commit terminal failure failed", logx.Err(err))
		}
		return
	}

	updated, err := s.store.CommitRetry(ctx, item.ID, cls.Reason)
	if err != nil {
		log.Error("commit retry failed", logx.Err(err))
		return
	}
	fields := []logx.Field{
		logx.String("reason", string(cls.Reason)),
		logx.String("note", cls.Note),
		logx.Int("attempts", updated.Attempts),
	}
	if updated.NextTryAt != nil {
		fields = append(fields, logx.Time("next_try_at", *updated.NextTryAt))
	}
	if updated.Status == queue.StatusFailed {
		log.Warn("delivery failed; attempts exhausted", fields...)
		if s.alerter != nil {
			s.alerter.Pushf("Delivery failed permanently (item %d, reason %s, %d attempts)",
				item.ID, cls.Reason, updated.Attempts)
		}
	} else {
		log.Info("delivery failed; retry scheduled", fields...)
	}
}

// sleep waits for d, returning false if ctx or stop fired first.
func sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-stopCh:
		if !tmr.Stop() {
			<-tmr.C
		}
		return false
	case <-tmr.C:
		return true
	}
}
