// Package notify delivers operator alerts asynchronously.
//
// Producers (publisher, janitor) call Push and move on; a small worker pool
// drains a bounded queue, paces sends, retries transient failures, and drops
// duplicates inside a trailing window. Alerts are strictly outbound: nothing
// here reads or reacts to chat messages.
package notify

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "postqueue/pkg/logx"
)

// Sender is the transport for one alert. Implementations must be safe for
// concurrent use.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	Enabled bool

	Workers   int
	QueueSize int

	// RatePerSec paces outbound sends across all workers.
	RatePerSec int

	// RetryMax/RetryBase/RetryMaxDelay shape the per-alert retry schedule
	// (exponential, capped).
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// DedupWindow suppresses identical alert texts seen within the window.
	// DedupMaxEntries bounds the suppression table.
	DedupWindow     time.Duration
	DedupMaxEntries int
}

type alert struct {
	text string
	at   time.Time
}

type Service struct {
	cfg    Config
	sender Sender
	log    logx.Logger

	limiter *rate.Limiter

	mu     sync.Mutex
	seen   map[uint64]time.Time
	queue  chan alert
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 10 * time.Minute
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 512
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		sender:  sender,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		seen:    make(map[uint64]time.Time),
	}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled && s.sender != nil }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || !s.cfg.Enabled || s.sender == nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.queue = make(chan alert, s.cfg.QueueSize)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, s.queue)
	}
	s.log.Info("notifier started", logx.Int("workers", s.cfg.Workers), logx.Int("queue", s.cfg.QueueSize))
}

// Stop drains nothing: queued alerts that haven't been picked up are dropped.
// Alerts are advisory; shutdown latency matters more.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.queue = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Push enqueues one alert. Non-blocking: when the queue is full the alert is
// dropped and counted, never stalling the caller.
func (s *Service) Push(text string) {
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.isDuplicateLocked(text) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case q <- alert{text: text, at: time.Now()}:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		s.log.Warn("alert dropped: queue full", logx.Uint64("dropped_total", n))
	}
}

// Pushf is Push with formatting.
func (s *Service) Pushf(format string, args ...any) {
	s.Push(fmt.Sprintf(format, args...))
}

func (s *Service) isDuplicateLocked(text string) bool {
	now := time.Now()
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	key := h.Sum64()

	if t, ok := s.seen[key]; ok && now.Sub(t) < s.cfg.DedupWindow {
		return true
	}

	// Evict expired entries; if still over budget, drop the oldest.
	for k, t := range s.seen {
		if now.Sub(t) >= s.cfg.DedupWindow {
			delete(s.seen, k)
		}
	}
	if len(s.seen) >= s.cfg.DedupMaxEntries {
		var oldestK uint64
		var oldestT time.Time
		first := true
		for k, t := range s.seen {
			if first || t.Before(oldestT) {
				oldestK, oldestT, first = k, t, false
			}
		}
		delete(s.seen, oldestK)
	}
	s.seen[key] = now
	return false
}

func (s *Service) worker(ctx context.Context, q <-chan alert) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case a := <-q:
			s.deliver(ctx, a)
		}
	}
}

func (s *Service) deliver(ctx context.Context, a alert) {
	for attempt := 0; ; attempt++ {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		err := s.send(ctx, a.text)
		if err == nil {
			return
		}
		if attempt >= s.cfg.RetryMax {
			s.log.Warn("alert send failed; giving up",
				logx.Int("attempts", attempt+1), logx.Err(err))
			return
		}
		delay := s.cfg.RetryBase << uint(attempt)
		if delay > s.cfg.RetryMaxDelay {
			delay = s.cfg.RetryMaxDelay
		}
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return
		case <-tmr.C:
		}
	}
}

func (s *Service) send(ctx context.Context, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sender: %v", r)
		}
	}()
	sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return s.sender.SendText(sendCtx, text)
}
