// Package intake ingests work items from a spool directory.
//
// Upstream scanners drop one JSON file per item into the spool; intake
// enqueues them and files each away under archive/ or rejected/. The spool is
// the process boundary: scanners never touch the database.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"postqueue/internal/queue"
	logx "postqueue/pkg/logx"
)

const (
	archiveDir  = "archive"
	rejectedDir = "rejected"

	// debounce batches bursts of fsnotify events into one sweep. It also
	// gives writers a beat to finish files written in place.
	debounce = 250 * time.Millisecond
)

// Store is the slice of the queue store intake needs.
type Store interface {
	Enqueue(ctx context.Context, rawText string) (int64, error)
	Approve(ctx context.Context, id int64) error
	PutCursor(ctx context.Context, source, position string) error
}

type Config struct {
	Enabled bool
	Dir     string

	// AutoApprove applies when the item file leaves approval unset.
	AutoApprove bool

	// Rescan is the fallback full-sweep interval. fsnotify can drop events
	// on some filesystems; the sweep guarantees eventual pickup.
	Rescan time.Duration
}

// item is the spool file format. Item files are decoded strictly so a typo'd
// field fails loudly into rejected/ instead of silently defaulting.
type item struct {
	Source  string `json:"source"`
	Text    string `json:"text"`
	Approve *bool  `json:"approve,omitempty"`
}

type Service struct {
	cfg   Config
	store Store
	log   logx.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	stopDone chan struct{}
}

func New(cfg Config, store Store, log logx.Logger) *Service {
	if cfg.Rescan <= 0 {
		cfg.Rescan = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, store: store, log: log}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || !s.cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(s.cfg.Dir) == "" {
		return errors.New("intake: dir is required")
	}
	for _, d := range []string{s.cfg.Dir, filepath.Join(s.cfg.Dir, archiveDir), filepath.Join(s.cfg.Dir, rejectedDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("intake: create %s: %w", d, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopDone = make(chan struct{})
	go s.run(runCtx)
	s.log.Info("intake started", logx.String("dir", s.cfg.Dir), logx.Duration("rescan", s.cfg.Rescan))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	done := s.stopDone
	s.cancel = nil
	s.stopDone = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) run(ctx context.Context) {
	defer close(s.stopDone)

	// Catch up on anything spooled while we were down.
	s.sweep(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("fsnotify unavailable; falling back to rescan only", logx.Err(err))
	} else {
		defer watcher.Close()
		if err := watcher.Add(s.cfg.Dir); err != nil {
			s.log.Warn("watch failed; falling back to rescan only", logx.Err(err))
			watcher.Close()
			watcher = nil
		}
	}

	var events chan fsnotify.Event
	var werrs chan error
	if watcher != nil {
		events = watcher.Events
		werrs = watcher.Errors
	}

	rescan := time.NewTicker(s.cfg.Rescan)
	defer rescan.Stop()

	var deb *time.Timer
	var debC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if deb == nil {
				deb = time.NewTimer(debounce)
				debC = deb.C
			} else {
				if !deb.Stop() {
					select {
					case <-deb.C:
					default:
					}
				}
				deb.Reset(debounce)
			}

		case err, ok := <-werrs:
			if !ok {
				werrs = nil
				continue
			}
			s.log.Warn("watch error", logx.Err(err))

		case <-debC:
			deb = nil
			debC = nil
			s.sweep(ctx)

		case <-rescan.C:
			s.sweep(ctx)
		}
	}
}

// sweep processes every eligible spool file, oldest first so enqueue order
// follows drop order.
func (s *Service) sweep(ctx context.Context) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		s.log.Warn("spool read failed", logx.Err(err))
		return
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var files []candidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		// Writers stage under a different suffix and rename into place;
		// anything dot-prefixed is still being written.
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{name: e.Name(), mod: info.ModTime()})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].mod.Equal(files[j].mod) {
			return files[i].name < files[j].name
		}
		return files[i].mod.Before(files[j].mod)
	})

	for _, f := range files {
		if ctx.Err() != nil {
			return
		}
		s.processFile(ctx, f.name)
	}
}

func (s *Service) processFile(ctx context.Context, name string) {
	path := filepath.Join(s.cfg.Dir, name)
	log := s.log.With(logx.String("file", name))

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn("spool file unreadable", logx.Err(err))
		return
	}

	var it item
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&it); err != nil {
		log.Warn("spool file rejected: bad JSON", logx.Err(err))
		s.file(path, rejectedDir, log)
		return
	}
	if strings.TrimSpace(it.Text) == "" {
		log.Warn("spool file rejected: empty text")
		s.file(path, rejectedDir, log)
		return
	}

	id, err := s.store.Enqueue(ctx, it.Text)
	switch {
	case errors.Is(err, queue.ErrSuppressed):
		log.Info("item suppressed as duplicate", logx.String("source", it.Source))
		s.file(path, archiveDir, log)
		return
	case err != nil:
		// Leave the file in place; the next sweep retries it.
		log.Error("enqueue failed", logx.Err(err))
		return
	}

	approve := s.cfg.AutoApprove
	if it.Approve != nil {
		approve = *it.Approve
	}
	if approve {
		if err := s.store.Approve(ctx, id); err != nil {
			log.Error("approve failed", logx.Int64("id", id), logx.Err(err))
		}
	}

	if it.Source != "" {
		if err := s.store.PutCursor(ctx, it.Source, name); err != nil {
			log.Warn("cursor update failed", logx.String("source", it.Source), logx.Err(err))
		}
	}

	log.Info("item enqueued", logx.Int64("id", id), logx.String("source", it.Source), logx.Bool("approved", approve))
	s.file(path, archiveDir, log)
}

// file moves a processed spool file into a subdirectory, never deleting it.
func (s *Service) file(path, sub string, log logx.Logger) {
	dst := filepath.Join(s.cfg.Dir, sub, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		log.Warn("spool move failed", logx.Err(err), logx.String("dst", dst))
	}
}
