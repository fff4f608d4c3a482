// Package script bridges delivery to an external automation script.
//
// The script owns the browser/channel session; this package owns process
// lifecycle and the line-oriented JSON protocol. One request line goes to the
// script's stdin, one response line comes back on stdout. The script is kept
// alive across attempts so its login/session state survives between items.
package script

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"postqueue/internal/publisher"
	logx "postqueue/pkg/logx"
)

type Config struct {
	// Command and Args launch the automation script.
	Command string
	Args    []string
	WorkDir string

	// AckWindow is how long the script should watch for a channel
	// acknowledgment before reporting an indeterminate outcome. Passed to
	// the script per attempt; delivery timeouts are enforced by the caller.
	AckWindow time.Duration

	// DiagnosticsDir receives channel-state captures on failures.
	// Empty disables capture.
	DiagnosticsDir string

	// StartupTimeout bounds the hello handshake after process start.
	StartupTimeout time.Duration
}

// Driver launches one script process per session.
type Driver struct {
	cfg Config
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Driver, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, errors.New("script: command is required")
	}
	if cfg.AckWindow <= 0 {
		cfg.AckWindow = 12 * time.Second
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Driver{cfg: cfg, log: log}, nil
}

// request is one line sent to the script's stdin.
type request struct {
	Op          string `json:"op"` // "attempt", "diagnostic", "close"
	Text        string `json:"text,omitempty"`
	AckWindowMS int64  `json:"ack_window_ms,omitempty"`
}

// response is one line read from the script's stdout.
type response struct {
	// OK covers hello/diagnostic/close; attempt responses use Kind.
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Kind is "ack" or "indeterminate" for attempt responses.
	Kind     string `json:"kind,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Message  string `json:"message,omitempty"`
	Evidence string `json:"evidence,omitempty"` // "", "composer_cleared"

	// Diagnostic is the raw capture payload for diagnostic responses.
	Diagnostic json.RawMessage `json:"diagnostic,omitempty"`
}

func (d *Driver) Open(ctx context.Context) (publisher.Session, error) {
	cmd := exec.Command(d.cfg.Command, d.cfg.Args...)
	cmd.Dir = d.cfg.WorkDir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("script: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("script: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("script: start %q: %w", d.cfg.Command, err)
	}

	s := &session{
		cfg:     d.cfg,
		log:     d.log.With(logx.Int("pid", cmd.Process.Pid)),
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan lineOrErr, 1),
		abandon: make(chan struct{}),
	}
	go s.readLoop(stdout)

	// The script signals readiness (login restored, page loaded) with its
	// first line. Startup can be slow; it gets its own budget.
	helloCtx, cancel := context.WithTimeout(ctx, d.cfg.StartupTimeout)
	defer cancel()
	resp, err := s.readResponse(helloCtx)
	if err != nil {
		s.kill()
		return nil, fmt.Errorf("script: handshake: %w", err)
	}
	if !resp.OK {
		s.kill()
		return nil, fmt.Errorf("script: not ready: %s", resp.Error)
	}
	s.log.Debug("script session ready")
	return s, nil
}

type lineOrErr struct {
	line []byte
	err  error
}

type session struct {
	cfg   Config
	log   logx.Logger
	cmd   *exec.Cmd
	stdin io.WriteCloser
	lines chan lineOrErr

	// abandon releases readLoop once the session is closing: a late line the
	// caller timed out on must not pin the goroutine forever.
	abandon     chan struct{}
	abandonOnce sync.Once

	waitOnce sync.Once
	waitErr  error
}

func (s *session) readLoop(r io.Reader) {
	defer close(s.lines)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case s.lines <- lineOrErr{line: line}:
		case <-s.abandon:
			return
		}
	}
	err := sc.Err()
	if err == nil {
		err = io.EOF
	}
	select {
	case s.lines <- lineOrErr{err: err}:
	case <-s.abandon:
	}
}

func (s *session) abandonReads() {
	s.abandonOnce.Do(func() { close(s.abandon) })
}

// wait funnels every caller through a single cmd.Wait.
func (s *session) wait() error {
	s.waitOnce.Do(func() { s.waitErr = s.cmd.Wait() })
	return s.waitErr
}

func (s *session) send(req request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	if _, err := s.stdin.Write(b); err != nil {
		return fmt.Errorf("script: write request: %w", err)
	}
	return nil
}

func (s *session) readResponse(ctx context.Context) (response, error) {
	select {
	case <-ctx.Done():
		return response{}, ctx.Err()
	case le, ok := <-s.lines:
		if !ok || le.err != nil {
			err := le.err
			if err == nil {
				err = io.EOF
			}
			return response{}, fmt.Errorf("script: read response: %w", err)
		}
		var resp response
		if err := json.Unmarshal(le.line, &resp); err != nil {
			return response{}, fmt.Errorf("script: bad response line: %w", err)
		}
		return resp, nil
	}
}

func (s *session) Attempt(ctx context.Context, text string) (publisher.Outcome, error) {
	req := request{Op: "attempt", Text: text, AckWindowMS: s.cfg.AckWindow.Milliseconds()}
	if err := s.send(req); err != nil {
		return publisher.Outcome{}, err
	}
	resp, err := s.readResponse(ctx)
	if err != nil {
		return publisher.Outcome{}, err
	}

	switch resp.Kind {
	case "ack":
		return publisher.Outcome{
			Kind:    publisher.OutcomeAck,
			Success: resp.Success,
			Message: resp.Message,
		}, nil
	case "indeterminate":
		out := publisher.Outcome{Kind: publisher.OutcomeIndeterminate}
		if resp.Evidence == "composer_cleared" {
			out.Evidence = publisher.EvidenceComposerCleared
		}
		return out, nil
	default:
		if strings.Contains(strings.ToLower(resp.Error), "control not found") {
			return publisher.Outcome{}, publisher.ErrControlNotFound
		}
		return publisher.Outcome{}, fmt.Errorf("script: attempt failed: %s", resp.Error)
	}
}

// CaptureDiagnostic asks the script to dump its channel state and writes it
// to the diagnostics directory. Failures are logged, never propagated.
func (s *session) CaptureDiagnostic(ctx context.Context, itemID int64, reason string) {
	if s.cfg.DiagnosticsDir == "" {
		return
	}
	if err := s.send(request{Op: "diagnostic"}); err != nil {
		s.log.Warn("diagnostic request failed", logx.Err(err))
		return
	}
	resp, err := s.readResponse(ctx)
	if err != nil || !resp.OK {
		s.log.Warn("diagnostic capture failed", logx.Err(err), logx.String("script_error", resp.Error))
		return
	}
	if err := os.MkdirAll(s.cfg.DiagnosticsDir, 0o755); err != nil {
		s.log.Warn("diagnostics dir unavailable", logx.Err(err))
		return
	}
	name := fmt.Sprintf("%d-%s-%s.json", itemID, reason, uuid.NewString())
	path := filepath.Join(s.cfg.DiagnosticsDir, name)
	if err := os.WriteFile(path, resp.Diagnostic, 0o644); err != nil {
		s.log.Warn("diagnostic write failed", logx.Err(err), logx.String("path", path))
		return
	}
	s.log.Info("diagnostic captured", logx.Int64("id", itemID), logx.String("path", path))
}

func (s *session) Close() error {
	s.abandonReads()

	// Polite close first; the script gets a moment to tear the browser down.
	_ = s.send(request{Op: "close"})
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		if s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
		<-done
		return errors.New("script: close timed out; process killed")
	}
}

func (s *session) kill() {
	s.abandonReads()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.wait()
}
