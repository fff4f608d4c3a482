package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "postqueue/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config configures the queue store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means driver default

	// DedupWindow is the trailing window during which re-enqueueing text
	// identical to a sent item is suppressed. 0 means the 24h default.
	DedupWindow time.Duration

	// MaxAttempts is the retry budget; 0 means DefaultMaxAttempts.
	MaxAttempts int
}

// Store is the durable publish queue. It is the sole source of truth for
// item status; all mutation goes through id-scoped conditional updates, so
// it is safe for any number of concurrent workers without external locking.
type Store struct {
	db  *sql.DB
	log logx.Logger

	dedupWindow time.Duration
	maxAttempts int

	// now is swapped in tests to simulate time.
	now func() time.Time
}

// Open opens (creating if needed) the SQLite-backed store.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("queue: sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		db:          db,
		log:         log,
		dedupWindow: cfg.DedupWindow,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
	if s.dedupWindow <= 0 {
		s.dedupWindow = 24 * time.Hour
	}
	if cfg.MaxAttempts > 0 {
		s.maxAttempts = cfg.MaxAttempts
	}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Enqueue inserts a new pending, unapproved item and returns its id.
//
// The duplicate guard fails closed: when another item with the same
// canonical text is still pending, or was sent within the trailing dedup
// window, Enqueue returns ErrSuppressed and inserts nothing. The check and
// the insert run in one transaction so two concurrent enqueuers of the same
// text cannot both win.
func (s *Store) Enqueue(ctx context.Context, rawText string) (int64, error) {
	canon := Normalize(rawText)
	if canon == "" {
		// Nothing comparable; fall back to the raw text so distinct empty-ish
		// payloads don't suppress each other.
		canon = rawText
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var dup int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM work_item
		  WHERE canon = ?
		    AND (status = ?
		         OR (status = ? AND sent_at IS NOT NULL AND sent_at >= ?))
		  LIMIT 1`,
		canon, StatusPending, StatusSent, now.Add(-s.dedupWindow).UnixMilli(),
	).Scan(&dup)
	switch {
	case err == nil:
		s.log.Debug("enqueue suppressed", logx.Int64("dup_of", dup))
		return 0, ErrSuppressed
	case errors.Is(err, sql.ErrNoRows):
		// no duplicate; insert below
	default:
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO work_item(text, canon, status, created_at, attempts, approved)
		 VALUES(?,?,?,?,0,0)`,
		rawText, canon, StatusPending, now.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	s.log.Debug("item enqueued", logx.Int64("id", id))
	return id, nil
}

// Approve idempotently clears an item for publication. Terminal items are
// left untouched.
func (s *Store) Approve(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE work_item SET approved = 1
		  WHERE id = ? AND status NOT IN (?, ?)`,
		id, StatusSent, StatusFailed,
	)
	return err
}

// Claim atomically reserves up to max eligible items, oldest first.
//
// Eligibility: pending, approved, and past any retry holdoff. Each candidate
// is taken with a single conditional update guarded by id AND status, so a
// race between claimers has at most one winner per row; only rows whose
// update applied are returned (already in the processing state).
func (s *Store) Claim(ctx context.Context, max int) ([]WorkItem, error) {
	if max <= 0 {
		max = 1
	}
	now := s.now()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, created_at, attempts
		   FROM work_item
		  WHERE status = ? AND approved = 1
		    AND (next_try_at IS NULL OR next_try_at <= ?)
		  ORDER BY created_at ASC, id ASC
		  LIMIT ?`,
		StatusPending, now.UnixMilli(), max,
	)
	if err != nil {
		return nil, err
	}
	type candidate struct {
		id        int64
		text      string
		createdAt int64
		attempts  int
	}
	var cands []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.text, &c.createdAt, &c.attempts); err != nil {
			_ = rows.Close()
			return nil, err
		}
		cands = append(cands, c)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var claimed []WorkItem
	for _, c := range cands {
		res, err := s.db.ExecContext(ctx,
			`UPDATE work_item SET status = ? WHERE id = ? AND status = ?`,
			StatusProcessing, c.id, StatusPending,
		)
		if err != nil {
			return claimed, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if n != 1 {
			// Lost the race to another claimer.
			continue
		}
		claimed = append(claimed, WorkItem{
			ID:        c.id,
			Text:      c.text,
			Status:    StatusProcessing,
			CreatedAt: time.UnixMilli(c.createdAt),
			Attempts:  c.attempts,
			Approved:  true,
		})
	}
	return claimed, nil
}

// CommitSuccess resolves a processing item as sent. inferred marks successes
// deduced from side-channel evidence rather than an explicit channel ack.
func (s *Store) CommitSuccess(ctx context.Context, id int64, inferred bool) error {
	ack := AckConfirmed
	if inferred {
		ack = AckInferred
	}
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_item
		    SET status = ?, sent_at = ?, next_try_at = NULL, ack = ?
		  WHERE id = ? AND status = ?`,
		StatusSent, now.UnixMilli(), ack, id, StatusProcessing,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotProcessing
	}
	s.log.Info("item sent", logx.Int64("id", id), logx.String("ack", string(ack)))
	return nil
}

// CommitRetry records a failed attempt on a processing item.
//
// The attempt counter advances by exactly one. While budget remains the item
// returns to pending with a reason-specific holdoff; at the cap it goes
// terminal. The updated item is returned so callers can log the outcome.
func (s *Store) CommitRetry(ctx context.Context, id int64, reason Reason) (WorkItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return WorkItem{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		status   Status
		attempts int
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, attempts FROM work_item WHERE id = ?`, id,
	).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, ErrNotFound
	}
	if err != nil {
		return WorkItem{}, err
	}
	if status != StatusProcessing {
		return WorkItem{}, ErrNotProcessing
	}

	attempts++
	item := WorkItem{ID: id, Attempts: attempts}
	if attempts >= s.maxAttempts {
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_item SET status = ?, attempts = ?, next_try_at = NULL
			  WHERE id = ? AND status = ?`,
			StatusFailed, attempts, id, StatusProcessing,
		); err != nil {
			return WorkItem{}, err
		}
		item.Status = StatusFailed
	} else {
		next := s.now().Add(Backoff(reason, attempts))
		if _, err := tx.ExecContext(ctx,
			`UPDATE work_item SET status = ?, attempts = ?, next_try_at = ?
			  WHERE id = ? AND status = ?`,
			StatusPending, attempts, next.UnixMilli(), id, StatusProcessing,
		); err != nil {
			return WorkItem{}, err
		}
		item.Status = StatusPending
		item.NextTryAt = &next
	}
	if err := tx.Commit(); err != nil {
		return WorkItem{}, err
	}

	if item.Status == StatusFailed {
		s.log.Warn("item failed (attempts exhausted)",
			logx.Int64("id", id), logx.String("reason", string(reason)), logx.Int("attempts", attempts))
	} else {
		s.log.Info("item scheduled for retry",
			logx.Int64("id", id), logx.String("reason", string(reason)),
			logx.Int("attempts", attempts), logx.Time("next_try_at", *item.NextTryAt))
	}
	return item, nil
}

// CommitTerminalFailure resolves a processing item as failed without
// consuming more of the retry budget (non-retryable classifications such as
// duplicate-at-delivery-time).
func (s *Store) CommitTerminalFailure(ctx context.Context, id int64, reason Reason) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_item SET status = ?, next_try_at = NULL
		  WHERE id = ? AND status = ?`,
		StatusFailed, id, StatusProcessing,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrNotProcessing
	}
	s.log.Warn("item failed (terminal)", logx.Int64("id", id), logx.String("reason", string(reason)))
	return nil
}

// SentRecently reports whether text identical (canonically) to rawText was
// sent within the dedup window. The publish worker uses this as a last check
// before handing an item to the delivery driver.
func (s *Store) SentRecently(ctx context.Context, rawText string) (bool, error) {
	canon := Normalize(rawText)
	if canon == "" {
		canon = rawText
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM work_item
		  WHERE canon = ? AND status = ? AND sent_at IS NOT NULL AND sent_at >= ?
		  LIMIT 1`,
		canon, StatusSent, s.now().Add(-s.dedupWindow).UnixMilli(),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Get returns a single item by id.
func (s *Store) Get(ctx context.Context, id int64) (WorkItem, error) {
	var (
		item      WorkItem
		createdAt int64
		sentAt    sql.NullInt64
		nextTryAt sql.NullInt64
		approved  int
		ack       sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, text, status, created_at, sent_at, attempts, next_try_at, approved, ack
		   FROM work_item WHERE id = ?`, id,
	).Scan(&item.ID, &item.Text, &item.Status, &createdAt, &sentAt, &item.Attempts, &nextTryAt, &approved, &ack)
	if errors.Is(err, sql.ErrNoRows) {
		return WorkItem{}, ErrNotFound
	}
	if err != nil {
		return WorkItem{}, err
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	if sentAt.Valid {
		t := time.UnixMilli(sentAt.Int64)
		item.SentAt = &t
	}
	if nextTryAt.Valid {
		t := time.UnixMilli(nextTryAt.Int64)
		item.NextTryAt = &t
	}
	item.Approved = approved != 0
	if ack.Valid {
		item.Ack = Ack(ack.String)
	}
	return item, nil
}

// Stats aggregates item counts per status, splitting sent items by
// acknowledgment kind.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COALESCE(ack, ''), COUNT(*) FROM work_item GROUP BY status, ack`)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = rows.Close() }()

	var st Stats
	for rows.Next() {
		var (
			status Status
			ack    string
			n      int
		)
		if err := rows.Scan(&status, &ack, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusPending:
			st.Pending += n
		case StatusProcessing:
			st.Processing += n
		case StatusSent:
			st.Sent += n
			switch Ack(ack) {
			case AckInferred:
				st.SentInferred += n
			default:
				st.SentConfirmed += n
			}
		case StatusFailed:
			st.Failed += n
		}
	}
	return st, rows.Err()
}

// PutCursor upserts the ingestion position for a source.
func (s *Store) PutCursor(ctx context.Context, source, position string) error {
	if strings.TrimSpace(source) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO source_cursor(source, position, updated_at) VALUES(?,?,?)
		 ON CONFLICT(source) DO UPDATE SET position=excluded.position, updated_at=excluded.updated_at`,
		source, position, s.now().UnixMilli(),
	)
	return err
}

// GetCursor returns the ingestion position for a source, if any.
func (s *Store) GetCursor(ctx context.Context, source string) (Cursor, bool, error) {
	var (
		c  Cursor
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT source, position, updated_at FROM source_cursor WHERE source = ?`, source,
	).Scan(&c.Source, &c.Position, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, err
	}
	c.UpdatedAt = time.UnixMilli(ms)
	return c, true, nil
}
