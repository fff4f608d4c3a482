package queue

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a work item.
//
// The transition table is closed:
//
//	pending    -> processing           (claim)
//	processing -> sent                 (commit success)
//	processing -> pending              (commit retry, budget left)
//	processing -> failed               (commit retry at cap, or terminal failure)
//
// Sent and failed are immutable. Processing is never a stable end state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSent       Status = "sent"
	StatusFailed     Status = "failed"
)

// Reason classifies why a delivery attempt did not confirm success.
type Reason string

const (
	ReasonRateLimited  Reason = "rate_limited"
	ReasonNetwork      Reason = "network"
	ReasonEmptyContent Reason = "empty_content"
	ReasonDuplicate    Reason = "duplicate"
	ReasonTimeout      Reason = "timeout"
	ReasonUnknown      Reason = "unknown"
)

// Ack records how a sent item was acknowledged by the channel.
//
// "confirmed" means the channel explicitly acked; "inferred" means success
// was deduced from side-channel evidence (composer cleared) and should be
// read as a heuristic, not a confirmation.
type Ack string

const (
	AckConfirmed Ack = "confirmed"
	AckInferred  Ack = "inferred"
)

var (
	// ErrSuppressed is returned by Enqueue when the duplicate guard rejects
	// the item (identical pending item, or an identical item sent within the
	// trailing dedup window).
	ErrSuppressed = errors.New("queue: item suppressed as duplicate")

	// ErrNotProcessing is returned by commit operations invoked on a row
	// that is not in the processing state. The row is left unchanged.
	ErrNotProcessing = errors.New("queue: item is not processing")

	// ErrNotFound is returned when no row exists for the given id.
	ErrNotFound = errors.New("queue: item not found")
)

// WorkItem is one row of the publish queue.
//
// Rows are append-only from the queue's point of view: terminal rows are
// kept as an audit trail and are never deleted here.
type WorkItem struct {
	ID        int64
	Text      string
	Status    Status
	CreatedAt time.Time
	SentAt    *time.Time
	Attempts  int
	NextTryAt *time.Time
	Approved  bool

	// Ack is set on sent rows only.
	Ack Ack
}

// Stats is an aggregate snapshot used by the janitor summary and shutdown log.
type Stats struct {
	Pending    int
	Processing int
	Sent       int
	Failed     int

	// SentConfirmed/SentInferred split Sent by acknowledgment kind.
	SentConfirmed int
	SentInferred  int
}

// Cursor is a persisted per-source ingestion position. Keeping it in the
// database (instead of process memory) makes restart/recovery explicit.
type Cursor struct {
	Source    string
	Position  string
	UpdatedAt time.Time
}
