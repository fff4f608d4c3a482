package publisher

import (
	"context"
	"errors"
)

// Driver is the delivery channel capability. Implementations own all
// channel-specific automation; the publisher only sees typed outcomes.
type Driver interface {
	// Open acquires a delivery session. Sessions are stateful and must not
	// be shared: at most one Attempt may be in flight per session.
	Open(ctx context.Context) (Session, error)
}

// Session is one live delivery channel session, owned by a single worker.
type Session interface {
	// Attempt transmits text and reports what the channel said (or didn't).
	// A non-nil error means the attempt itself could not be carried out;
	// channel-reported rejection is an Outcome, not an error.
	Attempt(ctx context.Context, text string) (Outcome, error)

	// CaptureDiagnostic records channel state for offline debugging.
	// Best-effort: it never fails the caller.
	CaptureDiagnostic(ctx context.Context, itemID int64, reason string)

	Close() error
}

// ErrControlNotFound is returned by drivers that could not even locate the
// channel's composer or submit control. It is kept distinct from
// channel-reported failures and timeouts so the classifier can tell
// structural breakage apart (a changed page layout, not a rejected post).
var ErrControlNotFound = errors.New("driver: composer or submit control not found")

// OutcomeKind says whether the channel acknowledged the attempt at all.
type OutcomeKind int

const (
	// OutcomeAck means the channel explicitly confirmed or rejected.
	OutcomeAck OutcomeKind = iota + 1

	// OutcomeIndeterminate means no explicit acknowledgment was observed
	// within the driver's polling window.
	OutcomeIndeterminate
)

// Evidence is side-channel state observed alongside an indeterminate outcome.
type Evidence int

const (
	EvidenceNone Evidence = iota

	// EvidenceComposerCleared: the input surface was empty or closed after
	// submission. Historically this correlates with success, but it cannot
	// distinguish "succeeded" from "lost navigation", so it is classified
	// as inferred success rather than confirmed.
	EvidenceComposerCleared
)

// Outcome is the typed result of a delivery attempt.
type Outcome struct {
	Kind OutcomeKind

	// Success and Message are meaningful for OutcomeAck only. Message is
	// the channel-provided text (toast/notice), when any.
	Success bool
	Message string

	// Evidence is meaningful for OutcomeIndeterminate only.
	Evidence Evidence
}
