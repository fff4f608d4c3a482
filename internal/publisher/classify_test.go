package publisher

import (
	"context"
	"errors"
	"testing"

	"postqueue/internal/queue"
)

func TestClassifyErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantNote string
	}{
		{"structural breakage", ErrControlNotFound, "structural"},
		{"wrapped structural", errors.Join(errors.New("attempt"), ErrControlNotFound), "structural"},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"generic driver error", errors.New("pipe broke"), "driver"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(Outcome{}, tt.err)
			if cls.Sent {
				t.Fatal("errored attempt classified as sent")
			}
			if cls.Reason != queue.ReasonUnknown {
				t.Errorf("reason = %q, want %q", cls.Reason, queue.ReasonUnknown)
			}
			if cls.Note != tt.wantNote {
				t.Errorf("note = %q, want %q", cls.Note, tt.wantNote)
			}
		})
	}
}

func TestClassifyAck(t *testing.T) {
	tests := []struct {
		name       string
		out        Outcome
		wantSent   bool
		wantReason queue.Reason
	}{
		{
			"explicit success",
			Outcome{Kind: OutcomeAck, Success: true},
			true, "",
		},
		{
			"rate limit toast in chinese",
			Outcome{Kind: OutcomeAck, Message: "发布频繁，请稍后再试"},
			false, queue.ReasonRateLimited,
		},
		{
			"rate limit toast in english",
			Outcome{Kind: OutcomeAck, Message: "Too frequent, try again later"},
			false, queue.ReasonRateLimited,
		},
		{
			"empty content toast",
			Outcome{Kind: OutcomeAck, Message: "内容为空"},
			false, queue.ReasonEmptyContent,
		},
		{
			"network toast",
			Outcome{Kind: OutcomeAck, Message: "网络异常"},
			false, queue.ReasonNetwork,
		},
		{
			"case insensitive match",
			Outcome{Kind: OutcomeAck, Message: "RATE LIMIT exceeded"},
			false, queue.ReasonRateLimited,
		},
		{
			"unrecognized rejection",
			Outcome{Kind: OutcomeAck, Message: "something new"},
			false, queue.ReasonUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cls := Classify(tt.out, nil)
			if cls.Sent != tt.wantSent {
				t.Fatalf("sent = %v, want %v", cls.Sent, tt.wantSent)
			}
			if cls.Sent && cls.Inferred {
				t.Error("explicit ack must not be inferred")
			}
			if !cls.Sent && cls.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", cls.Reason, tt.wantReason)
			}
		})
	}
}

func TestClassifyIndeterminate(t *testing.T) {
	cls := Classify(Outcome{Kind: OutcomeIndeterminate, Evidence: EvidenceComposerCleared}, nil)
	if !cls.Sent || !cls.Inferred {
		t.Errorf("composer cleared: sent=%v inferred=%v, want both true", cls.Sent, cls.Inferred)
	}

	cls = Classify(Outcome{Kind: OutcomeIndeterminate}, nil)
	if cls.Sent {
		t.Fatal("no evidence classified as sent")
	}
	if cls.Reason != queue.ReasonUnknown || cls.Note != "timeout" {
		t.Errorf("no evidence: reason=%q note=%q, want unknown/timeout", cls.Reason, cls.Note)
	}
}
