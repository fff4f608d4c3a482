package publisher

import (
	"context"
	"errors"
	"strings"

	"postqueue/internal/queue"
)

// Classification is the publisher's verdict on one delivery attempt.
type Classification struct {
	Sent bool

	// Inferred marks a success deduced from side-channel evidence rather
	// than an explicit channel acknowledgment.
	Inferred bool

	// Reason is set when Sent is false.
	Reason queue.Reason

	// Note carries the failure sub-kind for logging ("structural",
	// "timeout", "channel", "driver").
	Note string
}

// Channel failure messages are natural-language toasts; matching them by
// substring is inherently brittle, which is why it lives here and nowhere
// else. The channel speaks Chinese; English equivalents are matched too.
var (
	rateLimitPatterns = []string{
		"too frequent", "try again later", "rate limit",
		"频繁", "稍后再试",
	}
	emptyContentPatterns = []string{
		"content is empty", "empty content",
		"内容为空", "不能为空",
	}
	networkPatterns = []string{
		"network", "connection",
		"网络", "连接",
	}
)

// Classify maps a driver attempt result to a typed outcome.
//
// err takes precedence: any failure to carry the attempt out folds into the
// unknown/retry path, with structural breakage and deadline expiry noted
// separately so operators can tell them apart.
func Classify(out Outcome, err error) Classification {
	if err != nil {
		note := "driver"
		switch {
		case errors.Is(err, ErrControlNotFound):
			note = "structural"
		case errors.Is(err, context.DeadlineExceeded):
			note = "timeout"
		}
		return Classification{Reason: queue.ReasonUnknown, Note: note}
	}

	switch out.Kind {
	case OutcomeAck:
		if out.Success {
			return Classification{Sent: true}
		}
		msg := strings.ToLower(out.Message)
		switch {
		case matchAny(msg, rateLimitPatterns):
			return Classification{Reason: queue.ReasonRateLimited, Note: "channel"}
		case matchAny(msg, emptyContentPatterns):
			return Classification{Reason: queue.ReasonEmptyContent, Note: "channel"}
		case matchAny(msg, networkPatterns):
			return Classification{Reason: queue.ReasonNetwork, Note: "channel"}
		default:
			return Classification{Reason: queue.ReasonUnknown, Note: "channel"}
		}

	case OutcomeIndeterminate:
		if out.Evidence == EvidenceComposerCleared {
			// Heuristic: an emptied composer usually means the post went out.
			return Classification{Sent: true, Inferred: true}
		}
		return Classification{Reason: queue.ReasonUnknown, Note: "timeout"}
	}

	return Classification{Reason: queue.ReasonUnknown, Note: "driver"}
}

func matchAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
