package queue

import "time"

// DefaultMaxAttempts is the retry budget before an item goes terminal.
const DefaultMaxAttempts = 3

// Backoff returns the delay before a failed item becomes eligible again.
//
// attempts is the item's attempt count after the failed attempt was recorded.
// Rate limiting gets a long flat delay, network blips a shorter one, empty
// content retries immediately (upstream may have fixed the payload), and
// everything else escalates linearly, capped at five minutes.
func Backoff(reason Reason, attempts int) time.Duration {
	switch reason {
	case ReasonRateLimited:
		return 180 * time.Second
	case ReasonNetwork:
		return 60 * time.Second
	case ReasonEmptyContent:
		return 0
	default:
		d := time.Duration(20*attempts) * time.Second
		if d > 300*time.Second {
			d = 300 * time.Second
		}
		return d
	}
}
