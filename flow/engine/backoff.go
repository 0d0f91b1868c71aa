package engine

import (
	"math/rand"
	"time"
)

// computeBackoff returns the delay before retry number attempt (0-based):
// base * 2^attempt capped at maxDelay, plus up to base of jitter so
// synchronized failures do not retry in lockstep.
func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt > 16 {
		attempt = 16
	}
	delay := base * (1 << attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	// Jitter timing only, not security-sensitive.
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404
	return delay + jitter
}
