package delivery

import (
	"math/rand"
	"time"
)

// MaxAttempts and RetryDelays are the defaults from spec.md §4.6; both are
// overridable via Config (WEBHOOK_MAX_ATTEMPTS, WEBHOOK_RETRY_DELAY_{1,2,3}).
const MaxAttempts = 3

// RetryDelays are the base backoff delays indexed by (attemptCount-1).
var RetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second}

// jitterMax is the uniform jitter ceiling added to each retry delay to
// decorrelate retries across workers (spec.md §4.6).
const jitterMax = 1000 * time.Millisecond

// nextDelay returns RetryDelays[attempt-1] plus uniform jitter in
// [0, 1000ms], falling back to the last configured delay if attempt
// exceeds len(delays).
func nextDelay(delays []time.Duration, attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(delays) {
		idx = len(delays) - 1
	}
	jitter := time.Duration(rand.Int63n(int64(jitterMax) + 1))
	return delays[idx] + jitter
}
