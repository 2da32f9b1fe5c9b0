package verifier

import (
	"context"
	"time"

	"github.com/wisbric/uploadgw/pkg/webhook"
)

// Polling defaults (spec.md §4.4).
const (
	pollInitialBackoff = 500 * time.Millisecond
	pollMultiplier     = 1.5
	pollMaxBackoff     = 5 * time.Second
	// DefaultMaxWait bounds WaitForObject's overall polling budget, justified
	// by cross-region replication latency on large objects.
	DefaultMaxWait = 120 * time.Second
)

// WaitForObject polls Verify with exponential backoff (start 500ms,
// multiplier 1.5, cap 5s) until the object exists, a non-retryable error
// occurs, or maxWait elapses (spec.md §4.4). A maxWait ≤ 0 uses
// DefaultMaxWait.
func (v *Verifier) WaitForObject(ctx context.Context, rec webhook.Record, locator webhook.ProviderLocator, maxWait time.Duration) (Result, error) {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	deadline := time.Now().Add(maxWait)
	backoff := pollInitialBackoff

	for {
		result, err := v.Verify(ctx, rec, locator)
		if err != nil && !IsRetryable(err) {
			return Result{}, err
		}
		if err == nil && result.Exists {
			return result, nil
		}
		if time.Now().Add(backoff).After(deadline) {
			return result, err
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * pollMultiplier)
		if backoff > pollMaxBackoff {
			backoff = pollMaxBackoff
		}
	}
}
