// Package retry implements the attempt-count-driven exponential backoff
// used by the token service, workspace manager, and result poster — the
// attempt-driven retry loop internal/webhooks/dispatcher.go uses for
// delivery retries, pulled out into one shared helper instead of three
// copies of it, with a doubling delay in place of the dispatcher's
// attempt^2-second sleep.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy configures how many attempts to make and how long to wait
// between them.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterFrac  float64 // 0.1 == +/-10%
}

// Default makes 3 attempts with a 2s base delay that doubles per attempt
// (2s, 4s), capped at 30s, with +/-10% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.10,
	}
}

// Delay returns the backoff duration before attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.JitterFrac > 0 {
		jitter := (rand.Float64()*2 - 1) * p.JitterFrac
		d = time.Duration(float64(d) * (1 + jitter))
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping Delay(attempt) between
// attempts, stopping early if shouldRetry returns false or ctx is done.
// Returns the last error seen.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}
	return lastErr
}
