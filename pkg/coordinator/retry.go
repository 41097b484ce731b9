package coordinator

import (
	"context"
	"time"
)

// RetryPolicy bounds retries of transient faults.
type RetryPolicy struct {
	// MaxRetries is the number of extra attempts after the first one.
	MaxRetries int
	// Base is the delay before the first retry; each later retry doubles it.
	Base time.Duration
}

// DefaultRetryPolicy allows two retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, Base: time.Second}
}

// Delay returns the backoff after a failed attempt (0-based): Base * 2^attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	return p.Base << uint(attempt)
}

// ShouldRetry reports whether another attempt is allowed after attempt failed.
func (p RetryPolicy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
