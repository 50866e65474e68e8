package backend

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy bounds retries against a contended backing store. Concurrent
// short-lived writers are expected; briefly serializing them is preferable
// to failing immediately. The zero value retries once (no retry).
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// Backoff is the delay between attempts.
	Backoff time.Duration
}

// DefaultRetryPolicy returns the policy used when the caller does not
// supply one.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, Backoff: 50 * time.Millisecond}
}

// Do runs fn until it succeeds, fails with a non-contention error, or the
// attempt budget is exhausted. Exhaustion surfaces as an error matching
// ErrContention.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrContention) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.Backoff > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff):
			}
		}
	}
	return fmt.Errorf("retry budget exhausted after %d attempts: %w", attempts, err)
}
