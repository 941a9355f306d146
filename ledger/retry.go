package ledger

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds internal retries of Transient failures.
type RetryPolicy struct {
	MaxAttempts     int           // total attempts including the first; <= 1 disables retries
	InitialInterval time.Duration // first backoff delay
	MaxInterval     time.Duration // cap per delay
}

// DefaultRetryPolicy retries twice with a short exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}
}

// run executes op, retrying only errors classified as Transient.
// Every other error ends the loop immediately.
func (p RetryPolicy) run(ctx context.Context, op func() error, onRetry func(error)) error {
	if p.MaxAttempts <= 1 {
		return op()
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}
	eb.MaxElapsedTime = 0 // bounded by attempts, not wall time

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)

	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, _ time.Duration) {
		if onRetry != nil {
			onRetry(err)
		}
	})
}
