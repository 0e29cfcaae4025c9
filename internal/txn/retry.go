package txn

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	ierrors "github.com/iamNilotpal/ignite/pkg/errors"
	"github.com/iamNilotpal/ignite/pkg/options"
)

// WithRetry runs fn, retrying with exponential backoff while fn returns a
// ConcurrentLock error — raised when a write meets another transaction's
// write lock or retained read lock — up to opts.LockRetryMaxAttempts times.
// Any other error, including BeginTransaction/BeginROTransaction refusals
// (which carry other codes), or success, stops the retry loop immediately.
func WithRetry(ctx context.Context, opts *options.TransactionOptions, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.LockRetryInitialBackoff
	b.Multiplier = 2
	b.MaxElapsedTime = 0 // bounded by attempt count below, not wall clock

	bounded := backoff.WithMaxRetries(b, uint64(opts.LockRetryMaxAttempts))
	withCtx := backoff.WithContext(bounded, ctx)

	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if ierrors.IsConcurrentLock(err) {
			return err
		}
		return backoff.Permanent(err)
	}, withCtx)
}

// defaultRetryDelay computes a single exponential backoff delay (base
// doubled attempt times) outside the full WithRetry loop. It is unexported
// and nothing in this package calls it.
func defaultRetryDelay(attempt int, base time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}
