// Package retry wraps go-retry with the backoff policy used for ledger writes.
package retry

import (
	"context"
	"errors"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it immediately.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn up to maxAttempts times with exponential backoff starting at
// baseDelay and 25% jitter. It stops on success, on a permanent error (which
// is returned unwrapped) or when ctx is done.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = time.Millisecond
	}
	backoff := goretry.WithJitterPercent(25, goretry.NewExponential(baseDelay))
	backoff = goretry.WithMaxRetries(uint64(maxAttempts-1), backoff)

	var last error
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = err
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe
		}
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return pe.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return last
}
