package errs

import (
	"context"
	"time"
)

// RetryPolicy bounds the availability retry applied to handler and embedding
// operations. Delays double from Base up to Attempts tries.
type RetryPolicy struct {
	// Attempts is the total number of tries including the first.
	Attempts int
	// Base is the delay before the first retry. Subsequent delays double.
	Base time.Duration
}

// DefaultHandlerRetry is the destination handler policy: 4 retries at
// 2s, 4s, 8s, 16s after the initial attempt.
var DefaultHandlerRetry = RetryPolicy{Attempts: 5, Base: 2 * time.Second}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// policy is exhausted. A RetryAfter hint on a rate-limit error overrides the
// computed backoff delay when it is longer.
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	delay := policy.Base
	var err error
	for attempt := 0; attempt < policy.Attempts; attempt++ {
		if attempt > 0 {
			wait := delay
			if ra := retryAfterOf(err); ra > wait {
				wait = ra
			}
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}
		if err = fn(ctx); err == nil {
			return nil
		}
		if !IsRetryable(err) {
			return err
		}
	}
	return err
}

func retryAfterOf(err error) time.Duration {
	var e *Error
	for err != nil {
		if asErr, ok := err.(*Error); ok {
			e = asErr
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e != nil {
		return e.RetryAfter
	}
	return 0
}
