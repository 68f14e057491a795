package app

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
)

// RetryPolicy bounds how a provider call is retried.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	CapDelay    time.Duration
	CallTimeout time.Duration
	// Observe, when set, is told about each failed attempt.
	Observe func(op string, attempt int, err error)
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		CapDelay:    10 * time.Second,
		CallTimeout: 30 * time.Second,
	}
}

func (p RetryPolicy) backoff() retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = time.Millisecond
	}
	capDelay := p.CapDelay
	if capDelay < base {
		capDelay = base
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	// The first wait is 2*base so the delay before attempt n is base*2^(n-1).
	b := retry.NewExponential(2 * base)
	b = retry.WithCappedDuration(capDelay, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error, or the policy's
// attempts are used up. Each attempt gets its own CallTimeout.
func WithRetry[T any](ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var (
		result        T
		attempts      int
		lastErr       error
		lastRetryable bool
	)

	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		attempts++
		callCtx := ctx
		if policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.CallTimeout)
			defer cancel()
		}

		value, err := fn(callCtx)
		if err == nil {
			result = value
			return nil
		}

		lastErr = err
		lastRetryable = IsRetryable(err)
		if policy.Observe != nil {
			policy.Observe(op, attempts, err)
		}
		if lastRetryable {
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return result, nil
	}

	var zero T
	if lastRetryable {
		return zero, &RetryExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
	}
	return zero, err
}
