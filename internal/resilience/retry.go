package resilience

import (
	"context"
	"fmt"
	"math"
	"time"

	apperrors "vi-trader/internal/errors"
)

// RetryPolicy is a bounded exponential backoff. MaxAttempts counts the
// first try, so MaxAttempts=1 never retries.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(error) bool
	// Sleep waits between attempts. Nil uses a timer bound to ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy returns the default exit retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Retryable:    apperrors.IsRetryable,
	}
}

// NoRetry is a policy that makes exactly one attempt.
func NoRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1}
}

// Backoff returns the wait after the given zero-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{apperrors.ErrRetriesExhausted, e.Err}
}

// Do runs fn until it succeeds, returns a non-retryable error, the
// attempts run out or ctx ends. It returns the number of attempts made.
// Running out of attempts yields an *ExhaustedError.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return attempt + 1, lastErr
		}
		if attempt == attempts-1 {
			break
		}
		if err := p.sleep(ctx, p.Backoff(attempt)); err != nil {
			return attempt + 1, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}

	if attempts == 1 {
		return 1, lastErr
	}
	return attempts, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
