package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy is the single retry/backoff description injected into every
// client that talks to an external dependency.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// Retryable reports whether err is worth another attempt. Nil retries everything.
	Retryable func(err error) bool
	// WaitFor overrides the exponential delay for specific errors.
	WaitFor func(err error, attempt int) (time.Duration, bool)
	// Sleep blocks for d or until ctx ends. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetry provides sensible retry defaults.
var DefaultRetry = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    10 * time.Second,
	Jitter:      true,
}

// Backoff returns the exponential delay after the given 1-based attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d > p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.Jitter && d > 0 {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// SleepContext blocks for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return SleepContext(ctx, d)
}

// Retry calls f until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. f receives the 1-based attempt number.
func Retry[T any](ctx context.Context, p RetryPolicy, f func(ctx context.Context, attempt int) Result[T]) Result[T] {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var result Result[T]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result = f(ctx, attempt)
		if result.IsOk() {
			return result
		}
		_, err := result.Unwrap()
		if p.Retryable != nil && !p.Retryable(err) {
			return result
		}
		if attempt == maxAttempts {
			break
		}

		wait := p.Backoff(attempt)
		if p.WaitFor != nil {
			if d, ok := p.WaitFor(err, attempt); ok {
				wait = d
			}
		}
		if err := p.sleep(ctx, wait); err != nil {
			return Err[T](err)
		}
	}
	return result
}

// RetryErr is Retry for functions that only return an error.
func RetryErr(ctx context.Context, p RetryPolicy, f func(ctx context.Context, attempt int) error) error {
	r := Retry(ctx, p, func(ctx context.Context, attempt int) Result[struct{}] {
		return FromPair(struct{}{}, f(ctx, attempt))
	})
	_, err := r.Unwrap()
	return err
}
