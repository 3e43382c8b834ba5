package geo

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy is a bounded exponential backoff. Delay for attempt n (1-based)
// is BaseDelay*2^(n-1), capped at MaxDelay, then spread by +/- Jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Jitter: 0.2}
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func isPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait after the given failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. It returns the last error and the attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	var lastErr error
	max := p.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if isPermanent(lastErr) {
			return attempt, lastErr
		}
		if attempt == max {
			break
		}
		select {
		case <-time.After(p.Delay(attempt)):
		case <-ctx.Done():
			return attempt, ctx.Err()
		}
	}
	return max, lastErr
}
