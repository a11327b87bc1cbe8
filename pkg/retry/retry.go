// Package retry provides a context-aware retry loop with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first one.
	MaxAttempts int
	// Delay is the wait before the second attempt.
	Delay time.Duration
	// Multiplier grows the delay after every failed attempt.
	Multiplier float64
}

// Default mirrors the storage defaults: 3 attempts, 1s, doubling.
var Default = Policy{MaxAttempts: 3, Delay: time.Second, Multiplier: 2}

// Attempt carries per-attempt information to callbacks.
type Attempt struct {
	Number int           // 1-based
	Err    error         // error returned by the attempt
	Wait   time.Duration // delay before the next attempt
}

// Options tunes a single Do call.
type Options struct {
	// Retryable decides whether err warrants another attempt. Nil retries everything.
	Retryable func(err error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(a Attempt)
	// Sleep replaces the timer wait, used by tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err so that Do stops retrying immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the policy is
// exhausted, or ctx is done. The last error is returned unwrapped from Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, opts ...Options) error {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	if o.Sleep == nil {
		o.Sleep = sleep
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 1
	}

	wait := p.Delay
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if o.Retryable != nil && !o.Retryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts {
			break
		}

		if o.OnRetry != nil {
			o.OnRetry(Attempt{Number: attempt, Err: lastErr, Wait: wait})
		}
		if err := o.Sleep(ctx, wait); err != nil {
			return lastErr
		}
		wait = time.Duration(float64(wait) * p.Multiplier)
	}
	return lastErr
}

// Backoff returns the delay before attempt n+1 (n is 1-based) under p.
func (p Policy) Backoff(n int) time.Duration {
	d := float64(p.Delay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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
