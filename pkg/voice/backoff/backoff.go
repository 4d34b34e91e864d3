// Package backoff is the retry policy shared by the transport, the control
// channel queue, the conversation gate and the message save queue.
package backoff

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/sethvargo/go-retry"
)

// Policy controls bounded exponential retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay <= 0 || p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return p
}

// Delay returns the wait before retry number attempt (0-indexed):
// BaseDelay * Multiplier^attempt, capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if d > float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether attempt (0-indexed) is past the allowed count.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.normalized().MaxAttempts
}

// Backoff returns a fresh go-retry backoff that yields MaxAttempts-1 delays.
func (p Policy) Backoff() retry.Backoff {
	p = p.normalized()
	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		d := p.Delay(attempt)
		attempt++
		return d, false
	})
	return retry.WithMaxRetries(uint64(p.MaxAttempts-1), next)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts run
// out, or ctx ends. It reports how many times fn ran. Permanent wrappers are
// removed from the returned error.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	attempts := 0
	err := retry.Do(ctx, p.Backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx, attempts-1)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return err
		}
		return retry.RetryableError(err)
	})
	var pe *permanentError
	if errors.As(err, &pe) && err == error(pe) {
		err = pe.err
	}
	return attempts, err
}
