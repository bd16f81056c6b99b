// Package retry provides a shared retry utility with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// cryptoInt64n returns a random int64 in [0, n) using crypto/rand.
func cryptoInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1 // ensure fits in int64
	return int64(v % uint64(n))                //nolint:gosec // n>0, v%n < n, safe
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that a policy will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Policy describes how a call site retries. Either Schedule is set
// (fixed delays, one per retry) or BaseDelay is doubled per attempt.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Schedule    []time.Duration // overrides exponential backoff when set
	Jitter      bool            // +-25% applied to each delay
}

// Exponential returns a policy doubling baseDelay per attempt with jitter.
func Exponential(maxAttempts int, baseDelay time.Duration) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay, Jitter: true}
}

// Fixed returns a policy with an explicit delay schedule and no jitter.
// MaxAttempts is len(schedule)+1: one initial attempt plus one per delay.
func Fixed(schedule ...time.Duration) Policy {
	return Policy{MaxAttempts: len(schedule) + 1, Schedule: schedule}
}

// delay returns the sleep before retry number n (0-based).
func (p Policy) delay(n int) time.Duration {
	var d time.Duration
	if len(p.Schedule) > 0 {
		if n >= len(p.Schedule) {
			n = len(p.Schedule) - 1
		}
		d = p.Schedule[n]
	} else {
		d = p.BaseDelay << uint(n)
	}
	if p.Jitter && d > 0 {
		jitter := d / 4
		d = d - jitter + time.Duration(cryptoInt64n(int64(2*jitter+1)))
	}
	return d
}

// Do calls fn up to p.MaxAttempts times. It stops early if:
//   - fn returns nil (success)
//   - fn returns a *PermanentError (not retryable)
//   - ctx is cancelled
func (p Policy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Don't retry permanent errors.
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}

		// Don't sleep after the last attempt.
		if attempt == maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}

	return err
}

// Do calls fn up to maxAttempts times with exponential backoff and jitter.
// Shorthand for Exponential(maxAttempts, baseDelay).Do(ctx, fn).
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Exponential(maxAttempts, baseDelay).Do(ctx, fn)
}
