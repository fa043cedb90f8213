// Package retry provides a bounded exponential-backoff policy shared by the
// frame send path and the PutMedia reconnect path.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted wraps the last error once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy describes how many times to try and how long to wait between
// attempts. The wait before retry n (1-based) is Initial * Multiplier^(n-1),
// capped at Max.
type Policy struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
	Multiplier  float64
}

// DefaultSend is three attempts with 200/400/800ms waits.
var DefaultSend = Policy{
	MaxAttempts: 3,
	Initial:     200 * time.Millisecond,
	Max:         800 * time.Millisecond,
	Multiplier:  2,
}

// DefaultReconnect backs off from 1s to 30s over ten attempts.
var DefaultReconnect = Policy{
	MaxAttempts: 10,
	Initial:     time.Second,
	Max:         30 * time.Second,
	Multiplier:  2,
}

// Backoff returns the wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.Initial <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial)
	for i := 1; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			return p.Max
		}
	}
	if p.Max > 0 && time.Duration(d) > p.Max {
		return p.Max
	}
	return time.Duration(d)
}

// Schedule lists every wait the policy can produce.
func (p Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.MaxAttempts)
	for i := 1; i <= p.MaxAttempts; i++ {
		out = append(out, p.Backoff(i))
	}
	return out
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done. fn
// receives the 1-based attempt number. A zero MaxAttempts means one attempt.
// Errors marked with Permanent stop the loop immediately.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(attempt); err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}

		t := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, err)
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
