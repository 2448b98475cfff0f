package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted is returned, joined with the last failure, when every
// attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that Do returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Policy is a capped exponential backoff.
type Policy struct {
	Attempts   int           // total attempts; values below one mean one
	Initial    time.Duration // wait before the second attempt
	Max        time.Duration // cap on any single wait
	Multiplier float64
	Jitter     float64 // fraction of each wait added at random, 0..1

	// Retryable reports whether err deserves another attempt. Nil retries
	// every error that is not Permanent.
	Retryable func(error) bool
	// OnRetry runs before each wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Upload returns the policy storage backends use around one object upload.
func Upload() Policy {
	return Policy{
		Attempts:   4,
		Initial:    100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2,
		Jitter:     0.25,
	}
}

// Validate rejects policies that cannot produce a backoff.
func (p Policy) Validate() error {
	switch {
	case p.Initial < 0 || p.Max < 0:
		return fmt.Errorf("retry: negative delay in policy %+v", p)
	case p.Multiplier < 1 && p.Multiplier != 0:
		return fmt.Errorf("retry: multiplier %v shrinks the backoff", p.Multiplier)
	case p.Jitter < 0 || p.Jitter > 1:
		return fmt.Errorf("retry: jitter %v outside [0, 1]", p.Jitter)
	case p.Max != 0 && p.Max < p.Initial:
		return fmt.Errorf("retry: max delay %s below initial delay %s", p.Max, p.Initial)
	}
	return nil
}

// Backoff returns the wait after failed attempt n (1-based), without jitter.
func (p Policy) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult == 0 {
		mult = 1
	}
	wait := float64(p.Initial) * math.Pow(mult, float64(n-1))
	if p.Max > 0 && wait > float64(p.Max) {
		return p.Max
	}
	return time.Duration(wait)
}

func (p Policy) wait(n int) time.Duration {
	d := p.Backoff(n)
	if p.Jitter > 0 && d > 0 {
		if extra := int64(float64(d) * p.Jitter); extra > 0 {
			d += time.Duration(rand.Int63n(extra))
		}
	}
	return d
}

// Do calls fn until it succeeds, returns a Permanent or non-retryable error,
// the attempts run out, or ctx ends.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if err := p.Validate(); err != nil {
		return err
	}
	attempts := max(p.Attempts, 1)

	var last error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return fmt.Errorf("%w: %w", err, last)
			}
			return err
		}

		last = fn(ctx)
		if last == nil {
			return nil
		}
		if IsPermanent(last) || (p.Retryable != nil && !p.Retryable(last)) {
			return last
		}
		if n == attempts {
			break
		}

		wait := p.wait(n)
		if p.OnRetry != nil {
			p.OnRetry(n, last, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), last)
		case <-timer.C:
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, last)
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
