// Package retry implements bounded retry with jittered exponential backoff.
//
// The package is deliberately unaware of provider error taxonomies: callers
// mark errors that must not be retried by wrapping them with Permanent, and
// errors that know their own wait (Retry-After, overload cool-down) implement
// DelayHinter. Everything else retries on the exponential schedule.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Config controls the retry schedule.
type Config struct {
	// MaxAttempts is the total attempt budget, first try included.
	MaxAttempts int

	// BaseDelay seeds the exponential schedule.
	BaseDelay time.Duration

	// MaxDelay bounds any single wait, including hinted waits.
	MaxDelay time.Duration

	// Jitter is the relative jitter applied to each wait (0.1 = ±10%).
	Jitter float64
}

// DefaultConfig matches the engine's stock retry budget.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      0.1,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 1 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = 0.1
	}
	return c
}

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap exposes the wrapped error to errors.Is/As.
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable. A nil err returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// DelayHinter is implemented by errors that carry their own wait, such as a
// 429 with a Retry-After header or a 529 overload response.
type DelayHinter interface {
	RetryDelayHint() (time.Duration, bool)
}

// Do runs fn until it succeeds, returns a permanent error, exhausts the
// attempt budget, or ctx is done. The last error is returned unwrapped from
// any PermanentError marker.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := DoWithValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoWithValue is Do for functions that produce a value.
func DoWithValue[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, DelayFor(cfg, attempt, err)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

// DelayFor computes the wait after the given failed attempt (1-based). A
// delay hint on the error chain takes precedence over the exponential
// schedule; the jittered wait never exceeds MaxDelay.
func DelayFor(cfg Config, attempt int, err error) time.Duration {
	cfg = cfg.withDefaults()

	delay := Backoff(cfg, attempt)
	var hinter DelayHinter
	if errors.As(err, &hinter) {
		if hint, ok := hinter.RetryDelayHint(); ok && hint > 0 {
			delay = hint
		}
	}
	delay = jitter(delay, cfg.Jitter)
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

// Backoff returns the unjittered exponential delay for a failed attempt:
// min(base * 2^(attempt-1), max).
func Backoff(cfg Config, attempt int) time.Duration {
	cfg = cfg.withDefaults()

	delay := cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || d <= 0 {
		return d
	}
	// Uniform in [1-factor, 1+factor].
	scale := 1 - factor + 2*factor*rand.Float64()
	return time.Duration(float64(d) * scale)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
