// Package retry schedules repeated work for the conversation store.
//
// Two kinds of callers use it. Payload deletion and deferred migrations
// retry in place with Do, sleeping between attempts. Queued deliveries are
// not retried in process; the store records a due time computed by
// NextAttempt and a worker picks the entry up again once it is due, until
// Exhausted reports that the entry should be marked permanently failed.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

const (
	defaultRetries    = 3
	defaultInitial    = 100 * time.Millisecond
	defaultCeiling    = 30 * time.Second
	defaultMultiplier = 2.0
)

// Config is a backoff policy.
type Config struct {
	// MaxRetries bounds the attempts after the first one. Do runs fn at
	// most MaxRetries+1 times; a queued delivery is exhausted once its
	// retry index reaches MaxRetries. Zero means a single attempt.
	MaxRetries int

	// InitialBackoff is the wait after the first failure.
	InitialBackoff time.Duration

	// MaxBackoff caps any single wait, including a delivery's distance
	// from now to its next due time.
	MaxBackoff time.Duration

	// Multiplier grows the wait per failure.
	Multiplier float64

	// Jitter spreads each wait by up to this fraction in either direction,
	// so deliveries that failed together do not come due together. It is
	// clamped to [0, 1].
	Jitter float64

	// IsRetryable decides whether Do tries again. Nil means
	// DefaultIsRetryable.
	IsRetryable func(error) bool

	// OnRetry runs before each wait in Do with the number of the failed
	// attempt (one based).
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultConfig is the in-place policy used for payload deletion and
// migration retries.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     defaultRetries,
		InitialBackoff: defaultInitial,
		MaxBackoff:     defaultCeiling,
		Multiplier:     defaultMultiplier,
		Jitter:         0.1,
		IsRetryable:    DefaultIsRetryable,
	}
}

// normalized fills zero fields and clamps out of range ones.
func (c Config) normalized() Config {
	c.MaxRetries = max(c.MaxRetries, 0)
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitial
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultCeiling
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaultMultiplier
	}
	c.Jitter = min(max(c.Jitter, 0), 1)
	if c.IsRetryable == nil {
		c.IsRetryable = DefaultIsRetryable
	}
	return c
}

// wait is the delay after failure number n (zero based).
func (c Config) wait(n int) time.Duration {
	d := math.Min(float64(c.InitialBackoff)*math.Pow(c.Multiplier, float64(n)), float64(c.MaxBackoff))
	if c.Jitter > 0 {
		spread := d * c.Jitter
		d += (rand.Float64()*2 - 1) * spread
	}
	return time.Duration(d)
}

// Reasons carried by RetryError.Err.
var (
	ErrNotRetryable    = errors.New("retry: error is not retryable")
	ErrMaxRetries      = errors.New("retry: max retries exceeded")
	ErrContextCanceled = errors.New("retry: context canceled")
)

// RetryableFunc is one attempt.
type RetryableFunc func(ctx context.Context) error

// Do runs fn until it succeeds, returns an error IsRetryable rejects, uses
// up the retries, or ctx ends. Failures come back as *RetryError.
func Do(ctx context.Context, cfg Config, fn RetryableFunc) error {
	cfg = cfg.normalized()

	var last error
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			if last == nil {
				return err
			}
			return &RetryError{Cause: last, Attempts: n, Err: ErrContextCanceled}
		}

		last = fn(ctx)
		switch {
		case last == nil:
			return nil
		case !cfg.IsRetryable(last):
			return &RetryError{Cause: last, Attempts: n + 1, Err: ErrNotRetryable}
		case n == cfg.MaxRetries:
			return &RetryError{Cause: last, Attempts: n + 1, Err: ErrMaxRetries}
		}

		d := cfg.wait(n)
		if cfg.OnRetry != nil {
			cfg.OnRetry(n+1, last, d)
		}
		if !sleep(ctx, d) {
			return &RetryError{Cause: last, Attempts: n + 1, Err: ErrContextCanceled}
		}
	}
}

// DoWithResult is Do for functions that produce a value.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, cfg, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// RetryError is the failure of a Do call.
type RetryError struct {
	// Cause is the error of the last attempt.
	Cause error
	// Attempts counts the calls to fn.
	Attempts int
	// Err is ErrMaxRetries, ErrNotRetryable or ErrContextCanceled.
	Err error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d attempts (%s): %s", e.Attempts, e.Err, e.Cause)
}

func (e *RetryError) Unwrap() error { return e.Cause }

// Is matches both the reason and the cause.
func (e *RetryError) Is(target error) bool {
	return errors.Is(e.Err, target) || errors.Is(e.Cause, target)
}

// Backoff is the wait after failure number attempt (zero based).
func Backoff(cfg Config, attempt int) time.Duration {
	return cfg.normalized().wait(max(attempt, 0))
}

// NextAttempt is the due time of a queued delivery that has failed
// retryIndex times before, counted from now.
func NextAttempt(cfg Config, retryIndex int, now time.Time) time.Time {
	return now.Add(Backoff(cfg, retryIndex))
}

// Exhausted reports whether a queued delivery at retryIndex has no
// retries left and should be marked permanently failed.
func Exhausted(cfg Config, retryIndex int) bool {
	return retryIndex >= cfg.normalized().MaxRetries
}

// DefaultIsRetryable honours MarkRetryable and MarkNotRetryable and
// otherwise treats every error as transient. A wrapped ErrNotRetryable
// is never retried.
func DefaultIsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrNotRetryable) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// MarkNotRetryable tags err so DefaultIsRetryable rejects it.
func MarkNotRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: false}
}

// MarkRetryable tags err so DefaultIsRetryable accepts it.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &marked{cause: err, retryable: true}
}

type marked struct {
	cause     error
	retryable bool
}

func (e *marked) Error() string   { return e.cause.Error() }
func (e *marked) Unwrap() error   { return e.cause }
func (e *marked) Retryable() bool { return e.retryable }
