// Package retry runs an operation with exponential backoff until it succeeds,
// returns a fatal error, runs out of retries or the context ends.
package retry

import (
	"context"
	"errors"
	"time"
)

type config struct {
	maxRetries   int
	initialDelay time.Duration
	maxDelay     time.Duration
	multiplier   float64
}

// Option configures WithExponentialBackoff.
type Option func(*config)

// WithMaxRetries sets the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithInitialDelay sets the wait before the first retry.
func WithInitialDelay(d time.Duration) Option {
	return func(c *config) { c.initialDelay = d }
}

// WithMaxDelay caps the wait between retries.
func WithMaxDelay(d time.Duration) Option {
	return func(c *config) { c.maxDelay = d }
}

// WithMultiplier sets the growth factor of the wait.
func WithMultiplier(m float64) Option {
	return func(c *config) { c.multiplier = m }
}

// WithExponentialBackoff calls operation until it returns nil. Errors marked
// with Fatal stop immediately. The last error is returned when retries run out.
func WithExponentialBackoff(ctx context.Context, operation func() error, opts ...Option) error {
	cfg := config{
		maxRetries:   5,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
		multiplier:   2,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	delay := cfg.initialDelay
	for attempt := 0; ; attempt++ {
		err := operation()
		if err == nil {
			return nil
		}
		if IsFatal(err) || attempt >= cfg.maxRetries {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}

		delay = time.Duration(float64(delay) * cfg.multiplier)
		if cfg.maxDelay > 0 && delay > cfg.maxDelay {
			delay = cfg.maxDelay
		}
	}
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as not worth retrying. Fatal(nil) is nil.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or anything it wraps, was marked with Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
