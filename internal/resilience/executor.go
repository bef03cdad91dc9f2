// Package resilience wraps fallible operations with a timeout and classified
// retries. Only transient failures (connection errors, timeouts, 429/5xx)
// are retried; anything else aborts immediately.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/coda/internal/faults"
)

// ErrTimedOut is returned when an attempt exceeds the configured timeout.
var ErrTimedOut = errors.New("timed_out")

// Options configures one execution.
type Options struct {
	// Timeout bounds each individual attempt. Zero means no timeout.
	Timeout time.Duration
	// Retries is the number of retries after the first attempt.
	Retries int
	// InitialDelay is the delay before the first retry; it doubles per
	// attempt up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the expanding delay.
	MaxDelay time.Duration
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		Retries:      2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}
}

// Result describes the outcome of an execution.
type Result struct {
	// Attempts is the number of attempts made (including the first).
	Attempts int
	// Err is the final error, nil on success.
	Err error
}

// Execute runs op with a per-attempt timeout, retrying transient failures
// with an expanding delay. The context cancels the whole execution.
func Execute(ctx context.Context, opts Options, logger *slog.Logger, op func(ctx context.Context) error) Result {
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = 250 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	result := Result{}
	delay := opts.InitialDelay

	for attempt := 0; attempt <= opts.Retries; attempt++ {
		result.Attempts = attempt + 1

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			return result
		}

		err := runAttempt(ctx, opts.Timeout, op)
		if err == nil {
			result.Err = nil
			return result
		}
		result.Err = err

		if !retryable(err) || attempt >= opts.Retries {
			return result
		}

		logger.Debug("transient failure, retrying",
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", err.Error(),
		)

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			return result
		case <-time.After(delay):
		}

		delay *= 2
		if delay > opts.MaxDelay {
			delay = opts.MaxDelay
		}
	}
	return result
}

// ExecuteValue is Execute for operations that return a value.
func ExecuteValue[T any](ctx context.Context, opts Options, logger *slog.Logger, op func(ctx context.Context) (T, error)) (T, Result) {
	var value T
	result := Execute(ctx, opts, logger, func(ctx context.Context) error {
		var err error
		value, err = op(ctx)
		return err
	})
	return value, result
}

// runAttempt races op against the timeout. The op receives a context that is
// cancelled on timeout so well-behaved operations can stop early; the race
// still resolves even if the op ignores its context.
func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- op(attemptCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTimedOut, timeout)
	}
}

// retryable reports whether a failed attempt should be retried. Timeouts are
// treated as transient; cancellation is not.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrTimedOut) {
		return true
	}
	return faults.IsTransient(err)
}
