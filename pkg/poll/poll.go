// Package poll repeats a condition check on a fixed interval until it holds or
// a deadline passes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout is matched by every error Until returns on deadline expiry.
var ErrTimeout = errors.New("poll timed out")

// Clock is the time source used between attempts.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// Condition reports whether the awaited state was reached. A returned error is
// treated as transient: it is logged and the next attempt proceeds.
type Condition func(ctx context.Context) (bool, error)

// Options bounds a poll.
type Options struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
}

// TimeoutError carries the last transient failure seen before the deadline.
type TimeoutError struct {
	Name     string
	Waited   time.Duration
	Attempts int
	LastErr  error
}

func (e *TimeoutError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("%s: %s after %s (%d attempts), last error: %v", ErrTimeout, e.Name, e.Waited, e.Attempts, e.LastErr)
	}
	return fmt.Sprintf("%s: %s after %s (%d attempts)", ErrTimeout, e.Name, e.Waited, e.Attempts)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

func (e *TimeoutError) Unwrap() error {
	return e.LastErr
}

// Until checks cond immediately and then every opts.Interval. A non-positive
// Timeout waits until ctx is done.
func Until(ctx context.Context, clock Clock, logger *zap.Logger, opts Options, cond Condition) error {
	if opts.Interval <= 0 {
		return fmt.Errorf("poll %s: interval must be positive", opts.Name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	start := clock.Now()
	var (
		attempts int
		lastErr  error
	)
	for {
		attempts++
		done, err := cond(ctx)
		switch {
		case err != nil:
			lastErr = err
			logger.Warn("Poll attempt failed",
				zap.String("poll", opts.Name),
				zap.Int("attempt", attempts),
				zap.Error(err))
		case done:
			logger.Debug("Poll condition satisfied",
				zap.String("poll", opts.Name),
				zap.Int("attempts", attempts),
				zap.Duration("waited", clock.Now().Sub(start)))
			return nil
		}

		waited := clock.Now().Sub(start)
		if opts.Timeout > 0 && waited+opts.Interval > opts.Timeout {
			return &TimeoutError{Name: opts.Name, Waited: waited, Attempts: attempts, LastErr: lastErr}
		}
		if err := clock.Sleep(ctx, opts.Interval); err != nil {
			return fmt.Errorf("poll %s interrupted: %w", opts.Name, err)
		}
	}
}
