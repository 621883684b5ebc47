// Package poll is the single retry-until-deadline primitive shared by the
// locator, action and assertion layers. Time is read through a Clock so tests
// can drive deadlines without sleeping.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultInterval is the pause between attempts when none is configured.
const DefaultInterval = 200 * time.Millisecond

// ErrTimeout is returned (wrapped) when the deadline elapses before fn succeeds.
var ErrTimeout = errors.New("poll: deadline exceeded")

// Attempt is one try. A nil error stops polling. An error wrapping ErrStop
// aborts immediately without further attempts.
type Attempt func(ctx context.Context) error

// ErrStop marks an attempt error as permanent.
var ErrStop = errors.New("poll: permanent failure")

// Stop wraps err so that Until returns it without retrying.
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrStop, err)
}

// TimeoutError carries the last attempt error when the deadline is reached.
type TimeoutError struct {
	Timeout  time.Duration
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("poll: deadline %s exceeded after %d attempts", e.Timeout, e.Attempts)
	}
	return fmt.Sprintf("poll: deadline %s exceeded after %d attempts: %v", e.Timeout, e.Attempts, e.Last)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Last}
}

// Options configures Until.
type Options struct {
	Timeout  time.Duration
	Interval time.Duration
	Clock    Clock
}

func (o *Options) defaults() {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Clock == nil {
		o.Clock = Real()
	}
}

// Until calls fn until it returns nil, the deadline passes, or ctx is done.
// It always makes at least one attempt, and one final attempt at the deadline,
// so the total elapsed time is bounded by Timeout plus one attempt.
func Until(ctx context.Context, opts Options, fn Attempt) error {
	opts.defaults()
	clk := opts.Clock
	deadline := clk.Now().Add(opts.Timeout)

	var last error
	attempts := 0
	for {
		attempts++
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if errors.Is(last, ErrStop) {
			return last
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("poll: %w (last: %v)", err, last)
		}

		remaining := deadline.Sub(clk.Now())
		if remaining <= 0 {
			return &TimeoutError{Timeout: opts.Timeout, Attempts: attempts, Last: last}
		}
		wait := opts.Interval
		if wait > remaining {
			wait = remaining
		}
		if err := clk.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("poll: %w (last: %v)", err, last)
		}
	}
}
