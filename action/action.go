// Package action performs element interactions with bounded retry.
//
// Each attempt resolves the locator afresh and then interacts. A failed
// interaction (detached, hidden, intercepted) triggers re-resolution on the
// next attempt, until the timeout elapses.
package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/locate"
	"github.com/hazyhaar/storeprobe/poll"
)

// ErrTimeout is matched by every *TimeoutError.
var ErrTimeout = errors.New("action: timeout")

// TimeoutError reports an interaction that did not succeed within its budget.
type TimeoutError struct {
	Action   string
	Locator  locate.Locator
	Timeout  time.Duration
	Attempts int
	Err      error // last underlying cause
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action: %s %s: no success within %s (%d attempts): %v", e.Action, e.Locator, e.Timeout, e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrTimeout}
	}
	return []error{ErrTimeout, e.Err}
}

// Config configures an Executor.
type Config struct {
	// Interval between attempts. Default: poll.DefaultInterval.
	Interval time.Duration
	// Clock drives deadlines. Default: wall clock.
	Clock  poll.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = poll.DefaultInterval
	}
	if c.Clock == nil {
		c.Clock = poll.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Executor runs fill and click with retry.
type Executor struct {
	cfg Config
}

// NewExecutor creates an Executor.
func NewExecutor(cfg Config) *Executor {
	cfg.defaults()
	return &Executor{cfg: cfg}
}

// Fill replaces the value of the element selected by loc.
func (x *Executor) Fill(ctx context.Context, t driver.Target, loc locate.Locator, value string, timeout time.Duration) error {
	return x.do(ctx, "fill", t, loc, timeout, func(ctx context.Context, el driver.Element) error {
		return el.Fill(ctx, value)
	})
}

// Click clicks the element selected by loc.
func (x *Executor) Click(ctx context.Context, t driver.Target, loc locate.Locator, timeout time.Duration) error {
	return x.do(ctx, "click", t, loc, timeout, func(ctx context.Context, el driver.Element) error {
		return el.Click(ctx)
	})
}

func (x *Executor) do(ctx context.Context, name string, t driver.Target, loc locate.Locator, timeout time.Duration, act func(context.Context, driver.Element) error) error {
	// Driver calls can block; bound them to the budget plus one interval.
	callCtx, cancel := context.WithTimeout(ctx, timeout+x.cfg.Interval)
	defer cancel()

	attempts := 0
	err := poll.Until(callCtx, poll.Options{Timeout: timeout, Interval: x.cfg.Interval, Clock: x.cfg.Clock}, func(ctx context.Context) error {
		attempts++
		el, err := locate.Resolve(ctx, t, loc)
		if err != nil {
			return classify(err)
		}
		if err := act(ctx, el); err != nil {
			x.cfg.Logger.Debug("action: attempt failed", "action", name, "locator", loc.String(), "attempt", attempts, "error", err)
			return classify(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var pt *poll.TimeoutError
	switch {
	case errors.As(err, &pt):
		return &TimeoutError{Action: name, Locator: loc, Timeout: timeout, Attempts: attempts, Err: pt.Last}
	case ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded):
		return &TimeoutError{Action: name, Locator: loc, Timeout: timeout, Attempts: attempts, Err: err}
	}
	return fmt.Errorf("action: %s %s: %w", name, loc, err)
}

// classify marks errors that no amount of retrying can fix, and actions
// that already reached the application.
func classify(err error) error {
	switch {
	case errors.Is(err, driver.ErrSession), errors.Is(err, driver.ErrClosed):
		return poll.Stop(err)
	case errors.Is(err, driver.ErrDispatched):
		return poll.Stop(err)
	}
	return err
}
