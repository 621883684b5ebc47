// Package verify polls element visibility against a deadline.
//
// Expectations are polarity-neutral: Present waits for the element to become
// visible, Absent waits for it to be missing or hidden. Verification is
// read-only, so calling it twice in a row yields the same result.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/locate"
	"github.com/hazyhaar/storeprobe/poll"
)

// ErrAssertion is matched by every assertion failure.
var ErrAssertion = errors.New("verify: assertion failed")

var errHidden = errors.New("element hidden")

// Polarity is the expected end state.
type Polarity int

const (
	Present Polarity = iota
	Absent
)

func (p Polarity) String() string {
	if p == Absent {
		return "absent"
	}
	return "present"
}

// ParsePolarity accepts present/visible and absent/hidden. Empty is Present.
func ParsePolarity(s string) (Polarity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "present", "visible":
		return Present, nil
	case "absent", "hidden", "not_visible":
		return Absent, nil
	}
	return Present, fmt.Errorf("verify: unknown polarity %q", s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Polarity) UnmarshalText(b []byte) error {
	v, err := ParsePolarity(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (p Polarity) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// Expectation is one terminal check.
type Expectation struct {
	Locator  locate.Locator
	Timeout  time.Duration
	Polarity Polarity
	// Message explains the expectation; it is carried into the failure.
	Message string
}

// NotVisibleError reports an element that never became visible.
type NotVisibleError struct {
	Locator locate.Locator
	Timeout time.Duration
	Message string
	Err     error
}

func (e *NotVisibleError) Error() string {
	s := fmt.Sprintf("verify: %s not visible within %s", e.Locator, e.Timeout)
	if e.Message != "" {
		s += ": " + e.Message
	}
	if e.Err != nil {
		s += " (last: " + e.Err.Error() + ")"
	}
	return s
}

func (e *NotVisibleError) Unwrap() error { return ErrAssertion }

// UnexpectedlyVisibleError reports an element still visible at the deadline.
type UnexpectedlyVisibleError struct {
	Locator locate.Locator
	Timeout time.Duration
	Message string
}

func (e *UnexpectedlyVisibleError) Error() string {
	s := fmt.Sprintf("verify: %s still visible after %s", e.Locator, e.Timeout)
	if e.Message != "" {
		s += ": " + e.Message
	}
	return s
}

func (e *UnexpectedlyVisibleError) Unwrap() error { return ErrAssertion }

// Config configures a Verifier.
type Config struct {
	Interval time.Duration
	Clock    poll.Clock
	Logger   *slog.Logger
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

// Verifier evaluates expectations.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a Verifier.
func NewVerifier(cfg Config) *Verifier {
	cfg.defaults()
	return &Verifier{cfg: cfg}
}

// AwaitVisible returns nil once loc resolves to a visible element, or
// *NotVisibleError at the deadline.
func (v *Verifier) AwaitVisible(ctx context.Context, t driver.Target, loc locate.Locator, timeout time.Duration) error {
	return v.Expect(ctx, t, Expectation{Locator: loc, Timeout: timeout})
}

// AwaitHidden returns nil once loc is missing or hidden, or
// *UnexpectedlyVisibleError at the deadline.
func (v *Verifier) AwaitHidden(ctx context.Context, t driver.Target, loc locate.Locator, timeout time.Duration) error {
	return v.Expect(ctx, t, Expectation{Locator: loc, Timeout: timeout, Polarity: Absent})
}

// Expect evaluates e against t.
func (v *Verifier) Expect(ctx context.Context, t driver.Target, e Expectation) error {
	callCtx, cancel := context.WithTimeout(ctx, e.Timeout+v.cfg.Interval)
	defer cancel()

	opts := poll.Options{Timeout: e.Timeout, Interval: v.cfg.Interval, Clock: v.cfg.Clock}
	var err error
	if e.Polarity == Absent {
		err = poll.Until(callCtx, opts, func(ctx context.Context) error {
			visible, err := visible(ctx, t, e.Locator)
			if err != nil {
				return stop(err)
			}
			if visible {
				return errors.New("element visible")
			}
			return nil
		})
	} else {
		err = poll.Until(callCtx, opts, func(ctx context.Context) error {
			visible, err := visible(ctx, t, e.Locator)
			if err != nil {
				return stop(err)
			}
			if !visible {
				return errHidden
			}
			return nil
		})
	}
	if err == nil {
		return nil
	}

	var pt *poll.TimeoutError
	timedOut := errors.As(err, &pt) || (ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded))
	if !timedOut {
		return fmt.Errorf("verify: %s: %w", e.Locator, err)
	}
	v.cfg.Logger.Debug("verify: expectation failed", "locator", e.Locator.String(), "polarity", e.Polarity.String(), "timeout", e.Timeout)
	if e.Polarity == Absent {
		return &UnexpectedlyVisibleError{Locator: e.Locator, Timeout: e.Timeout, Message: e.Message}
	}
	var last error
	if pt != nil {
		last = pt.Last
	}
	return &NotVisibleError{Locator: e.Locator, Timeout: e.Timeout, Message: e.Message, Err: last}
}

// visible resolves loc and reports its visibility. Missing and detached
// elements count as not visible.
func visible(ctx context.Context, t driver.Target, loc locate.Locator) (bool, error) {
	el, err := locate.Resolve(ctx, t, loc)
	if errors.Is(err, locate.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	ok, err := el.Visible(ctx)
	if driver.IsStale(err) {
		return false, nil
	}
	return ok, err
}

func stop(err error) error {
	if errors.Is(err, driver.ErrSession) || errors.Is(err, driver.ErrClosed) {
		return poll.Stop(err)
	}
	return err
}
