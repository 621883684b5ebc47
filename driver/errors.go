package driver

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrSession means the browser session could not be created or was lost.
	ErrSession = errors.New("driver: session failure")
	// ErrNavigation means a navigation did not reach its readiness condition.
	ErrNavigation = errors.New("driver: navigation failed")
	// ErrLoadState means a load-state wait timed out or failed.
	ErrLoadState = errors.New("driver: load state not reached")
	// ErrDetached means an element handle no longer belongs to the live document.
	ErrDetached = errors.New("driver: element detached")
	// ErrNotInteractable means the element exists but cannot receive the action.
	ErrNotInteractable = errors.New("driver: element not interactable")
	// ErrUnsupported means the driver does not implement the operation.
	ErrUnsupported = errors.New("driver: unsupported")
	// ErrClosed means the session or page was already closed.
	ErrClosed = errors.New("driver: closed")
	// ErrDispatched means the action reached the application but its result
	// was lost. Repeating the action may repeat its side effect.
	ErrDispatched = errors.New("driver: action dispatched, result unknown")
)

// SessionError reports a failure to open or keep a browser session.
type SessionError struct {
	Op  string
	Err error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("driver: session %s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() []error { return unwrap(ErrSession, e.Err) }

// NavigationError reports a navigation that did not reach its readiness
// condition within the timeout.
type NavigationError struct {
	URL       string
	WaitUntil LoadState
	Timeout   time.Duration
	Err       error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("driver: navigate %s (wait_until=%s, timeout=%s): %v", e.URL, e.WaitUntil, e.Timeout, e.Err)
}

func (e *NavigationError) Unwrap() []error { return unwrap(ErrNavigation, e.Err) }

// LoadStateError reports a load-state wait that did not complete. Callers
// usually treat it as advisory.
type LoadStateError struct {
	Target  string
	State   LoadState
	Timeout time.Duration
	Err     error
}

func (e *LoadStateError) Error() string {
	return fmt.Sprintf("driver: %s: wait for %s (timeout=%s): %v", e.Target, e.State, e.Timeout, e.Err)
}

func (e *LoadStateError) Unwrap() []error { return unwrap(ErrLoadState, e.Err) }

// IsStale reports whether err means the element handle must be re-resolved.
func IsStale(err error) bool {
	return errors.Is(err, ErrDetached)
}

func unwrap(sentinel, err error) []error {
	if err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, err}
}
