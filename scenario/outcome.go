package scenario

import (
	"context"
	"errors"
	"time"

	"github.com/hazyhaar/storeprobe/action"
	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/verify"
)

// Status is the final verdict.
type Status string

const (
	Pass Status = "pass"
	Fail Status = "fail"
)

// Kind classifies a failure.
type Kind string

const (
	KindNone             Kind = ""
	KindSession          Kind = "session"
	KindNavigation       Kind = "navigation"
	KindActionTimeout    Kind = "action_timeout"
	KindAssertionTimeout Kind = "assertion_timeout"
	KindCancelled        Kind = "cancelled"
	KindFault            Kind = "fault"
)

// Classify maps an error to its failure kind.
func Classify(err error) Kind {
	var (
		se *driver.SessionError
		ne *driver.NavigationError
		at *action.TimeoutError
	)
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &at):
		return KindActionTimeout
	case errors.Is(err, verify.ErrAssertion):
		return KindAssertionTimeout
	case errors.As(err, &ne):
		return KindNavigation
	case errors.As(err, &se):
		return KindSession
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindFault
}

// Outcome is the single result of a run.
type Outcome struct {
	RunID        string    `json:"run_id"`
	ScenarioID   string    `json:"scenario_id"`
	ScenarioName string    `json:"scenario_name,omitempty"`
	Driver       string    `json:"driver"`
	Status       Status    `json:"status"`
	Kind         Kind      `json:"kind,omitempty"`
	Cause        string    `json:"cause,omitempty"`
	// FailedStep is the index of the failing step, -1 when none.
	FailedStep int `json:"failed_step"`
	// FailedAssertion is the index of the failing assertion, -1 when none.
	FailedAssertion int       `json:"failed_assertion"`
	StepsRun        int       `json:"steps_run"`
	FinalURL        string    `json:"final_url,omitempty"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	DurationMs      int64     `json:"duration_ms"`
	Diagnostic      string    `json:"diagnostic,omitempty"`

	Err error `json:"-"`
}

// Passed reports whether the run passed.
func (o Outcome) Passed() bool { return o.Status == Pass }

// State is a runner state.
type State int

const (
	Idle State = iota
	SessionOpen
	Navigating
	Acting
	Asserting
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case SessionOpen:
		return "session_open"
	case Navigating:
		return "navigating"
	case Acting:
		return "acting"
	case Asserting:
		return "asserting"
	case Done:
		return "done"
	}
	return "unknown"
}
