// Package scenario runs ordered browser scenarios against a driver and
// produces exactly one Outcome per run.
//
// A run walks Idle → SessionOpen → Navigating → Acting → Asserting → Done.
// The session is released exactly once on every exit path, including
// panics raised inside driver calls. Element lookups always target the
// execution's current page, which only navigation steps replace.
//
// Usage:
//
//	r := scenario.NewRunner(scenario.Config{Driver: htmldriver.New(nil)})
//	out := r.Run(ctx, scenario.Scenario{
//		ID:       "cart",
//		StartURL: base + "/",
//		Steps:    []scenario.Step{scenario.Click(locate.Text("Adicionar"))},
//		Assertions: []scenario.Assertion{{Locator: locate.Text("Subtotal")}},
//	})
package scenario

import (
	"fmt"
	"time"

	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/locate"
	"github.com/hazyhaar/storeprobe/verify"
)

// StepKind identifies a step.
type StepKind string

const (
	StepNavigate StepKind = "navigate"
	StepFill     StepKind = "fill"
	StepClick    StepKind = "click"
	StepWait     StepKind = "wait"
	StepWaitLoad StepKind = "wait_load"
)

// Step is one sequential action.
type Step struct {
	Kind StepKind `json:"kind"`
	// Label is an optional human description.
	Label string `json:"label,omitempty"`

	// navigate
	URL       string           `json:"url,omitempty"`
	WaitUntil driver.LoadState `json:"wait_until,omitempty"`
	NewPage   bool             `json:"new_page,omitempty"`

	// fill, click
	Locator locate.Locator `json:"locator,omitzero"`
	Value   string         `json:"value,omitempty"`

	// wait
	Delay time.Duration `json:"delay,omitempty"`

	// wait_load
	State driver.LoadState `json:"state,omitempty"`

	// Timeout overrides the runner default for this step.
	Timeout time.Duration `json:"timeout,omitempty"`
}

func (s Step) String() string {
	var d string
	switch s.Kind {
	case StepNavigate:
		d = "navigate " + s.URL
	case StepFill:
		d = "fill " + s.Locator.String()
	case StepClick:
		d = "click " + s.Locator.String()
	case StepWait:
		d = "wait " + s.Delay.String()
	case StepWaitLoad:
		d = "wait_load " + string(s.State)
	default:
		d = string(s.Kind)
	}
	if s.Label != "" {
		d = s.Label + " (" + d + ")"
	}
	return d
}

// Validate checks required fields.
func (s Step) Validate() error {
	switch s.Kind {
	case StepNavigate:
		if s.URL == "" {
			return fmt.Errorf("scenario: navigate step without url")
		}
	case StepFill, StepClick:
		if s.Locator.IsZero() {
			return fmt.Errorf("scenario: %s step without locator", s.Kind)
		}
	case StepWait:
		if s.Delay < 0 {
			return fmt.Errorf("scenario: negative wait")
		}
	case StepWaitLoad:
	default:
		return fmt.Errorf("scenario: unknown step kind %q", s.Kind)
	}
	return nil
}

// Navigate builds a navigate step.
func Navigate(url string) Step { return Step{Kind: StepNavigate, URL: url} }

// Fill builds a fill step.
func Fill(loc locate.Locator, value string) Step {
	return Step{Kind: StepFill, Locator: loc, Value: value}
}

// Click builds a click step.
func Click(loc locate.Locator) Step { return Step{Kind: StepClick, Locator: loc} }

// Wait builds a fixed-delay step.
func Wait(d time.Duration) Step { return Step{Kind: StepWait, Delay: d} }

// WaitLoad builds a best-effort load-state step.
func WaitLoad(state driver.LoadState) Step { return Step{Kind: StepWaitLoad, State: state} }

// Assertion is a terminal visibility check.
type Assertion struct {
	Locator  locate.Locator  `json:"locator"`
	Timeout  time.Duration   `json:"timeout,omitempty"`
	Polarity verify.Polarity `json:"polarity"`
	Message  string          `json:"message,omitempty"`
}

func (a Assertion) String() string {
	return fmt.Sprintf("expect %s %s", a.Locator, a.Polarity)
}

// Scenario is an ordered list of steps followed by ordered assertions.
type Scenario struct {
	ID          string      `json:"id"`
	Name        string      `json:"name,omitempty"`
	Description string      `json:"description,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	StartURL    string      `json:"start_url,omitempty"`
	Steps       []Step      `json:"steps"`
	Assertions  []Assertion `json:"assertions"`
}

// Validate checks the scenario is runnable.
func (sc Scenario) Validate() error {
	if sc.ID == "" {
		return fmt.Errorf("scenario: missing id")
	}
	for i, st := range sc.Steps {
		if err := st.Validate(); err != nil {
			return fmt.Errorf("scenario %s: step %d: %w", sc.ID, i, err)
		}
	}
	for i, a := range sc.Assertions {
		if a.Locator.IsZero() {
			return fmt.Errorf("scenario %s: assertion %d without locator", sc.ID, i)
		}
	}
	return nil
}
