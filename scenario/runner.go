package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/storeprobe/action"
	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/idgen"
	"github.com/hazyhaar/storeprobe/poll"
	"github.com/hazyhaar/storeprobe/verify"
)

// Timeouts are the default per-operation budgets.
type Timeouts struct {
	Navigation   time.Duration `yaml:"navigation" json:"navigation"`
	LoadState    time.Duration `yaml:"load_state" json:"load_state"`
	Action       time.Duration `yaml:"action" json:"action"`
	Assertion    time.Duration `yaml:"assertion" json:"assertion"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// StepDelay pauses before every fill and click.
	StepDelay time.Duration `yaml:"step_delay" json:"step_delay"`
	Teardown  time.Duration `yaml:"teardown" json:"teardown"`
}

// Defaults fills zero fields.
func (t *Timeouts) Defaults() {
	if t.Navigation <= 0 {
		t.Navigation = 10 * time.Second
	}
	if t.LoadState <= 0 {
		t.LoadState = 3 * time.Second
	}
	if t.Action <= 0 {
		t.Action = 5 * time.Second
	}
	if t.Assertion <= 0 {
		t.Assertion = 30 * time.Second
	}
	if t.PollInterval <= 0 {
		t.PollInterval = poll.DefaultInterval
	}
	if t.Teardown <= 0 {
		t.Teardown = 10 * time.Second
	}
}

// Diagnoser captures a failure snapshot of the current page.
type Diagnoser interface {
	Diagnose(ctx context.Context, page driver.Page) (string, error)
}

// Config configures a Runner.
type Config struct {
	Driver   driver.Driver
	Session  driver.Config
	Timeouts Timeouts
	Clock    poll.Clock
	Logger   *slog.Logger

	// Diagnoser is called on failure before the session is released. Optional.
	Diagnoser Diagnoser
	// OnState observes state transitions. Optional.
	OnState func(runID string, s State)
	// NewID generates run IDs. Default: "run_" + UUIDv7.
	NewID idgen.Generator
}

func (c *Config) defaults() {
	c.Timeouts.Defaults()
	if c.Clock == nil {
		c.Clock = poll.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Session.Logger == nil {
		c.Session.Logger = c.Logger
	}
	if c.NewID == nil {
		c.NewID = idgen.Prefixed("run_", idgen.Default)
	}
}

// Runner executes scenarios. It is safe for concurrent use; every Run owns
// its own session.
type Runner struct {
	cfg      Config
	actions  *action.Executor
	verifier *verify.Verifier
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	cfg.defaults()
	return &Runner{
		cfg:      cfg,
		actions:  action.NewExecutor(action.Config{Interval: cfg.Timeouts.PollInterval, Clock: cfg.Clock, Logger: cfg.Logger}),
		verifier: verify.NewVerifier(verify.Config{Interval: cfg.Timeouts.PollInterval, Clock: cfg.Clock, Logger: cfg.Logger}),
	}
}

// execution is the per-run context. page is the current page: the only
// target element lookups use, replaced only by navigation steps.
type execution struct {
	r     *Runner
	runID string
	sc    Scenario
	log   *slog.Logger

	state State
	sess  driver.Session
	page  driver.Page

	release sync.Once
	out     Outcome
	failed  bool
}

// Run executes sc and returns its single Outcome. Run never panics.
func (r *Runner) Run(ctx context.Context, sc Scenario) Outcome {
	runID := r.cfg.NewID()
	drvName := ""
	if r.cfg.Driver != nil {
		drvName = r.cfg.Driver.Name()
	}
	ex := &execution{
		r:     r,
		runID: runID,
		sc:    sc,
		log:   r.cfg.Logger.With("run", runID, "scenario", sc.ID),
		out: Outcome{
			RunID:           runID,
			ScenarioID:      sc.ID,
			ScenarioName:    sc.Name,
			Driver:          drvName,
			FailedStep:      -1,
			FailedAssertion: -1,
			Started:         r.cfg.Clock.Now(),
		},
	}
	ex.log.Info("runner: start")

	func() {
		defer func() {
			if p := recover(); p != nil {
				ex.fail(fmt.Errorf("runner: panic in %s: %v", ex.state, p), KindFault)
			}
		}()
		ex.run(ctx)
	}()
	ex.teardown(ctx)

	ex.out.Finished = r.cfg.Clock.Now()
	ex.out.DurationMs = ex.out.Finished.Sub(ex.out.Started).Milliseconds()
	if !ex.failed {
		ex.out.Status = Pass
	}
	ex.setState(Done)

	if ex.out.Status == Pass {
		ex.log.Info("runner: pass", "duration_ms", ex.out.DurationMs)
	} else {
		ex.log.Warn("runner: fail", "kind", ex.out.Kind, "cause", ex.out.Cause, "duration_ms", ex.out.DurationMs)
	}
	return ex.out
}

func (ex *execution) setState(s State) {
	ex.state = s
	if ex.r.cfg.OnState != nil {
		ex.r.cfg.OnState(ex.runID, s)
	}
}

// fail records the first failure only.
func (ex *execution) fail(err error, kind Kind) {
	if ex.failed {
		return
	}
	if kind == KindNone {
		kind = Classify(err)
	}
	ex.failed = true
	ex.out.Status = Fail
	ex.out.Kind = kind
	ex.out.Cause = err.Error()
	ex.out.Err = err
}

func (ex *execution) run(ctx context.Context) {
	cfg := ex.r.cfg
	if cfg.Driver == nil {
		ex.fail(&driver.SessionError{Op: "start", Err: errors.New("no driver configured")}, KindSession)
		return
	}
	if err := ex.sc.Validate(); err != nil {
		ex.fail(err, KindFault)
		return
	}

	sess, err := cfg.Driver.StartSession(ctx, cfg.Session)
	if err != nil {
		var se *driver.SessionError
		if !errors.As(err, &se) {
			err = &driver.SessionError{Op: "start", Err: err}
		}
		ex.log.Error("runner: session failed", "error", err)
		ex.fail(err, KindSession)
		return
	}
	ex.sess = sess
	ex.setState(SessionOpen)

	if ex.sc.StartURL != "" {
		ex.setState(Navigating)
		if err := ex.navigate(ctx, Step{Kind: StepNavigate, URL: ex.sc.StartURL, WaitUntil: driver.Commit}); err != nil {
			ex.fail(err, KindNone)
			return
		}
	}

	ex.setState(Acting)
	for i, st := range ex.sc.Steps {
		if err := ctx.Err(); err != nil {
			ex.out.FailedStep = i
			ex.fail(fmt.Errorf("runner: before step %d: %w", i, err), KindCancelled)
			return
		}
		if err := ex.step(ctx, st); err != nil {
			ex.out.FailedStep = i
			ex.log.Warn("runner: step failed", "step", i, "desc", st.String(), "error", err)
			ex.fail(fmt.Errorf("step %d (%s): %w", i, st, err), KindNone)
			return
		}
		ex.out.StepsRun++
	}

	ex.setState(Asserting)
	for i, a := range ex.sc.Assertions {
		if err := ex.assert(ctx, a); err != nil {
			ex.out.FailedAssertion = i
			ex.log.Warn("runner: assertion failed", "assertion", i, "desc", a.String(), "error", err)
			ex.fail(fmt.Errorf("assertion %d (%s): %w", i, a, err), KindNone)
			return
		}
	}
}

func (ex *execution) step(ctx context.Context, st Step) error {
	switch st.Kind {
	case StepNavigate:
		return ex.navigate(ctx, st)
	case StepWait:
		return poll.Sleep(ctx, ex.r.cfg.Clock, st.Delay)
	case StepWaitLoad:
		page, err := ex.current()
		if err != nil {
			return err
		}
		state := st.State
		if state == "" {
			state = driver.Load
		}
		timeout := orDefault(st.Timeout, ex.r.cfg.Timeouts.LoadState)
		return BestEffort(ctx, ex.log, "wait_load", func(ctx context.Context) error {
			return page.WaitForLoadState(ctx, state, timeout)
		})
	}

	page, err := ex.current()
	if err != nil {
		return err
	}
	if err := poll.Sleep(ctx, ex.r.cfg.Clock, ex.r.cfg.Timeouts.StepDelay); err != nil {
		return err
	}
	timeout := orDefault(st.Timeout, ex.r.cfg.Timeouts.Action)
	switch st.Kind {
	case StepFill:
		return ex.r.actions.Fill(ctx, page, st.Locator, st.Value, timeout)
	case StepClick:
		return ex.r.actions.Click(ctx, page, st.Locator, timeout)
	}
	return fmt.Errorf("runner: unknown step kind %q", st.Kind)
}

// navigate opens a page when needed, navigates it and becomes the
// current page, then settles page and frames on a best-effort basis.
func (ex *execution) navigate(ctx context.Context, st Step) error {
	t := ex.r.cfg.Timeouts
	page := ex.page
	if page == nil || st.NewPage {
		p, err := ex.sess.NewPage(ctx)
		if err != nil {
			return &driver.SessionError{Op: "new page", Err: err}
		}
		page = p
	}
	ex.page = page

	waitUntil := st.WaitUntil
	if waitUntil == "" {
		waitUntil = driver.Commit
	}
	timeout := orDefault(st.Timeout, t.Navigation)

	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := page.Navigate(navCtx, st.URL, driver.NavigateOptions{WaitUntil: waitUntil, Timeout: timeout}); err != nil {
		var ne *driver.NavigationError
		if !errors.As(err, &ne) && !errors.Is(err, driver.ErrSession) {
			err = &driver.NavigationError{URL: st.URL, WaitUntil: waitUntil, Timeout: timeout, Err: err}
		}
		return err
	}
	ex.out.FinalURL = st.URL
	ex.settle(ctx, page)
	return nil
}

// settle waits for DOMContentLoaded on the page and on every frame
// independently. Failures never affect the outcome.
func (ex *execution) settle(ctx context.Context, page driver.Page) {
	timeout := ex.r.cfg.Timeouts.LoadState
	err := BestEffort(ctx, ex.log, "page domcontentloaded", func(ctx context.Context) error {
		return page.WaitForLoadState(ctx, driver.DOMContentLoaded, timeout)
	})
	if err != nil {
		ex.log.Debug("runner: page settle", "error", err)
	}

	frames, err := page.Frames(ctx)
	if err != nil {
		ex.log.Debug("runner: frame enumeration failed", "error", err)
		return
	}
	for _, f := range frames {
		err := BestEffort(ctx, ex.log, "frame domcontentloaded", func(ctx context.Context) error {
			return f.WaitForLoadState(ctx, driver.DOMContentLoaded, timeout)
		})
		if err != nil {
			ex.log.Debug("runner: frame settle", "frame", f.Name(), "error", err)
		}
	}
}

func (ex *execution) assert(ctx context.Context, a Assertion) error {
	page, err := ex.current()
	if err != nil {
		return err
	}
	return ex.r.verifier.Expect(ctx, page, verify.Expectation{
		Locator:  a.Locator,
		Timeout:  orDefault(a.Timeout, ex.r.cfg.Timeouts.Assertion),
		Polarity: a.Polarity,
		Message:  a.Message,
	})
}

func (ex *execution) current() (driver.Page, error) {
	if ex.page == nil {
		return nil, fmt.Errorf("runner: no page open (scenario has no start url or navigate step)")
	}
	return ex.page, nil
}

// teardown inspects the current page, then releases the session.
// It runs on a context detached from cancellation.
func (ex *execution) teardown(ctx context.Context) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ex.r.cfg.Timeouts.Teardown)
	defer cancel()

	if ex.page != nil {
		ex.out.Diagnostic = ex.inspect(tctx)
	}
	ex.releaseSession()
}

// inspect records the final URL and, on failure, a diagnostic snapshot.
func (ex *execution) inspect(ctx context.Context) (snap string) {
	defer func() {
		if p := recover(); p != nil {
			ex.log.Warn("runner: diagnose panic", "panic", p)
			snap = ""
		}
	}()
	if u := ex.page.URL(); u != "" {
		ex.out.FinalURL = u
	}
	d := ex.r.cfg.Diagnoser
	if !ex.failed || d == nil {
		return ""
	}
	s, err := d.Diagnose(ctx, ex.page)
	if err != nil {
		ex.log.Debug("runner: diagnose failed", "error", err)
		return ""
	}
	return s
}

func (ex *execution) releaseSession() {
	ex.release.Do(func() {
		if ex.sess == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				ex.log.Error("runner: session close panic", "panic", p)
			}
		}()
		if err := ex.sess.Close(); err != nil {
			ex.log.Warn("runner: session close", "error", err)
		}
		ex.log.Debug("runner: session released", "session", ex.sess.ID())
	})
}

func orDefault(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}
