// Package suite loads scenario catalogs, runs them through the scenario
// runner and reports outcomes to sinks and the run history.
//
// Scenarios are independent: each run owns its browser session, so the
// suite runs up to Config.Parallel of them at once.
package suite

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/storeprobe/diagnose"
	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/driver/htmldriver"
	"github.com/hazyhaar/storeprobe/driver/roddriver"
	"github.com/hazyhaar/storeprobe/poll"
	"github.com/hazyhaar/storeprobe/runlog"
	"github.com/hazyhaar/storeprobe/scenario"
)

// Options wires the suite's collaborators. Every field is optional.
type Options struct {
	// Driver overrides the driver built from Config.Driver.
	Driver driver.Driver
	// History records every outcome.
	History *runlog.Store
	Sink    Sink
	Clock   poll.Clock
	Logger  *slog.Logger
}

// Suite holds compiled scenarios and the runner that executes them.
type Suite struct {
	cfg       *Config
	log       *slog.Logger
	runner    *scenario.Runner
	history   *runlog.Store
	sink      Sink
	scenarios []scenario.Scenario
}

// Report aggregates the outcomes of one Run call, in selection order.
type Report struct {
	Outcomes []scenario.Outcome `json:"outcomes"`
	Passed   int                `json:"passed"`
	Failed   int                `json:"failed"`
}

// OK reports whether every scenario passed.
func (r Report) OK() bool { return r.Failed == 0 }

// New fills in cfg's defaults, compiles it and prepares the runner.
func New(cfg *Config, opts Options) (*Suite, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	cfg.applyDefaults()
	scenarios, err := cfg.Compile()
	if err != nil {
		return nil, err
	}
	drv := opts.Driver
	if drv == nil {
		if drv, err = NewDriver(cfg.Driver.Kind, opts.Logger); err != nil {
			return nil, err
		}
	}

	rc := scenario.Config{
		Driver:   drv,
		Session:  cfg.Driver.Session(),
		Timeouts: cfg.Timeouts,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	}
	if cfg.Diagnostics.On() {
		rc.Diagnoser = diagnose.New(diagnose.Config{MaxChars: cfg.Diagnostics.MaxChars, Logger: opts.Logger})
	}

	return &Suite{
		cfg:       cfg,
		log:       opts.Logger,
		runner:    scenario.NewRunner(rc),
		history:   opts.History,
		sink:      opts.Sink,
		scenarios: scenarios,
	}, nil
}

// NewDriver builds a driver by kind: "rod" drives Chrome over CDP, "http"
// drives plain HTTP with a cookie jar.
func NewDriver(kind string, logger *slog.Logger) (driver.Driver, error) {
	switch strings.ToLower(kind) {
	case "", "rod", "chrome":
		return roddriver.New(logger), nil
	case "http":
		return htmldriver.New(logger), nil
	}
	return nil, fmt.Errorf("suite: unknown driver %q (want rod or http)", kind)
}

// Session converts the file form to a driver session config.
func (d DriverConfig) Session() driver.Config {
	headless := d.Headless == nil || *d.Headless
	return driver.Config{
		RemoteURL:        d.Remote,
		Headless:         headless,
		Viewport:         driver.Viewport{Width: d.Viewport.Width, Height: d.Viewport.Height},
		Args:             d.Args,
		Stealth:          d.Stealth,
		ResourceBlocking: d.ResourceBlocking,
		IgnoreCertErrors: d.IgnoreCertErrors,
		UserAgent:        d.UserAgent,
	}
}

// Scenarios returns the compiled scenarios.
func (s *Suite) Scenarios() []scenario.Scenario { return s.scenarios }

// Select returns the scenarios matching any selector, in catalog order.
// A selector is a scenario ID or "tag:<name>". No selectors selects all.
func (s *Suite) Select(selectors ...string) ([]scenario.Scenario, error) {
	if len(selectors) == 0 {
		return s.scenarios, nil
	}
	matched := make(map[string]bool)
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		found := false
		for _, sc := range s.scenarios {
			if sc.ID == sel || (strings.HasPrefix(sel, "tag:") && slices.Contains(sc.Tags, sel[len("tag:"):])) {
				matched[sc.ID] = true
				found = true
			}
		}
		if !found {
			return nil, fmt.Errorf("suite: no scenario matches %q", sel)
		}
	}
	var out []scenario.Scenario
	for _, sc := range s.scenarios {
		if matched[sc.ID] {
			out = append(out, sc)
		}
	}
	return out, nil
}

// Run executes the selected scenarios. Failing scenarios do not stop the
// others; the returned error is only for selection problems.
func (s *Suite) Run(ctx context.Context, selectors ...string) (Report, error) {
	selected, err := s.Select(selectors...)
	if err != nil {
		return Report{}, err
	}
	s.log.Info("suite: run", "scenarios", len(selected), "parallel", s.cfg.Parallel)

	outcomes := make([]scenario.Outcome, len(selected))
	var g errgroup.Group
	g.SetLimit(s.cfg.Parallel)
	for i, sc := range selected {
		g.Go(func() error {
			outcomes[i] = s.runOne(ctx, sc)
			return nil
		})
	}
	g.Wait()

	rep := Report{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Passed() {
			rep.Passed++
		} else {
			rep.Failed++
		}
	}
	s.log.Info("suite: done", "passed", rep.Passed, "failed", rep.Failed)
	return rep, nil
}

func (s *Suite) runOne(ctx context.Context, sc scenario.Scenario) scenario.Outcome {
	out := s.runner.Run(ctx, sc)
	// Reporting must not be skipped because the caller's context ended.
	rctx := context.WithoutCancel(ctx)
	if s.history != nil {
		if err := s.history.Record(rctx, out); err != nil {
			s.log.Error("suite: record outcome", "run", out.RunID, "error", err)
		}
	}
	if s.sink != nil {
		if err := s.sink.Send(rctx, out); err != nil {
			s.log.Warn("suite: sink", "run", out.RunID, "error", err)
		}
	}
	return out
}

// History returns the run history store, or nil when disabled.
func (s *Suite) History() *runlog.Store { return s.history }
