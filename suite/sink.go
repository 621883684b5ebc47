package suite

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hazyhaar/storeprobe/scenario"
)

// Sink receives every Outcome as soon as its run finishes.
type Sink interface {
	Send(ctx context.Context, o scenario.Outcome) error
	Close() error
}

// Stdout writes outcomes as JSON lines to an io.Writer (default os.Stdout).
type Stdout struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewStdout creates a Stdout sink. If w is nil, os.Stdout is used.
func NewStdout(w io.Writer) *Stdout {
	if w == nil {
		w = os.Stdout
	}
	return &Stdout{enc: json.NewEncoder(w)}
}

func (s *Stdout) Send(_ context.Context, o scenario.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(o)
}

func (s *Stdout) Close() error { return nil }

// OutcomeFunc is called for each outcome.
type OutcomeFunc func(ctx context.Context, o scenario.Outcome) error

// Callback delivers outcomes in-process.
type Callback struct {
	fn OutcomeFunc
}

// NewCallback creates a Callback sink. fn may be nil.
func NewCallback(fn OutcomeFunc) *Callback { return &Callback{fn: fn} }

func (c *Callback) Send(ctx context.Context, o scenario.Outcome) error {
	if c.fn != nil {
		return c.fn(ctx, o)
	}
	return nil
}

func (c *Callback) Close() error { return nil }

// Router fans out outcomes to all sinks. One sink error does not block the
// others; errors are logged and the first one is returned.
type Router struct {
	sinks  []Sink
	logger *slog.Logger
}

// NewRouter creates a fan-out router delivering to all sinks.
func NewRouter(logger *slog.Logger, sinks ...Sink) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{sinks: sinks, logger: logger}
}

func (r *Router) Send(ctx context.Context, o scenario.Outcome) error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Send(ctx, o); err != nil {
			r.logger.Warn("sink: send outcome failed", "run", o.RunID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) Close() error {
	var firstErr error
	for _, s := range r.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
