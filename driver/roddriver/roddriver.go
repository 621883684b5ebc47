// Package roddriver implements driver.Driver on Chrome through go-rod.
//
// Each session launches its own Chrome (or connects to a remote one) and
// opens an incognito browser context, so cookies and storage never leak
// between scenarios. Pages can be stealth-patched and can block heavy
// resource types.
package roddriver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"

	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/idgen"
)

// Driver launches Chrome sessions.
type Driver struct {
	// Bin overrides the Chrome binary. Empty lets the launcher find or
	// download one.
	Bin    string
	NewID  idgen.Generator
	logger *slog.Logger
}

// New creates a Driver.
func New(logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{logger: logger, NewID: idgen.Prefixed("sess_", idgen.NanoID(10))}
}

func (d *Driver) Name() string { return "rod" }

// StartSession launches (or connects to) Chrome and opens an incognito context.
func (d *Driver) StartSession(ctx context.Context, cfg driver.Config) (driver.Session, error) {
	cfg.Defaults()
	log := cfg.Logger
	s := &Session{id: d.NewID(), cfg: cfg, log: log}

	wsURL := cfg.RemoteURL
	if wsURL != "" {
		log.Info("roddriver: connecting to remote", "url", wsURL, "session", s.id)
	} else {
		l := configureLauncher(launcher.New(), cfg)
		if d.Bin != "" {
			l = l.Bin(d.Bin)
		}
		u, err := l.Context(ctx).Launch()
		if err != nil {
			l.Cleanup()
			return nil, &driver.SessionError{Op: "launch", Err: err}
		}
		wsURL = u
		s.lnch = l
		log.Debug("roddriver: launched local chrome", "url", wsURL, "session", s.id)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		s.cleanup()
		return nil, &driver.SessionError{Op: "connect", Err: err}
	}
	s.root = b

	if cfg.IgnoreCertErrors {
		if err := b.IgnoreCertErrors(true); err != nil {
			log.Warn("roddriver: ignore cert errors failed", "error", err)
		}
	}

	incog, err := b.Incognito()
	if err != nil {
		s.cleanup()
		return nil, &driver.SessionError{Op: "incognito context", Err: err}
	}
	s.browser = incog
	return s, nil
}

// configureLauncher applies the session's launch profile.
func configureLauncher(l *launcher.Launcher, cfg driver.Config) *launcher.Launcher {
	l = l.Headless(cfg.Headless).
		Set("disable-blink-features", "AutomationControlled").
		Set("window-size", fmt.Sprintf("%d,%d", cfg.Viewport.Width, cfg.Viewport.Height))
	for _, arg := range cfg.Args {
		name, value, ok := strings.Cut(strings.TrimLeft(strings.TrimSpace(arg), "-"), "=")
		if name == "" {
			continue
		}
		if ok {
			l = l.Set(flags.Flag(name), value)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// Session is one Chrome connection with one incognito context.
type Session struct {
	id   string
	cfg  driver.Config
	log  *slog.Logger
	lnch *launcher.Launcher
	root *rod.Browser
	// browser is the incognito context every page is created in.
	browser *rod.Browser

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

func (s *Session) ID() string { return s.id }

// NewPage opens a tab in the incognito context.
func (s *Session) NewPage(ctx context.Context) (driver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &driver.SessionError{Op: "new page", Err: driver.ErrClosed}
	}
	p, err := openPage(ctx, s, fmt.Sprintf("page[%d]", len(s.pages)))
	if err != nil {
		return nil, &driver.SessionError{Op: "new page", Err: err}
	}
	s.pages = append(s.pages, p)
	return p, nil
}

func (s *Session) Pages() []driver.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]driver.Page, len(s.pages))
	for i, p := range s.pages {
		out[i] = p
	}
	return out
}

// Close closes every page, disposes the context and stops Chrome.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pages := s.pages
	s.pages = nil
	s.mu.Unlock()

	for _, p := range pages {
		if err := p.Close(); err != nil {
			s.log.Debug("roddriver: close page", "page", p.name, "error", err)
		}
	}
	err := s.cleanup()
	s.log.Debug("roddriver: session closed", "session", s.id)
	return err
}

func (s *Session) cleanup() error {
	var firstErr error
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			firstErr = err
		}
		s.browser = nil
	}
	if s.root != nil {
		// A remote Chrome is shared; only the context is ours to close.
		if s.lnch != nil {
			if err := s.root.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.root = nil
	}
	if s.lnch != nil {
		s.lnch.Cleanup()
		s.lnch = nil
	}
	return firstErr
}
