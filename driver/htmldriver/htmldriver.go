// Package htmldriver implements driver.Driver without a browser: pages are
// fetched over HTTP, parsed with golang.org/x/net/html and queried in memory.
//
// It is the HTTP-only automation level: no JavaScript runs, links are
// followed on click, forms are submitted on click of a submit control, and
// iframes are fetched as frames with their own load state. Each session has
// its own cookie jar, so sessions are isolated from one another.
package htmldriver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"

	"golang.org/x/net/publicsuffix"

	"github.com/hazyhaar/storeprobe/driver"
	"github.com/hazyhaar/storeprobe/idgen"
)

// Driver is the HTTP-level driver.
type Driver struct {
	// Transport overrides the HTTP transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
	// NewID mints session IDs.
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

func (d *Driver) Name() string { return "http" }

// StartSession creates a fresh client with an empty cookie jar.
func (d *Driver) StartSession(_ context.Context, cfg driver.Config) (driver.Session, error) {
	cfg.Defaults()
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, &driver.SessionError{Op: "cookie jar", Err: err}
	}
	client := &http.Client{Jar: jar, Transport: d.Transport}
	s := &Session{
		id:     d.NewID(),
		client: client,
		cfg:    cfg,
		log:    d.logger,
	}
	d.logger.Debug("htmldriver: session started", "session", s.id)
	return s, nil
}

// Session is an HTTP client with its own cookie jar.
type Session struct {
	id     string
	client *http.Client
	cfg    driver.Config
	log    *slog.Logger

	mu     sync.Mutex
	pages  []*Page
	closed bool
}

func (s *Session) ID() string { return s.id }

func (s *Session) NewPage(_ context.Context) (driver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &driver.SessionError{Op: "new page", Err: driver.ErrClosed}
	}
	p := &Page{view: view{sess: s, name: fmt.Sprintf("page[%d]", len(s.pages))}}
	p.onLoad = p.loadFrames
	s.pages = append(s.pages, p)
	return p, nil
}

func (s *Session) Pages() []driver.Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]driver.Page, 0, len(s.pages))
	for _, p := range s.pages {
		out = append(out, p)
	}
	return out
}

// Close closes every page and drops idle connections. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pages := s.pages
	s.mu.Unlock()

	for _, p := range pages {
		p.Close()
	}
	s.client.CloseIdleConnections()
	s.log.Debug("htmldriver: session closed", "session", s.id)
	return nil
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
