// Package driver defines the browser automation contract used by the
// scenario harness: sessions, pages, frames and elements. Concrete
// implementations live in roddriver (Chrome DevTools Protocol via go-rod)
// and htmldriver (plain HTTP with an in-memory DOM).
//
// Usage:
//
//	drv := roddriver.New(logger)
//	sess, err := drv.StartSession(ctx, driver.Config{Headless: true})
//	if err != nil { ... }
//	defer sess.Close()
//	page, err := sess.NewPage(ctx)
//	err = page.Navigate(ctx, "http://localhost:4173", driver.NavigateOptions{WaitUntil: driver.Commit})
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LoadState is a document lifecycle milestone.
type LoadState string

const (
	Commit           LoadState = "commit"
	DOMContentLoaded LoadState = "domcontentloaded"
	Load             LoadState = "load"
	NetworkIdle      LoadState = "networkidle"
)

// ParseLoadState validates a load-state name. Empty means Load.
func ParseLoadState(s string) (LoadState, error) {
	switch LoadState(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return Load, nil
	case Commit:
		return Commit, nil
	case DOMContentLoaded:
		return DOMContentLoaded, nil
	case Load:
		return Load, nil
	case NetworkIdle:
		return NetworkIdle, nil
	}
	return "", fmt.Errorf("driver: unknown load state %q", s)
}

// Strategy is a locator query language.
type Strategy string

const (
	XPath Strategy = "xpath"
	CSS   Strategy = "css"
	Text  Strategy = "text"
)

// Query is a structural element query evaluated against a live target.
type Query struct {
	Strategy Strategy
	Expr     string
}

func (q Query) String() string { return string(q.Strategy) + "=" + q.Expr }

// Viewport is the browser window size.
type Viewport struct {
	Width  int `yaml:"width" json:"width"`
	Height int `yaml:"height" json:"height"`
}

// Config configures a session.
type Config struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome.
	RemoteURL string

	Headless bool
	Viewport Viewport

	// Args are extra browser flags without the leading dashes,
	// optionally "name=value".
	Args []string

	// Stealth applies anti-detection patches to new pages.
	Stealth bool

	// ResourceBlocking lists resource types to block (images, fonts, media, stylesheets).
	ResourceBlocking []string

	IgnoreCertErrors bool

	// UserAgent overrides the default user agent when set.
	UserAgent string

	Logger *slog.Logger
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Viewport.Width <= 0 {
		c.Viewport.Width = 1280
	}
	if c.Viewport.Height <= 0 {
		c.Viewport.Height = 720
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NavigateOptions controls Page.Navigate.
type NavigateOptions struct {
	WaitUntil LoadState
	Timeout   time.Duration
}

// Driver opens isolated browser sessions.
type Driver interface {
	Name() string
	StartSession(ctx context.Context, cfg Config) (Session, error)
}

// Session is one browser process (or client) with one isolated browsing
// context. It is owned by a single scenario run.
type Session interface {
	ID() string
	// NewPage opens a page in the session's context. The new page becomes
	// the session's latest page.
	NewPage(ctx context.Context) (Page, error)
	Pages() []Page
	// Close releases every page and the underlying browser. It is safe to
	// call more than once.
	Close() error
}

// Target is a document that can be queried: a Page or a Frame.
type Target interface {
	Name() string
	WaitForLoadState(ctx context.Context, state LoadState, timeout time.Duration) error
	// Query returns the elements currently matching q, in document order.
	// It never waits.
	Query(ctx context.Context, q Query) ([]Element, error)
	Eval(ctx context.Context, js string) (string, error)
	HTML(ctx context.Context) (string, error)
}

// Page is a top-level navigable document.
type Page interface {
	Target
	Navigate(ctx context.Context, url string, opts NavigateOptions) error
	URL() string
	Frames(ctx context.Context) ([]Frame, error)
	Close() error
}

// Frame is a nested document with its own load lifecycle.
type Frame interface {
	Target
}

// Element is a handle to a node resolved at a point in time. Handles go
// stale when the document changes; operations then fail with ErrDetached.
type Element interface {
	Fill(ctx context.Context, value string) error
	Click(ctx context.Context) error
	Visible(ctx context.Context) (bool, error)
	Text(ctx context.Context) (string, error)
}
