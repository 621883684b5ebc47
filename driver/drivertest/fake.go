// Package drivertest provides an in-memory, scriptable driver.Driver for
// exercising the harness without a browser. Documents are keyed by query
// string, navigation bumps a generation counter so old element handles go
// stale, and every operation can be made to fail or panic.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/storeprobe/driver"
)

// Driver is a fake driver.Driver.
type Driver struct {
	mu sync.Mutex

	// StartErr makes StartSession fail.
	StartErr error
	// Routes builds the document served at a URL. Unknown URLs get an empty document.
	Routes map[string]func(*Doc)
	// NavigateErr, when set, is consulted on every navigation.
	NavigateErr func(url string, opts driver.NavigateOptions) error
	// LoadStateErr, when set, is consulted on every load-state wait.
	LoadStateErr func(target string, state driver.LoadState) error
	// Frames lists frame names created on every navigation.
	Frames []string
	// PanicOn names an operation ("navigate", "query", "fill", "click") that panics.
	PanicOn string

	sessions []*Session
	opened   int
	closed   int
}

// New returns a fake driver with no routes.
func New() *Driver {
	return &Driver{Routes: make(map[string]func(*Doc))}
}

func (d *Driver) Name() string { return "fake" }

// StartSession implements driver.Driver.
func (d *Driver) StartSession(_ context.Context, _ driver.Config) (driver.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.StartErr != nil {
		return nil, &driver.SessionError{Op: "start", Err: d.StartErr}
	}
	d.opened++
	s := &Session{id: fmt.Sprintf("fake-%d", d.opened), drv: d}
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Opened is the number of sessions successfully started.
func (d *Driver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Closed is the number of distinct sessions closed.
func (d *Driver) Closed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Sessions returns every session started so far.
func (d *Driver) Sessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Session(nil), d.sessions...)
}

func (d *Driver) maybePanic(op string) {
	d.mu.Lock()
	p := d.PanicOn
	d.mu.Unlock()
	if p == op {
		panic("drivertest: injected panic in " + op)
	}
}

// Session is a fake driver.Session.
type Session struct {
	id         string
	drv        *Driver
	mu         sync.Mutex
	pages      []*Page
	closed     bool
	closeCalls int
}

func (s *Session) ID() string { return s.id }

// CloseCalls counts every Close call, including repeated ones.
func (s *Session) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls
}

func (s *Session) NewPage(_ context.Context) (driver.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, driver.ErrClosed
	}
	p := &Page{target: target{drv: s.drv, name: fmt.Sprintf("page[%d]", len(s.pages)), doc: NewDoc()}, sess: s}
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

// Page returns the i-th page opened in the session.
func (s *Session) Page(i int) *Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[i]
}

func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCalls++
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if !already {
		s.drv.mu.Lock()
		s.drv.closed++
		s.drv.mu.Unlock()
	}
	return nil
}

// Doc is a fake document: a set of element lists keyed by query.
type Doc struct {
	mu    sync.Mutex
	elems map[string][]*Elem
	html  string
}

// NewDoc returns an empty document.
func NewDoc() *Doc { return &Doc{elems: make(map[string][]*Elem)} }

// Set replaces the elements matching q.
func (d *Doc) Set(q driver.Query, elems ...*Elem) {
	d.mu.Lock()
	d.elems[q.String()] = elems
	d.mu.Unlock()
}

// SetHTML sets the markup returned by Target.HTML.
func (d *Doc) SetHTML(s string) {
	d.mu.Lock()
	d.html = s
	d.mu.Unlock()
}

func (d *Doc) get(q driver.Query) []*Elem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Elem(nil), d.elems[q.String()]...)
}

// Elem is a fake element.
type Elem struct {
	mu      sync.Mutex
	Label   string
	Text    string
	Value   string
	Hidden  bool
	Fills   int
	Clicks  int
	FailN   int    // first FailN interactions fail with ErrNotInteractable
	OnClick func() // called after a successful click

	// ClickErr is returned by every click after it has been counted.
	ClickErr error
}

// SetHidden toggles visibility.
func (e *Elem) SetHidden(h bool) {
	e.mu.Lock()
	e.Hidden = h
	e.mu.Unlock()
}

// Snapshot returns the element's value and counters.
func (e *Elem) Snapshot() (value string, fills, clicks int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Value, e.Fills, e.Clicks
}

// target is shared by pages and frames.
type target struct {
	drv  *Driver
	name string
	mu   sync.Mutex
	doc  *Doc
	gen  int

	queries int
}

func (t *target) Name() string { return t.name }

func (t *target) WaitForLoadState(_ context.Context, state driver.LoadState, timeout time.Duration) error {
	if t.drv.LoadStateErr != nil {
		if err := t.drv.LoadStateErr(t.name, state); err != nil {
			return &driver.LoadStateError{Target: t.name, State: state, Timeout: timeout, Err: err}
		}
	}
	return nil
}

func (t *target) Query(_ context.Context, q driver.Query) ([]driver.Element, error) {
	t.drv.maybePanic("query")
	t.mu.Lock()
	doc, gen := t.doc, t.gen
	t.queries++
	t.mu.Unlock()
	var out []driver.Element
	for _, e := range doc.get(q) {
		out = append(out, &handle{owner: t, gen: gen, el: e})
	}
	return out, nil
}

// Queries counts Query calls.
func (t *target) Queries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.queries
}

func (t *target) Eval(_ context.Context, js string) (string, error) {
	return "", fmt.Errorf("drivertest: eval %q: %w", js, driver.ErrUnsupported)
}

func (t *target) HTML(_ context.Context) (string, error) {
	t.mu.Lock()
	doc := t.doc
	t.mu.Unlock()
	doc.mu.Lock()
	defer doc.mu.Unlock()
	return doc.html, nil
}

// Doc returns the live document.
func (t *target) Doc() *Doc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doc
}

// Replace swaps in a new document, invalidating existing handles.
func (t *target) Replace(d *Doc) {
	t.mu.Lock()
	t.doc = d
	t.gen++
	t.mu.Unlock()
}

// Page is a fake driver.Page.
type Page struct {
	target
	sess   *Session
	url    string
	frames []*Frame
	closed bool
}

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) Navigate(_ context.Context, url string, opts driver.NavigateOptions) error {
	d := p.sess.drv
	d.maybePanic("navigate")
	if d.NavigateErr != nil {
		if err := d.NavigateErr(url, opts); err != nil {
			return &driver.NavigationError{URL: url, WaitUntil: opts.WaitUntil, Timeout: opts.Timeout, Err: err}
		}
	}
	doc := NewDoc()
	if build, ok := d.Routes[url]; ok && build != nil {
		build(doc)
	}
	p.mu.Lock()
	p.url = url
	p.mu.Unlock()
	p.Replace(doc)

	var frames []*Frame
	for _, name := range d.Frames {
		f := &Frame{target: target{drv: d, name: name, doc: NewDoc()}}
		frames = append(frames, f)
	}
	p.mu.Lock()
	p.frames = frames
	p.mu.Unlock()
	return nil
}

func (p *Page) Frames(_ context.Context) ([]driver.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]driver.Frame, len(p.frames))
	for i, f := range p.frames {
		out[i] = f
	}
	return out, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

// Frame is a fake driver.Frame.
type Frame struct {
	target
}

type handle struct {
	owner *target
	gen   int
	el    *Elem
}

func (h *handle) live() error {
	h.owner.mu.Lock()
	defer h.owner.mu.Unlock()
	if h.owner.gen != h.gen {
		return driver.ErrDetached
	}
	return nil
}

func (h *handle) interact(op string) error {
	h.owner.drv.maybePanic(op)
	if err := h.live(); err != nil {
		return err
	}
	h.el.mu.Lock()
	defer h.el.mu.Unlock()
	if h.el.Hidden {
		return fmt.Errorf("%s %s: hidden: %w", op, h.el.Label, driver.ErrNotInteractable)
	}
	if h.el.FailN > 0 {
		h.el.FailN--
		return fmt.Errorf("%s %s: %w", op, h.el.Label, driver.ErrNotInteractable)
	}
	return nil
}

func (h *handle) Fill(_ context.Context, value string) error {
	if err := h.interact("fill"); err != nil {
		return err
	}
	h.el.mu.Lock()
	h.el.Value = value
	h.el.Fills++
	h.el.mu.Unlock()
	return nil
}

func (h *handle) Click(_ context.Context) error {
	if err := h.interact("click"); err != nil {
		return err
	}
	h.el.mu.Lock()
	h.el.Clicks++
	fn, clickErr := h.el.OnClick, h.el.ClickErr
	h.el.mu.Unlock()
	if clickErr != nil {
		return clickErr
	}
	if fn != nil {
		fn()
	}
	return nil
}

func (h *handle) Visible(_ context.Context) (bool, error) {
	if err := h.live(); err != nil {
		return false, err
	}
	h.el.mu.Lock()
	defer h.el.mu.Unlock()
	return !h.el.Hidden, nil
}

func (h *handle) Text(_ context.Context) (string, error) {
	if err := h.live(); err != nil {
		return "", err
	}
	h.el.mu.Lock()
	defer h.el.mu.Unlock()
	return h.el.Text, nil
}
