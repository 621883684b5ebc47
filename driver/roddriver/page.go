package roddriver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/storeprobe/driver"
)

// textQueryJS returns the innermost elements whose whitespace-normalised
// text contains the needle, case-insensitively, in document order.
const textQueryJS = `(needle) => {
	const n = needle.replace(/\s+/g, ' ').trim().toLowerCase();
	const skip = new Set(['SCRIPT', 'STYLE', 'NOSCRIPT', 'TEMPLATE', 'HEAD']);
	const out = [];
	const walk = (el) => {
		if (skip.has(el.tagName)) return false;
		let inner = false;
		for (const c of el.children) {
			if (walk(c)) inner = true;
		}
		if (inner) return true;
		const text = (el.textContent || '').replace(/\s+/g, ' ').toLowerCase();
		if (text.includes(n)) {
			out.push(el);
			return true;
		}
		return false;
	};
	if (document.body) walk(document.body);
	return out;
}`

// target is a rod page used as a document: a tab or an iframe.
type target struct {
	p    *rod.Page
	name string
}

func (t *target) Name() string { return t.name }

func (t *target) WaitForLoadState(ctx context.Context, state driver.LoadState, timeout time.Duration) error {
	if state == driver.Commit {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	p := t.p.Context(ctx)

	var err error
	switch state {
	case driver.DOMContentLoaded:
		err = p.Wait(rod.Eval(`() => document.readyState !== 'loading'`))
	case driver.NetworkIdle:
		if err = p.WaitLoad(); err == nil {
			err = p.WaitIdle(timeout)
		}
	default:
		err = p.WaitLoad()
	}
	if err != nil {
		return &driver.LoadStateError{Target: t.name, State: state, Timeout: timeout, Err: mapErr(err)}
	}
	return nil
}

func (t *target) Query(ctx context.Context, q driver.Query) ([]driver.Element, error) {
	p := t.p.Context(ctx)
	var (
		els rod.Elements
		err error
	)
	switch q.Strategy {
	case driver.XPath:
		els, err = p.ElementsX(q.Expr)
	case driver.CSS:
		els, err = p.Elements(q.Expr)
	case driver.Text:
		els, err = p.ElementsByJS(rod.Eval(textQueryJS, q.Expr))
	default:
		return nil, fmt.Errorf("roddriver: unknown strategy %q", q.Strategy)
	}
	if err != nil {
		return nil, fmt.Errorf("roddriver: query %s: %w", q, mapErr(err))
	}
	out := make([]driver.Element, len(els))
	for i, el := range els {
		out[i] = &element{el: el}
	}
	return out, nil
}

func (t *target) Eval(ctx context.Context, js string) (string, error) {
	res, err := t.p.Context(ctx).Eval(js)
	if err != nil {
		return "", fmt.Errorf("roddriver: eval: %w", mapErr(err))
	}
	return res.Value.String(), nil
}

func (t *target) HTML(ctx context.Context) (string, error) {
	html, err := t.p.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("roddriver: html: %w", mapErr(err))
	}
	return html, nil
}

// Page is a Chrome tab.
type Page struct {
	target
	sess   *Session
	router *rod.HijackRouter

	mu      sync.Mutex
	lastURL string
	closed  bool
}

func openPage(ctx context.Context, s *Session, name string) (*Page, error) {
	b := s.browser.Context(ctx)
	var (
		rp  *rod.Page
		err error
	)
	if s.cfg.Stealth {
		rp, err = stealth.Page(b)
	} else {
		rp, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("roddriver: create tab: %w", err)
	}
	// The tab outlives the call's context.
	rp = rp.Context(context.Background())

	if err := rp.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             s.cfg.Viewport.Width,
		Height:            s.cfg.Viewport.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		s.log.Warn("roddriver: set viewport failed", "error", err)
	}
	if s.cfg.UserAgent != "" {
		if err := rp.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: s.cfg.UserAgent}); err != nil {
			s.log.Warn("roddriver: set user agent failed", "error", err)
		}
	}

	p := &Page{target: target{p: rp, name: name}, sess: s}
	types, unknown := resolveResourceTypes(s.cfg.ResourceBlocking)
	if len(unknown) > 0 {
		s.log.Warn("roddriver: unknown resource types ignored", "types", unknown)
	}
	router, err := blockResources(rp, types)
	if err != nil {
		s.log.Warn("roddriver: resource blocking failed", "error", err)
	}
	p.router = router
	return p, nil
}

// Navigate loads url and waits for opts.WaitUntil within opts.Timeout.
func (p *Page) Navigate(ctx context.Context, url string, opts driver.NavigateOptions) error {
	wait := opts.WaitUntil
	if wait == "" {
		wait = driver.Load
	}
	navErr := func(err error) error {
		return &driver.NavigationError{URL: url, WaitUntil: wait, Timeout: opts.Timeout, Err: err}
	}
	if p.isClosed() {
		return navErr(driver.ErrClosed)
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := p.p.Context(ctx).Navigate(url); err != nil {
		return navErr(mapErr(err))
	}
	p.mu.Lock()
	p.lastURL = url
	p.mu.Unlock()

	if err := p.WaitForLoadState(ctx, wait, opts.Timeout); err != nil {
		return navErr(err)
	}
	return nil
}

// URL returns the tab's current URL, or the last navigated one if the
// browser cannot be reached.
func (p *Page) URL() string {
	info, err := p.p.Info()
	if err == nil && info.URL != "" {
		return info.URL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastURL
}

// Frames returns the tab's iframes, named after their name attribute when set.
func (p *Page) Frames(ctx context.Context) ([]driver.Frame, error) {
	els, err := p.p.Context(ctx).Elements("iframe, frame")
	if err != nil {
		return nil, fmt.Errorf("roddriver: frames: %w", mapErr(err))
	}
	var out []driver.Frame
	for i, el := range els {
		fp, err := el.Context(ctx).Frame()
		if err != nil {
			// Frames come and go while the page loads.
			p.sess.log.Debug("roddriver: frame unavailable", "page", p.name, "index", i, "error", err)
			continue
		}
		name := fmt.Sprintf("%s/frame[%d]", p.name, i)
		if n, err := el.Attribute("name"); err == nil && n != nil && *n != "" {
			name = p.name + "/" + *n
		}
		out = append(out, &Frame{target{p: fp.Context(context.Background()), name: name}})
	}
	return out, nil
}

func (p *Page) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	if p.router != nil {
		if err := p.router.Stop(); err != nil {
			p.sess.log.Debug("roddriver: stop hijack router", "error", err)
		}
	}
	return p.p.Close()
}

func (p *Page) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Frame is an iframe document.
type Frame struct {
	target
}
