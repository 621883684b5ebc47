package htmldriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/storeprobe/driver"
)

const (
	maxBodyBytes = 8 << 20
	frameTimeout = 10 * time.Second
	frameLoaders = 4
)

var errNoDocument = errors.New("no document loaded")

// view is a loaded document: the state shared by pages and frames.
type view struct {
	sess   *Session
	name   string
	onLoad func(ctx context.Context)

	mu      sync.Mutex
	root    *html.Node
	url     *url.URL
	status  int
	gen     int
	loadErr error
	closed  bool
}

func (v *view) Name() string { return v.name }

// fetch performs req and, on success, replaces the document. Existing
// element handles become detached.
func (v *view) fetch(ctx context.Context, req *http.Request) error {
	if v.sess.isClosed() {
		return &driver.SessionError{Op: "fetch", Err: driver.ErrClosed}
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	if ua := v.sess.cfg.UserAgent; ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := v.sess.client.Do(req)
	if err != nil {
		v.setLoadErr(err)
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		v.setLoadErr(err)
		return fmt.Errorf("read body: %w", dispatched(req, err))
	}
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		v.setLoadErr(err)
		return fmt.Errorf("parse: %w", dispatched(req, err))
	}

	v.mu.Lock()
	v.root = root
	v.url = resp.Request.URL
	v.status = resp.StatusCode
	v.loadErr = nil
	v.gen++
	v.mu.Unlock()

	v.sess.log.Debug("htmldriver: loaded", "target", v.name, "url", resp.Request.URL.String(), "status", resp.StatusCode)
	if v.onLoad != nil {
		v.onLoad(ctx)
	}
	return nil
}

// dispatched marks err as following a non-idempotent request the server
// has already answered, so it must not be sent again.
func dispatched(req *http.Request, err error) error {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return err
	}
	return fmt.Errorf("%w: %w", driver.ErrDispatched, err)
}

func (v *view) setLoadErr(err error) {
	v.mu.Lock()
	v.loadErr = err
	v.mu.Unlock()
}

// WaitForLoadState reports the document's own state without blocking: a
// fetched document has reached every lifecycle state since no scripts run.
func (v *view) WaitForLoadState(_ context.Context, state driver.LoadState, timeout time.Duration) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	var err error
	switch {
	case v.closed:
		err = driver.ErrClosed
	case v.loadErr != nil:
		err = v.loadErr
	case v.root == nil:
		err = errNoDocument
	}
	if err != nil {
		return &driver.LoadStateError{Target: v.name, State: state, Timeout: timeout, Err: err}
	}
	return nil
}

func (v *view) Query(_ context.Context, q driver.Query) ([]driver.Element, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, driver.ErrClosed
	}
	if v.root == nil {
		return nil, nil
	}
	nodes, err := query(v.root, q)
	if err != nil {
		return nil, fmt.Errorf("htmldriver: %s: %w", q, err)
	}
	out := make([]driver.Element, len(nodes))
	for i, n := range nodes {
		out[i] = &element{v: v, gen: v.gen, n: n}
	}
	return out, nil
}

func (v *view) Eval(_ context.Context, js string) (string, error) {
	return "", fmt.Errorf("htmldriver: eval: %w", driver.ErrUnsupported)
}

func (v *view) HTML(_ context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.root == nil {
		return "", errNoDocument
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, v.root); err != nil {
		return "", fmt.Errorf("htmldriver: render: %w", err)
	}
	return buf.String(), nil
}

func (v *view) currentURL() *url.URL {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.url
}

func (v *view) close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

// Page is a top-level document.
type Page struct {
	view

	fmu        sync.Mutex
	frames     []*Frame
	stopFrames context.CancelFunc
}

// Status is the HTTP status of the last response.
func (p *Page) Status() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Page) URL() string {
	if u := p.currentURL(); u != nil {
		return u.String()
	}
	return ""
}

// Navigate fetches rawURL, resolved against the current URL.
func (p *Page) Navigate(ctx context.Context, rawURL string, opts driver.NavigateOptions) error {
	target, err := p.resolve(rawURL)
	if err != nil {
		return &driver.NavigationError{URL: rawURL, WaitUntil: opts.WaitUntil, Timeout: opts.Timeout, Err: err}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	req, err := http.NewRequest(http.MethodGet, target.String(), nil)
	if err != nil {
		return &driver.NavigationError{URL: rawURL, WaitUntil: opts.WaitUntil, Timeout: opts.Timeout, Err: err}
	}
	if err := p.fetch(ctx, req); err != nil {
		var se *driver.SessionError
		if errors.As(err, &se) {
			return err
		}
		return &driver.NavigationError{URL: rawURL, WaitUntil: opts.WaitUntil, Timeout: opts.Timeout, Err: err}
	}
	if waitsForFrames(opts.WaitUntil) {
		if err := p.framesSettled(ctx); err != nil {
			return &driver.NavigationError{URL: rawURL, WaitUntil: opts.WaitUntil, Timeout: opts.Timeout, Err: err}
		}
	}
	return nil
}

// waitsForFrames reports whether state is only reached once every frame
// has finished loading. The empty state means Load.
func waitsForFrames(state driver.LoadState) bool {
	switch state {
	case "", driver.Load, driver.NetworkIdle:
		return true
	}
	return false
}

// WaitForLoadState returns at once for commit and domcontentloaded. Load and
// networkidle also wait, within timeout, for every frame to finish loading,
// whether or not it loaded successfully.
func (p *Page) WaitForLoadState(ctx context.Context, state driver.LoadState, timeout time.Duration) error {
	if err := p.view.WaitForLoadState(ctx, state, timeout); err != nil {
		return err
	}
	if !waitsForFrames(state) {
		return nil
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.framesSettled(ctx); err != nil {
		return &driver.LoadStateError{Target: p.name, State: state, Timeout: timeout, Err: err}
	}
	return nil
}

// framesSettled blocks until every current frame is done or ctx ends.
func (p *Page) framesSettled(ctx context.Context) error {
	p.fmu.Lock()
	frames := p.frames
	p.fmu.Unlock()
	for _, f := range frames {
		select {
		case <-f.done:
		case <-ctx.Done():
			return fmt.Errorf("frame %s still loading: %w", f.name, ctx.Err())
		}
	}
	return nil
}

func (p *Page) resolve(raw string) (*url.URL, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if base := p.currentURL(); base != nil {
		return base.ResolveReference(ref), nil
	}
	if !ref.IsAbs() {
		return nil, fmt.Errorf("relative url %q with no current document", raw)
	}
	return ref, nil
}

// loadFrames replaces the page's frames with the <iframe> elements of the
// current document and fetches them in the background, so a commit does not
// wait on them. Failures are recorded on the frame, never returned. Loads
// started for the previous document are cancelled.
func (p *Page) loadFrames(ctx context.Context) {
	p.mu.Lock()
	root, base := p.root, p.url
	p.mu.Unlock()

	var frames []*Frame
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Iframe {
			name := getAttr(n, "name")
			if name == "" {
				name = getAttr(n, "id")
			}
			if name == "" {
				name = fmt.Sprintf("frame[%d]", len(frames))
			}
			f := &Frame{
				view: view{sess: p.sess, name: p.name + "/" + name},
				src:  getAttr(n, "src"),
				done: make(chan struct{}),
			}
			frames = append(frames, f)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}

	// Frame loads outlive the navigation or click that triggered them.
	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.fmu.Lock()
	old, stop := p.frames, p.stopFrames
	p.frames, p.stopFrames = frames, cancel
	p.fmu.Unlock()
	if stop != nil {
		stop()
	}
	for _, f := range old {
		f.close()
	}

	go func() {
		defer cancel()
		var g errgroup.Group
		g.SetLimit(frameLoaders)
		for _, f := range frames {
			g.Go(func() error {
				defer close(f.done)
				f.load(fctx, base)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (p *Page) Frames(_ context.Context) ([]driver.Frame, error) {
	p.fmu.Lock()
	defer p.fmu.Unlock()
	out := make([]driver.Frame, len(p.frames))
	for i, f := range p.frames {
		out[i] = f
	}
	return out, nil
}

func (p *Page) Close() error {
	p.close()
	p.fmu.Lock()
	frames, stop := p.frames, p.stopFrames
	p.fmu.Unlock()
	if stop != nil {
		stop()
	}
	for _, f := range frames {
		f.close()
	}
	return nil
}

// Frame is an iframe document. It loads in the background after its page
// commits; done is closed once the load has finished, failed or been
// cancelled.
type Frame struct {
	view
	src  string
	done chan struct{}
}

// WaitForLoadState waits, within timeout, for the frame's load to finish and
// then reports its outcome. Every state is reached together since no
// scripts run.
func (f *Frame) WaitForLoadState(ctx context.Context, state driver.LoadState, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case <-f.done:
	case <-ctx.Done():
		return &driver.LoadStateError{Target: f.name, State: state, Timeout: timeout, Err: ctx.Err()}
	}
	return f.view.WaitForLoadState(ctx, state, timeout)
}

func (f *Frame) load(ctx context.Context, base *url.URL) {
	if f.src == "" || strings.HasPrefix(f.src, "about:") {
		f.mu.Lock()
		f.root = &html.Node{Type: html.DocumentNode}
		f.mu.Unlock()
		return
	}
	ref, err := url.Parse(f.src)
	if err != nil {
		f.setLoadErr(err)
		return
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()
	req, err := http.NewRequest(http.MethodGet, ref.String(), nil)
	if err != nil {
		f.setLoadErr(err)
		return
	}
	if err := f.fetch(ctx, req); err != nil {
		f.sess.log.Debug("htmldriver: frame load failed", "frame", f.name, "src", f.src, "error", err)
		return
	}
	f.mu.Lock()
	status := f.status
	f.mu.Unlock()
	if status >= 400 {
		f.setLoadErr(fmt.Errorf("frame %s: http %d", f.src, status))
	}
}
