package htmldriver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/storeprobe/driver"
)

// element is a node of a specific document generation.
type element struct {
	v   *view
	gen int
	n   *html.Node
}

// liveLocked checks the handle still belongs to the current document.
// Callers hold v.mu.
func (e *element) liveLocked() error {
	if e.v.closed {
		return driver.ErrClosed
	}
	if e.gen != e.v.gen {
		return driver.ErrDetached
	}
	return nil
}

func (e *element) Visible(_ context.Context) (bool, error) {
	e.v.mu.Lock()
	defer e.v.mu.Unlock()
	if err := e.liveLocked(); err != nil {
		return false, err
	}
	return visible(e.n), nil
}

func (e *element) Text(_ context.Context) (string, error) {
	e.v.mu.Lock()
	defer e.v.mu.Unlock()
	if err := e.liveLocked(); err != nil {
		return "", err
	}
	return normalizeSpace(textContent(e.n)), nil
}

// interactableLocked rejects hidden and disabled controls.
func (e *element) interactableLocked(op string) error {
	if err := e.liveLocked(); err != nil {
		return err
	}
	if !visible(e.n) {
		return fmt.Errorf("htmldriver: %s <%s>: not visible: %w", op, e.n.Data, driver.ErrNotInteractable)
	}
	if disabled(e.n) {
		return fmt.Errorf("htmldriver: %s <%s>: disabled: %w", op, e.n.Data, driver.ErrNotInteractable)
	}
	return nil
}

// Fill replaces the control's value.
func (e *element) Fill(_ context.Context, value string) error {
	e.v.mu.Lock()
	defer e.v.mu.Unlock()
	if err := e.interactableLocked("fill"); err != nil {
		return err
	}
	n := e.n
	if hasAttr(n, "readonly") {
		return fmt.Errorf("htmldriver: fill <%s>: readonly: %w", n.Data, driver.ErrNotInteractable)
	}
	switch n.DataAtom {
	case atom.Input:
		switch strings.ToLower(getAttr(n, "type")) {
		case "checkbox", "radio", "submit", "button", "reset", "image", "file":
			return fmt.Errorf("htmldriver: fill input[type=%s]: %w", getAttr(n, "type"), driver.ErrNotInteractable)
		}
		setAttr(n, "value", value)
	case atom.Textarea:
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	case atom.Select:
		if !selectOption(n, value) {
			return fmt.Errorf("htmldriver: fill select: no option %q: %w", value, driver.ErrNotInteractable)
		}
	default:
		if !strings.EqualFold(getAttr(n, "contenteditable"), "true") {
			return fmt.Errorf("htmldriver: fill <%s>: not an editable control: %w", n.Data, driver.ErrNotInteractable)
		}
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
	}
	return nil
}

// Click follows links, submits forms and toggles checkable inputs.
// Anything else is accepted and has no effect.
func (e *element) Click(ctx context.Context) error {
	e.v.mu.Lock()
	if err := e.interactableLocked("click"); err != nil {
		e.v.mu.Unlock()
		return err
	}
	req, err := e.activateLocked()
	e.v.mu.Unlock()
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}
	if err := e.v.fetch(ctx, req); err != nil {
		return fmt.Errorf("htmldriver: click navigation to %s: %w", req.URL, err)
	}
	return nil
}

// activateLocked applies the click's in-document effects and returns the
// navigation request it triggers, if any.
func (e *element) activateLocked() (*http.Request, error) {
	n := e.n
	base := e.v.url

	if n.DataAtom == atom.Input {
		switch strings.ToLower(getAttr(n, "type")) {
		case "checkbox":
			if hasAttr(n, "checked") {
				removeAttr(n, "checked")
			} else {
				setAttr(n, "checked", "")
			}
			return nil, nil
		case "radio":
			checkRadio(n)
			return nil, nil
		}
	}

	if a := ancestor(n, atom.A); a != nil && hasAttr(a, "href") {
		href := strings.TrimSpace(getAttr(a, "href"))
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil, nil
		}
		ref, err := url.Parse(href)
		if err != nil {
			return nil, fmt.Errorf("htmldriver: bad href %q: %w", href, err)
		}
		if base != nil {
			ref = base.ResolveReference(ref)
		}
		return http.NewRequest(http.MethodGet, ref.String(), nil)
	}

	if submitter := submitControl(n); submitter != nil {
		form := ancestor(submitter, atom.Form)
		if form == nil {
			return nil, nil
		}
		return formRequest(base, form, submitter)
	}
	return nil, nil
}

// submitControl returns the submit button containing n, if any.
func submitControl(n *html.Node) *html.Node {
	for a := n; a != nil; a = a.Parent {
		if a.Type != html.ElementNode {
			continue
		}
		switch a.DataAtom {
		case atom.Button:
			t := strings.ToLower(getAttr(a, "type"))
			if t == "" || t == "submit" {
				return a
			}
			return nil
		case atom.Input:
			t := strings.ToLower(getAttr(a, "type"))
			if t == "submit" || t == "image" {
				return a
			}
			return nil
		case atom.Form:
			return nil
		}
	}
	return nil
}

// formRequest encodes the form's successful controls.
func formRequest(base *url.URL, form, submitter *html.Node) (*http.Request, error) {
	vals := url.Values{}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n != form && n.Type == html.ElementNode {
			addControl(vals, n, submitter)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(form)

	method := strings.ToUpper(getAttr(form, "method"))
	if m := getAttr(submitter, "formmethod"); m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodPost {
		method = http.MethodGet
	}
	action := getAttr(form, "action")
	if a := getAttr(submitter, "formaction"); a != "" {
		action = a
	}
	target := base
	if action != "" {
		ref, err := url.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("htmldriver: bad form action %q: %w", action, err)
		}
		if base != nil {
			target = base.ResolveReference(ref)
		} else {
			target = ref
		}
	}
	if target == nil {
		return nil, fmt.Errorf("htmldriver: form has no action and no base url")
	}

	if method == http.MethodGet {
		u := *target
		u.RawQuery = vals.Encode()
		return http.NewRequest(http.MethodGet, u.String(), nil)
	}
	req, err := http.NewRequest(http.MethodPost, target.String(), strings.NewReader(vals.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

func addControl(vals url.Values, n, submitter *html.Node) {
	name := getAttr(n, "name")
	if name == "" || disabled(n) {
		return
	}
	switch n.DataAtom {
	case atom.Input:
		switch strings.ToLower(getAttr(n, "type")) {
		case "checkbox", "radio":
			if hasAttr(n, "checked") {
				v := getAttr(n, "value")
				if v == "" {
					v = "on"
				}
				vals.Add(name, v)
			}
		case "submit", "image", "button", "reset":
			if n == submitter {
				vals.Add(name, getAttr(n, "value"))
			}
		case "file":
		default:
			vals.Add(name, getAttr(n, "value"))
		}
	case atom.Button:
		if n == submitter {
			vals.Add(name, getAttr(n, "value"))
		}
	case atom.Textarea:
		var sb strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				sb.WriteString(c.Data)
			}
		}
		vals.Add(name, sb.String())
	case atom.Select:
		if v, ok := selectedValue(n); ok {
			vals.Add(name, v)
		}
	}
}

func options(sel *html.Node) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Option {
			out = append(out, n)
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(sel)
	return out
}

func optionValue(o *html.Node) string {
	if hasAttr(o, "value") {
		return getAttr(o, "value")
	}
	return normalizeSpace(textContent(o))
}

func selectedValue(sel *html.Node) (string, bool) {
	opts := options(sel)
	for _, o := range opts {
		if hasAttr(o, "selected") {
			return optionValue(o), true
		}
	}
	if len(opts) > 0 {
		return optionValue(opts[0]), true
	}
	return "", false
}

// selectOption selects the option whose value or label equals v.
func selectOption(sel *html.Node, v string) bool {
	var match *html.Node
	for _, o := range options(sel) {
		if optionValue(o) == v || normalizeSpace(textContent(o)) == v {
			match = o
			break
		}
	}
	if match == nil {
		return false
	}
	for _, o := range options(sel) {
		removeAttr(o, "selected")
	}
	setAttr(match, "selected", "")
	return true
}

func checkRadio(n *html.Node) {
	name := getAttr(n, "name")
	if form := ancestor(n, atom.Form); form != nil && name != "" {
		var walk func(*html.Node)
		walk = func(c *html.Node) {
			if c.Type == html.ElementNode && c.DataAtom == atom.Input &&
				strings.EqualFold(getAttr(c, "type"), "radio") && getAttr(c, "name") == name {
				removeAttr(c, "checked")
			}
			for x := c.FirstChild; x != nil; x = x.NextSibling {
				walk(x)
			}
		}
		walk(form)
	}
	setAttr(n, "checked", "")
}

func disabled(n *html.Node) bool {
	for a := n; a != nil; a = a.Parent {
		if a.Type != html.ElementNode {
			continue
		}
		if hasAttr(a, "disabled") {
			switch a.DataAtom {
			case atom.Input, atom.Button, atom.Select, atom.Textarea, atom.Fieldset, atom.Option:
				return true
			}
		}
	}
	return false
}
