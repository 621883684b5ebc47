package htmldriver

import (
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// evaluateXPath evaluates a practical subset of XPath 1.0 against root and
// returns matching element nodes in document order:
//   - html/body/div[2]/button    relative to the document (child axis)
//   - /html/body/main            absolute path
//   - //form//input[@name='q']   descendant steps anywhere in the path
//   - //div[@class='x'][2]       predicates applied left to right
//   - //li[last()]               last sibling of that tag
//   - //a[contains(@href,'/admin')], //button[text()='Entrar'],
//     //span[contains(text(),'Subtotal')], //p[normalize-space()='x']
//   - //*                        any element
func evaluateXPath(root *html.Node, expr string) ([]*html.Node, error) {
	steps, err := parseXPath(strings.TrimSpace(expr))
	if err != nil {
		return nil, err
	}
	current := []*html.Node{root}
	for _, st := range steps {
		var next []*html.Node
		seen := make(map[*html.Node]bool)
		for _, ctx := range current {
			for _, n := range st.apply(ctx) {
				if !seen[n] {
					seen[n] = true
					next = append(next, n)
				}
			}
		}
		current = next
		if len(current) == 0 {
			break
		}
	}
	return inDocumentOrder(root, current), nil
}

type xpathStep struct {
	descendant bool
	tag        string
	preds      []xpathPredicate
}

type predKind int

const (
	predPosition predKind = iota
	predLast
	predHasAttr
	predAttrEq
	predAttrContains
	predTextEq
	predTextContains
)

type xpathPredicate struct {
	kind     predKind
	attrName string
	value    string
	position int // 1-based
}

// parseXPath splits expr into steps, honouring brackets and quotes.
func parseXPath(expr string) ([]xpathStep, error) {
	if expr == "" {
		return nil, errXPath("empty expression")
	}
	var steps []xpathStep
	i := 0
	for i < len(expr) {
		desc := false
		switch {
		case strings.HasPrefix(expr[i:], "//"):
			desc = true
			i += 2
		case expr[i] == '/':
			i++
		}
		start := i
		depth := 0
		var quote byte
		for i < len(expr) {
			c := expr[i]
			if quote != 0 {
				if c == quote {
					quote = 0
				}
			} else if c == '\'' || c == '"' {
				quote = c
			} else if c == '[' {
				depth++
			} else if c == ']' {
				depth--
			} else if c == '/' && depth == 0 {
				break
			}
			i++
		}
		if quote != 0 || depth != 0 {
			return nil, errXPath("unbalanced predicate in " + strconv.Quote(expr))
		}
		raw := expr[start:i]
		if raw == "" {
			return nil, errXPath("empty step in " + strconv.Quote(expr))
		}
		st, err := parseXPathStep(raw)
		if err != nil {
			return nil, err
		}
		st.descendant = desc
		steps = append(steps, st)
	}
	return steps, nil
}

// parseXPathStep parses "div", "div[@class='x']", "div[2]", "li[last()]".
func parseXPathStep(step string) (xpathStep, error) {
	idx := strings.IndexByte(step, '[')
	if idx < 0 {
		return xpathStep{tag: strings.ToLower(step)}, nil
	}
	st := xpathStep{tag: strings.ToLower(step[:idx])}
	rest := step[idx:]
	for rest != "" {
		if rest[0] != '[' {
			return st, errXPath("unexpected " + strconv.Quote(rest))
		}
		end := closingBracket(rest)
		if end < 0 {
			return st, errXPath("unterminated predicate in " + strconv.Quote(step))
		}
		p, err := parsePredicate(strings.TrimSpace(rest[1:end]))
		if err != nil {
			return st, err
		}
		st.preds = append(st.preds, p)
		rest = rest[end+1:]
	}
	return st, nil
}

func closingBracket(s string) int {
	var quote byte
	for i := 1; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ']':
			return i
		}
	}
	return -1
}

func parsePredicate(p string) (xpathPredicate, error) {
	if n, err := strconv.Atoi(p); err == nil {
		if n < 1 {
			return xpathPredicate{}, errXPath("position must be >= 1")
		}
		return xpathPredicate{kind: predPosition, position: n}, nil
	}
	if p == "last()" {
		return xpathPredicate{kind: predLast}, nil
	}

	if strings.HasPrefix(p, "contains(") && strings.HasSuffix(p, ")") {
		args := strings.SplitN(p[len("contains("):len(p)-1], ",", 2)
		if len(args) != 2 {
			return xpathPredicate{}, errXPath("bad contains() in " + strconv.Quote(p))
		}
		subject, value := strings.TrimSpace(args[0]), unquoteXPath(strings.TrimSpace(args[1]))
		switch {
		case strings.HasPrefix(subject, "@"):
			return xpathPredicate{kind: predAttrContains, attrName: subject[1:], value: value}, nil
		case subject == "text()" || subject == "." || subject == "normalize-space()" || subject == "normalize-space(.)":
			return xpathPredicate{kind: predTextContains, value: value}, nil
		}
		return xpathPredicate{}, errXPath("unsupported contains() subject " + strconv.Quote(subject))
	}

	if eq := strings.IndexByte(p, '='); eq >= 0 {
		subject, value := strings.TrimSpace(p[:eq]), unquoteXPath(strings.TrimSpace(p[eq+1:]))
		switch {
		case strings.HasPrefix(subject, "@"):
			return xpathPredicate{kind: predAttrEq, attrName: subject[1:], value: value}, nil
		case subject == "text()" || subject == "." || subject == "normalize-space()" || subject == "normalize-space(.)":
			return xpathPredicate{kind: predTextEq, value: value}, nil
		}
		return xpathPredicate{}, errXPath("unsupported comparison " + strconv.Quote(p))
	}

	if strings.HasPrefix(p, "@") {
		return xpathPredicate{kind: predHasAttr, attrName: p[1:]}, nil
	}
	return xpathPredicate{}, errXPath("unsupported predicate " + strconv.Quote(p))
}

func unquoteXPath(s string) string {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// apply returns the nodes selected by the step from context node ctx.
func (st xpathStep) apply(ctx *html.Node) []*html.Node {
	var cands []*html.Node
	if st.descendant {
		var walk func(*html.Node)
		walk = func(n *html.Node) {
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if matchesTag(c, st.tag) {
					cands = append(cands, c)
				}
				walk(c)
			}
		}
		walk(ctx)
	} else {
		for c := ctx.FirstChild; c != nil; c = c.NextSibling {
			if matchesTag(c, st.tag) {
				cands = append(cands, c)
			}
		}
	}
	for _, p := range st.preds {
		cands = p.filter(cands)
		if len(cands) == 0 {
			break
		}
	}
	return cands
}

func matchesTag(n *html.Node, tag string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	return tag == "*" || n.Data == tag
}

// filter applies the predicate. Positional predicates count within each
// parent, which is what "//div[2]" means in XPath.
func (p xpathPredicate) filter(nodes []*html.Node) []*html.Node {
	switch p.kind {
	case predPosition, predLast:
		groups := make(map[*html.Node][]*html.Node)
		var order []*html.Node
		for _, n := range nodes {
			if _, ok := groups[n.Parent]; !ok {
				order = append(order, n.Parent)
			}
			groups[n.Parent] = append(groups[n.Parent], n)
		}
		var out []*html.Node
		for _, parent := range order {
			g := groups[parent]
			i := p.position - 1
			if p.kind == predLast {
				i = len(g) - 1
			}
			if i >= 0 && i < len(g) {
				out = append(out, g[i])
			}
		}
		return out
	}

	var out []*html.Node
	for _, n := range nodes {
		if p.match(n) {
			out = append(out, n)
		}
	}
	return out
}

func (p xpathPredicate) match(n *html.Node) bool {
	switch p.kind {
	case predHasAttr:
		return hasAttr(n, p.attrName)
	case predAttrEq:
		return hasAttr(n, p.attrName) && getAttr(n, p.attrName) == p.value
	case predAttrContains:
		return strings.Contains(getAttr(n, p.attrName), p.value)
	case predTextEq:
		return normalizeSpace(textContent(n)) == normalizeSpace(p.value)
	case predTextContains:
		return strings.Contains(normalizeSpace(textContent(n)), normalizeSpace(p.value))
	}
	return false
}

// inDocumentOrder sorts nodes by a pre-order walk of root.
func inDocumentOrder(root *html.Node, nodes []*html.Node) []*html.Node {
	if len(nodes) < 2 {
		return nodes
	}
	want := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		want[n] = true
	}
	out := make([]*html.Node, 0, len(nodes))
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if want[n] {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

type xpathError string

func (e xpathError) Error() string { return "htmldriver: xpath: " + string(e) }

func errXPath(msg string) error { return xpathError(msg) }
