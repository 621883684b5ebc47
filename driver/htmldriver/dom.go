package htmldriver

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/storeprobe/driver"
)

var hiddenStylePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)display\s*:\s*none`),
	regexp.MustCompile(`(?i)visibility\s*:\s*hidden`),
	regexp.MustCompile(`(?i)opacity\s*:\s*0(\s*;|\s*$)`),
}

// query evaluates q against root.
func query(root *html.Node, q driver.Query) ([]*html.Node, error) {
	switch q.Strategy {
	case driver.XPath:
		return evaluateXPath(root, q.Expr)
	case driver.CSS:
		sel, err := cascadia.Compile(q.Expr)
		if err != nil {
			return nil, err
		}
		return goquery.NewDocumentFromNode(root).FindMatcher(sel).Nodes, nil
	case driver.Text:
		return findText(root, q.Expr), nil
	}
	return nil, driver.ErrUnsupported
}

// findText returns the innermost elements whose text contains needle,
// case-insensitively and with whitespace normalised.
func findText(root *html.Node, needle string) []*html.Node {
	needle = strings.ToLower(normalizeSpace(needle))
	if needle == "" {
		return nil
	}
	contains := func(n *html.Node) bool {
		return strings.Contains(strings.ToLower(normalizeSpace(textContent(n))), needle)
	}

	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && nonRendered(n) {
			return
		}
		if n.Type == html.ElementNode && contains(n) {
			inner := false
			for c := n.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && !nonRendered(c) && contains(c) {
					inner = true
					break
				}
			}
			if !inner {
				out = append(out, n)
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// nonRendered reports elements whose content never renders as text.
func nonRendered(n *html.Node) bool {
	switch n.DataAtom {
	case atom.Head, atom.Script, atom.Style, atom.Template, atom.Noscript, atom.Title:
		return true
	}
	return false
}

// visible approximates rendering without a layout engine: the node and all
// its ancestors must be rendered and not hidden by attribute, inline style
// or the "hidden" utility class.
func visible(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if n.DataAtom == atom.Input && strings.EqualFold(getAttr(n, "type"), "hidden") {
		return false
	}
	for a := n; a != nil; a = a.Parent {
		if a.Type != html.ElementNode {
			continue
		}
		if nonRendered(a) || hasAttr(a, "hidden") || hasHiddenStyle(a) || hasClass(a, "hidden") {
			return false
		}
		// Closed <details> only shows its <summary>.
		if a.DataAtom == atom.Details && !hasAttr(a, "open") && a != n {
			if !within(n, a, atom.Summary) {
				return false
			}
		}
	}
	return true
}

func within(n, stop *html.Node, tag atom.Atom) bool {
	for a := n; a != nil && a != stop; a = a.Parent {
		if a.DataAtom == tag {
			return true
		}
	}
	return false
}

func hasHiddenStyle(n *html.Node) bool {
	style := getAttr(n, "style")
	if style == "" {
		return false
	}
	for _, pat := range hiddenStylePatterns {
		if pat.MatchString(style) {
			return true
		}
	}
	return false
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(getAttr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func getAttr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}

// textContent concatenates rendered descendant text.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			return
		}
		if n.Type == html.ElementNode && nonRendered(n) {
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && isBlock(n) {
			sb.WriteByte(' ')
		}
	}
	walk(n)
	return sb.String()
}

func isBlock(n *html.Node) bool {
	switch n.DataAtom {
	case atom.P, atom.Div, atom.Li, atom.Br, atom.Tr, atom.Td, atom.Th,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Section, atom.Article:
		return true
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func ancestor(n *html.Node, tag atom.Atom) *html.Node {
	for a := n; a != nil; a = a.Parent {
		if a.Type == html.ElementNode && a.DataAtom == tag {
			return a
		}
	}
	return nil
}
