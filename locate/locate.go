// Package locate turns locator descriptors into live element handles.
//
// A Locator is an immutable description: strategy, expression and ordinal.
// It is never a cached handle; every Resolve re-queries the live target, so
// a locator used after a navigation resolves against the new document.
//
// Text form:
//
//	xpath=html/body/div/form/button
//	css=#login button[type=submit] >> nth=1
//	text=Subtotal
//
// A bare expression starting with "/" or "(" is XPath, anything else CSS.
package locate

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hazyhaar/storeprobe/driver"
)

// ErrNotFound means the locator matched nothing, or fewer elements than its ordinal.
var ErrNotFound = errors.New("locate: element not found")

const nthSep = " >> nth="

// Locator describes how to find one element.
type Locator struct {
	Strategy driver.Strategy
	Expr     string
	// Nth selects among matches, 0-based. Negative counts from the end.
	Nth int
}

// XPath returns an xpath locator.
func XPath(expr string) Locator { return Locator{Strategy: driver.XPath, Expr: expr} }

// CSS returns a css locator.
func CSS(expr string) Locator { return Locator{Strategy: driver.CSS, Expr: expr} }

// Text returns a locator matching elements whose own text contains s,
// case-insensitively.
func Text(s string) Locator { return Locator{Strategy: driver.Text, Expr: s} }

// At returns a copy selecting the n-th match.
func (l Locator) At(n int) Locator {
	l.Nth = n
	return l
}

// First is At(0).
func (l Locator) First() Locator { return l.At(0) }

// Last is At(-1).
func (l Locator) Last() Locator { return l.At(-1) }

// Query returns the driver query for the locator.
func (l Locator) Query() driver.Query {
	return driver.Query{Strategy: l.Strategy, Expr: l.Expr}
}

func (l Locator) String() string {
	s := string(l.Strategy) + "=" + l.Expr
	if l.Nth != 0 {
		s += nthSep + strconv.Itoa(l.Nth)
	}
	return s
}

// IsZero reports whether the locator is unset.
func (l Locator) IsZero() bool { return l.Expr == "" }

// Parse parses the text form.
func Parse(s string) (Locator, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Locator{}, fmt.Errorf("locate: empty locator")
	}

	var l Locator
	if i := strings.LastIndex(s, nthSep); i >= 0 {
		n, err := strconv.Atoi(strings.TrimSpace(s[i+len(nthSep):]))
		if err != nil {
			return Locator{}, fmt.Errorf("locate: bad ordinal in %q: %w", s, err)
		}
		l.Nth = n
		s = strings.TrimSpace(s[:i])
	}

	switch {
	case strings.HasPrefix(s, "xpath="):
		l.Strategy, l.Expr = driver.XPath, s[len("xpath="):]
	case strings.HasPrefix(s, "css="):
		l.Strategy, l.Expr = driver.CSS, s[len("css="):]
	case strings.HasPrefix(s, "text="):
		l.Strategy, l.Expr = driver.Text, unquote(s[len("text="):])
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "("):
		l.Strategy, l.Expr = driver.XPath, s
	default:
		l.Strategy, l.Expr = driver.CSS, s
	}
	if strings.TrimSpace(l.Expr) == "" {
		return Locator{}, fmt.Errorf("locate: empty %s expression", l.Strategy)
	}
	return l, nil
}

// MustParse is Parse that panics on error. For static locators.
func MustParse(s string) Locator {
	l, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return l
}

// UnmarshalText implements encoding.TextUnmarshaler (used by yaml and json).
func (l *Locator) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (l Locator) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func unquote(s string) string {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1]
	}
	return s
}

// NotFoundError reports how many elements matched.
type NotFoundError struct {
	Locator Locator
	Target  string
	Matches int
}

func (e *NotFoundError) Error() string {
	if e.Matches == 0 {
		return fmt.Sprintf("locate: %s: no match in %s", e.Locator, e.Target)
	}
	return fmt.Sprintf("locate: %s: ordinal out of range (%d matches) in %s", e.Locator, e.Matches, e.Target)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// Resolve queries t afresh and returns the element selected by l.Nth.
func Resolve(ctx context.Context, t driver.Target, l Locator) (driver.Element, error) {
	els, err := t.Query(ctx, l.Query())
	if err != nil {
		return nil, fmt.Errorf("locate: %s: %w", l, err)
	}
	i := l.Nth
	if i < 0 {
		i += len(els)
	}
	if i < 0 || i >= len(els) {
		return nil, &NotFoundError{Locator: l, Target: t.Name(), Matches: len(els)}
	}
	return els[i], nil
}

// Count returns the number of current matches.
func Count(ctx context.Context, t driver.Target, l Locator) (int, error) {
	els, err := t.Query(ctx, l.Query())
	if err != nil {
		return 0, fmt.Errorf("locate: %s: %w", l, err)
	}
	return len(els), nil
}
