// Package diagnose captures a readable snapshot of the page a scenario
// failed on: the live HTML is sanitised, converted to markdown and
// truncated so it fits in an outcome record.
package diagnose

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/storeprobe/driver"
)

const truncatedMarker = "\n\n[truncated]"

// Config configures a Diagnoser.
type Config struct {
	// MaxChars bounds the snapshot length in runes. Default: 4000.
	MaxChars int
	Logger   *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxChars <= 0 {
		c.MaxChars = 4000
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Diagnoser turns a page into a markdown snapshot.
type Diagnoser struct {
	cfg    Config
	policy *bluemonday.Policy
	conv   *converter.Converter
}

// New creates a Diagnoser.
func New(cfg Config) *Diagnoser {
	cfg.defaults()
	return &Diagnoser{
		cfg:    cfg,
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Diagnose returns the snapshot of page.
func (d *Diagnoser) Diagnose(ctx context.Context, page driver.Page) (string, error) {
	raw, err := page.HTML(ctx)
	if err != nil {
		return "", fmt.Errorf("diagnose: html: %w", err)
	}
	md, err := d.Markdown(raw, page.URL())
	if err != nil {
		return "", err
	}
	header := "URL: " + page.URL()
	if md == "" {
		return header + "\n\n(empty page)", nil
	}
	return truncate(header+"\n\n"+md, d.cfg.MaxChars), nil
}

// Markdown sanitises raw HTML and converts it to markdown.
func (d *Diagnoser) Markdown(raw, pageURL string) (string, error) {
	clean := d.policy.Sanitize(raw)
	md, err := d.conv.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		return "", fmt.Errorf("diagnose: markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// truncate cuts s to at most max runes, preferring a line boundary.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	limit := max - utf8.RuneCountInString(truncatedMarker)
	if limit < 0 {
		limit = 0
	}
	runes := []rune(s)[:limit]
	cut := string(runes)
	if i := strings.LastIndexByte(cut, '\n'); i > len(cut)/2 {
		cut = cut[:i]
	}
	return cut + truncatedMarker
}
