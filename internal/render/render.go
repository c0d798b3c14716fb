// Package render turns offline bundles into text for the terminal.
package render

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/PuerkitoBio/goquery"
	"github.com/charmbracelet/glamour"
)

const (
	minWrap = 20
	maxWrap = 120
)

// Markdown converts a bundle's HTML document to Markdown. Navigation links
// are dropped; relative image paths stay relative to the bundle directory.
func Markdown(doc []byte) (string, error) {
	d, err := goquery.NewDocumentFromReader(bytes.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("parsing document: %w", err)
	}
	d.Find("nav, script, style").Remove()
	body, err := d.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("extracting body: %w", err)
	}
	md, err := htmltomarkdown.ConvertString(body)
	if err != nil {
		return "", fmt.Errorf("converting to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// MarkdownWithDomain is Markdown for remote fragments: relative links are
// resolved against domain.
func MarkdownWithDomain(fragment, domain string) (string, error) {
	md, err := htmltomarkdown.ConvertString(fragment, converter.WithDomain(domain))
	if err != nil {
		return "", fmt.Errorf("converting to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

// WrapWidth picks a readable word-wrap width for a terminal of the given
// width: 90% of it, clamped to [40, 120], shrinking further on tiny screens.
func WrapWidth(termWidth int) int {
	w := (termWidth * 9) / 10
	if w > maxWrap {
		w = maxWrap
	}
	if w < 40 {
		w = 40
	}
	if termWidth < 50 {
		w = termWidth - 4
		if w < minWrap {
			w = minWrap
		}
	}
	return w
}

// Terminal renders Markdown with glamour. Renderers are cached per width.
type Terminal struct {
	style string

	mu        sync.Mutex
	renderer  *glamour.TermRenderer
	wrapWidth int
}

// NewTerminal returns a renderer using the named glamour style; an empty
// style picks one from the terminal background.
func NewTerminal(style string) *Terminal {
	return &Terminal{style: style}
}

func (t *Terminal) get(width int) (*glamour.TermRenderer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.renderer != nil && t.wrapWidth == width {
		return t.renderer, nil
	}
	styleOpt := glamour.WithAutoStyle()
	if t.style != "" {
		styleOpt = glamour.WithStandardStyle(t.style)
	}
	r, err := glamour.NewTermRenderer(styleOpt, glamour.WithWordWrap(width))
	if err != nil {
		return nil, err
	}
	t.renderer = r
	t.wrapWidth = width
	return r, nil
}

// Render renders md wrapped at width columns.
func (t *Terminal) Render(md string, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	r, err := t.get(width)
	if err != nil {
		return "", fmt.Errorf("creating renderer: %w", err)
	}
	return r.Render(md)
}
