package pipeline

import (
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Outcome is the download state of one image.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

const defaultImageExt = "jpg"

var acceptedImageExts = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
	"svg":  true,
}

// ImageRef is one distinct image referenced by an entry. Several <img> tags
// pointing at the same normalized URL share a single ImageRef.
type ImageRef struct {
	SourceURL string
	Filename  string
	Width     int
	Height    int
	Outcome   Outcome
}

// Discovery is the result of scanning entry HTML for images.
type Discovery struct {
	Refs  []*ImageRef
	ByURL map[string]*ImageRef
}

func (d *Discovery) Lookup(normalized string) (*ImageRef, bool) {
	if d == nil {
		return nil, false
	}
	ref, ok := d.ByURL[normalized]
	return ref, ok
}

// Downloaded counts refs whose download succeeded.
func (d *Discovery) Downloaded() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, ref := range d.Refs {
		if ref.Outcome == OutcomeSuccess {
			n++
		}
	}
	return n
}

// DiscoverImages collects the images of rawHTML in first-seen order. It never
// modifies the markup; unparsable markup yields an empty result.
func DiscoverImages(rawHTML string, base *url.URL) *Discovery {
	d := &Discovery{ByURL: make(map[string]*ImageRef)}

	doc, err := parseMarkup(rawHTML)
	if err != nil {
		return d
	}

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if src == "" || isDataURI(src) {
			return
		}
		normalized := NormalizeURL(src, base)
		if _, seen := d.ByURL[normalized]; seen {
			return
		}
		ref := &ImageRef{
			SourceURL: normalized,
			Filename:  fmt.Sprintf("image_%03d.%s", len(d.Refs)+1, imageExtension(normalized)),
			Width:     dimension(s, "width"),
			Height:    dimension(s, "height"),
			Outcome:   OutcomePending,
		}
		d.Refs = append(d.Refs, ref)
		d.ByURL[normalized] = ref
	})

	return d
}

// parseMarkup parses with scripting disabled so the content of <noscript>
// becomes elements instead of raw text and its images are seen by both passes.
func parseMarkup(rawHTML string) (*goquery.Document, error) {
	root, err := html.ParseWithOptions(strings.NewReader(rawHTML), html.ParseOptionEnableScripting(false))
	if err != nil {
		return nil, err
	}
	return goquery.NewDocumentFromNode(root), nil
}

func imageExtension(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	} else if idx := strings.IndexAny(p, "?#"); idx >= 0 {
		p = p[:idx]
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if acceptedImageExts[ext] {
		return ext
	}
	return defaultImageExt
}

func dimension(s *goquery.Selection, attr string) int {
	v, ok := s.Attr(attr)
	if !ok {
		return 0
	}
	v = strings.TrimSuffix(strings.TrimSpace(strings.ToLower(v)), "px")
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n <= 0 {
		return 0
	}
	return n
}
