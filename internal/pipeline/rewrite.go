package pipeline

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Elements that need the network to work and never survive into a bundle.
const networkActiveSelector = "iframe, script, form"

// RewriteHTML produces the offline body of an entry. With includeImages every
// <img> either points at a downloaded local file or is removed; without it
// every <img> is removed. If the markup cannot be processed the original is
// returned unchanged.
func RewriteHTML(rawHTML string, d *Discovery, base *url.URL, includeImages bool) string {
	doc, err := parseMarkup(rawHTML)
	if err != nil {
		return rawHTML
	}

	doc.Find(networkActiveSelector).Remove()
	doc.Find("picture source").Remove()

	doc.Find("img").Each(func(_ int, s *goquery.Selection) {
		if !includeImages {
			s.Remove()
			return
		}

		src, _ := s.Attr("src")
		src = strings.TrimSpace(src)
		if isDataURI(src) {
			s.RemoveAttr("srcset")
			return
		}

		ref, ok := d.Lookup(NormalizeURL(src, base))
		if src == "" || !ok || ref.Outcome != OutcomeSuccess {
			s.Remove()
			return
		}
		localizeImage(s, ref)
	})

	body, err := doc.Find("body").Html()
	if err != nil {
		return rawHTML
	}
	return strings.TrimSpace(body)
}

// localizeImage points an <img> node at its downloaded file. Only alt and the
// declared dimensions survive; the node is edited in place so images inside
// <noscript> stay elements.
func localizeImage(s *goquery.Selection, ref *ImageRef) {
	attrs := []html.Attribute{{Key: "src", Val: ref.Filename}}
	if alt, ok := s.Attr("alt"); ok && alt != "" {
		attrs = append(attrs, html.Attribute{Key: "alt", Val: alt})
	}
	var style []string
	if ref.Width > 0 {
		attrs = append(attrs, html.Attribute{Key: "width", Val: strconv.Itoa(ref.Width)})
		style = append(style, fmt.Sprintf("width: %dpx", ref.Width))
	}
	if ref.Height > 0 {
		attrs = append(attrs, html.Attribute{Key: "height", Val: strconv.Itoa(ref.Height)})
		style = append(style, fmt.Sprintf("height: %dpx", ref.Height))
	}
	if len(style) > 0 {
		attrs = append(attrs, html.Attribute{Key: "style", Val: strings.Join(style, "; ") + ";"})
	}
	for _, n := range s.Nodes {
		n.Attr = attrs
	}
}
