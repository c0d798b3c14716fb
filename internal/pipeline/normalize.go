package pipeline

import (
	"net/url"
	"strings"
)

func isDataURI(s string) bool {
	return len(s) >= 5 && strings.EqualFold(s[:5], "data:")
}

// NormalizeURL turns an image reference found in entry HTML into an absolute
// URL. base may be nil. Data URIs and anything that cannot be parsed come
// back unchanged.
func NormalizeURL(raw string, base *url.URL) string {
	s := strings.TrimSpace(raw)
	if s == "" || isDataURI(s) {
		return s
	}

	// Protocol-relative
	if strings.HasPrefix(s, "//") {
		return "https:" + s
	}

	hasBase := base != nil && base.Host != ""

	// Root-relative
	if strings.HasPrefix(s, "/") && hasBase {
		scheme := base.Scheme
		if scheme == "" {
			scheme = "https"
		}
		return scheme + "://" + base.Host + s
	}

	ref, err := url.Parse(s)
	if err != nil {
		return s
	}
	if ref.Scheme == "" && hasBase {
		return base.ResolveReference(ref).String()
	}
	return s
}
