package pipeline

import (
	"net/url"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	base, _ := url.Parse("https://blog.example.org/posts/2025/entry.html")

	tests := []struct {
		name     string
		input    string
		base     *url.URL
		expected string
	}{
		{
			name:     "protocol relative",
			input:    "//cdn.example.org/a.png",
			base:     base,
			expected: "https://cdn.example.org/a.png",
		},
		{
			name:     "protocol relative without base",
			input:    "//cdn.example.org/a.png",
			expected: "https://cdn.example.org/a.png",
		},
		{
			name:     "root relative",
			input:    "/img/a.png",
			base:     base,
			expected: "https://blog.example.org/img/a.png",
		},
		{
			name:     "root relative without base",
			input:    "/img/a.png",
			expected: "/img/a.png",
		},
		{
			name:     "document relative",
			input:    "images/a.png",
			base:     base,
			expected: "https://blog.example.org/posts/2025/images/a.png",
		},
		{
			name:     "parent relative",
			input:    "../../img/a.png",
			base:     base,
			expected: "https://blog.example.org/img/a.png",
		},
		{
			name:     "absolute untouched",
			input:    "http://other.example.net/x.gif",
			base:     base,
			expected: "http://other.example.net/x.gif",
		},
		{
			name:     "data uri untouched",
			input:    "data:image/png;base64,iVBORw0KGgo=",
			base:     base,
			expected: "data:image/png;base64,iVBORw0KGgo=",
		},
		{
			name:     "uppercase data uri untouched",
			input:    "DATA:image/gif;base64,R0lGOD",
			base:     base,
			expected: "DATA:image/gif;base64,R0lGOD",
		},
		{
			name:     "relative without base",
			input:    "a.png",
			expected: "a.png",
		},
		{
			name:     "whitespace trimmed",
			input:    "  /img/a.png\n",
			base:     base,
			expected: "https://blog.example.org/img/a.png",
		},
		{
			name:     "malformed returned as is",
			input:    "%zz",
			base:     base,
			expected: "%zz",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeURL(tt.input, tt.base)
			if got != tt.expected {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}
