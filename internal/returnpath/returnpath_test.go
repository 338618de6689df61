package returnpath_test

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openkcm/portfolio-site/internal/returnpath"
)

func TestIsValid(t *testing.T) {
	tests := []struct {
		name string
		path string
		want bool
	}{
		{name: "simple path", path: "/work", want: true},
		{name: "nested path with query", path: "/a/b?x=1", want: true},
		{name: "root", path: "/", want: true},
		{name: "path with fragment", path: "/work/case-study#results", want: true},
		{name: "login sub page", path: "/login/help", want: true},
		{name: "empty", path: "", want: false},
		{name: "relative path", path: "work", want: false},
		{name: "absolute url", path: "http://evil.com", want: false},
		{name: "protocol relative", path: "//evil.com", want: false},
		{name: "backslash", path: `/x\y`, want: false},
		{name: "backslash protocol relative", path: `/\evil.com`, want: false},
		{name: "embedded scheme", path: "/redirect?to=https://evil.com", want: false},
		{name: "javascript in query", path: "/page?x=javascript:alert(1)", want: false},
		{name: "javascript mixed case", path: "/page?x=JavaScript:alert(1)", want: false},
		{name: "data uri", path: "/page?x=data:text/html;base64,AAAA", want: false},
		{name: "login", path: "/login", want: false},
		{name: "login with query", path: "/login?next=/work", want: false},
		{name: "login with fragment", path: "/login#top", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, returnpath.IsValid(tt.path))
		})
	}
}

func TestIsValid_RejectsEverythingWithoutLeadingSlash(t *testing.T) {
	for _, path := range []string{"a", " /work", "?x=1", "#frag", "work/", "mailto:me@example.com"} {
		assert.Falsef(t, returnpath.IsValid(path), "%q must be rejected", path)
	}
}

func TestFromURL(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "path only", raw: "https://example.com/work", want: "/work"},
		{name: "path with query and fragment", raw: "https://example.com/a/b?x=1#top", want: "/a/b?x=1#top"},
		{name: "no path", raw: "https://example.com", want: "/"},
		{name: "no path with query", raw: "https://example.com?x=1", want: "/?x=1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)

			assert.Equal(t, tt.want, returnpath.FromURL(u))
		})
	}

	assert.Empty(t, returnpath.FromURL(nil))
}
