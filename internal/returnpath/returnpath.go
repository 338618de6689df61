// Package returnpath decides whether a location may be used as the target
// of the redirect that follows a successful login.
package returnpath

import (
	"net/url"
	"strings"
)

const loginPath = "/login"

// IsValid reports whether path is a same-origin relative path that is safe
// to navigate to after login. It never panics.
func IsValid(path string) bool {
	if path == "" || !strings.HasPrefix(path, "/") {
		return false
	}

	// protocol relative URLs leave the origin
	if strings.HasPrefix(path, "//") {
		return false
	}

	if strings.Contains(path, `\`) || strings.Contains(path, "://") {
		return false
	}

	lower := strings.ToLower(path)
	if strings.Contains(lower, "javascript:") || strings.Contains(lower, "data:") {
		return false
	}

	// redirecting back to the login page would loop
	if path == loginPath ||
		strings.HasPrefix(path, loginPath+"?") ||
		strings.HasPrefix(path, loginPath+"#") {
		return false
	}

	return true
}

// FromURL renders the path, query and fragment of u, which is what gets
// captured as the return path when a sign-in starts.
func FromURL(u *url.URL) string {
	if u == nil {
		return ""
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	if u.Fragment != "" {
		path += "#" + u.EscapedFragment()
	}

	return path
}
