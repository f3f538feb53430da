package safeurl

import (
	"net/url"
	"path"
	"strings"
)

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Used to reject file://, ftp://, and other schemes that could lead to SSRF or local file access.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	s := strings.ToLower(parsed.Scheme)
	return s == "http" || s == "https"
}

// CleanRelative validates a player-supplied path that will be appended to an
// upstream host. It returns the path without a leading slash, or false when
// the path could escape the host: a scheme or authority, "..", backslashes,
// or an empty result.
func CleanRelative(p string) (string, bool) {
	if p == "" || strings.ContainsAny(p, "\\\x00") || strings.Contains(p, "://") || strings.HasPrefix(p, "//") {
		return "", false
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", false
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+p), "/")
	if clean == "" || clean == "." {
		return "", false
	}
	return clean, true
}

// Join appends a CleanRelative path to base (scheme and host, optional path prefix).
func Join(base, rel string) (string, bool) {
	clean, ok := CleanRelative(rel)
	if !ok || !IsHTTPOrHTTPS(base) {
		return "", false
	}
	return strings.TrimSuffix(base, "/") + "/" + clean, true
}
