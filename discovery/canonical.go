package discovery

import (
	"fmt"
	"net/url"
	"strings"
)

// CanonicalResourceURI normalizes a resource URL into the canonical
// identifier used as the RFC 8707 resource parameter and as a cache
// key: lowercase scheme and host, default ports dropped, no query or
// fragment, no trailing slash.
func CanonicalResourceURI(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid resource URL %q: %w", rawURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("resource URL %q must be absolute", rawURL)
	}

	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)

	// Drop the default port for the scheme.
	if h, p, ok := strings.Cut(host, ":"); ok {
		if (scheme == "https" && p == "443") || (scheme == "http" && p == "80") {
			host = h
		}
	}

	path := strings.TrimSuffix(u.Path, "/")
	return scheme + "://" + host + path, nil
}
