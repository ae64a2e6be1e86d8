// Package util provides small shared helpers for the mcp-oauth-client
// library: safe string truncation for logging and URL normalization for
// resource/issuer comparison.
package util

import "strings"

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging sensitive values like tokens, where only a short
// prefix should ever appear in log output.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// RedactToken returns a loggable form of a token value: the first eight
// characters followed by an ellipsis. Empty input stays empty.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	return SafeTruncate(token, 8) + "..."
}

// NormalizeURL normalizes a URL for comparison by removing trailing
// slashes. Issuer identifiers and RFC 8707 resource URIs with and
// without a trailing slash are considered equivalent.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
