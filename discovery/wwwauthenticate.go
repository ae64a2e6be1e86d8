package discovery

import (
	"regexp"
	"strings"
)

// Challenge holds the parameters of a WWW-Authenticate header value
// (RFC 6750 with the RFC 9728 resource_metadata extension).
type Challenge struct {
	Scheme              string
	Realm               string
	Scope               string
	Error               string
	ErrorDescription    string
	ResourceMetadataURL string
}

var challengeParamRegex = regexp.MustCompile(`(\w+)="([^"]*)"`)

// ParseWWWAuthenticate parses a WWW-Authenticate header value.
// It returns nil for an empty header.
//
// Example header:
//
//	Bearer realm="https://auth.example.com",
//	       scope="openid profile",
//	       resource_metadata="https://api.example.com/.well-known/oauth-protected-resource"
func ParseWWWAuthenticate(header string) *Challenge {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	ch := &Challenge{}

	parts := strings.SplitN(header, " ", 2)
	ch.Scheme = strings.TrimSpace(parts[0])
	if len(parts) == 1 {
		return ch
	}

	for _, match := range challengeParamRegex.FindAllStringSubmatch(parts[1], -1) {
		key := strings.ToLower(match[1])
		value := match[2]

		switch key {
		case "realm":
			ch.Realm = value
		case "scope":
			ch.Scope = value
		case "error":
			ch.Error = value
		case "error_description":
			ch.ErrorDescription = value
		case "resource_metadata":
			ch.ResourceMetadataURL = value
		}
	}

	return ch
}

// IsOAuthChallenge reports whether the challenge is a Bearer challenge
// carrying enough information to start an OAuth flow.
func (ch *Challenge) IsOAuthChallenge() bool {
	if ch == nil {
		return false
	}
	if !strings.EqualFold(ch.Scheme, "Bearer") {
		return false
	}
	return ch.Realm != "" || ch.ResourceMetadataURL != "" || ch.Scope != "" || ch.Error != ""
}
