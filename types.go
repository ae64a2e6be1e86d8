package oauthclient

import (
	"time"

	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-client/discovery"
)

// AuthFlowOptions tune a single flow initiation.
type AuthFlowOptions struct {
	// ResourceMetadataURL overrides well-known URL construction for the
	// protected resource metadata, typically taken from a
	// WWW-Authenticate challenge.
	ResourceMetadataURL string

	// Scopes are explicitly requested scopes. They win over everything
	// else.
	Scopes []string

	// ChallengedScopes are scopes demanded by a WWW-Authenticate
	// challenge. They win over configured defaults but lose to explicit
	// Scopes.
	ChallengedScopes []string
}

// scopesOrDefault resolves the scopes for a flow: explicit request
// scopes, then challenge-derived scopes, then configured defaults, then
// whatever the protected resource advertises.
func (o *AuthFlowOptions) scopesOrDefault(configured []string, prm *discovery.ProtectedResourceMetadata) []string {
	switch {
	case len(o.Scopes) > 0:
		return o.Scopes
	case len(o.ChallengedScopes) > 0:
		return o.ChallengedScopes
	case len(configured) > 0:
		return configured
	case prm != nil && len(prm.ScopesSupported) > 0:
		return prm.ScopesSupported
	default:
		return nil
	}
}

// AuthFlowResult is a started authorization flow. The application
// sends the user to AuthorizationURL and completes the flow by passing
// the callback's code and state to HandleAuthCallback.
type AuthFlowResult struct {
	AuthorizationURL string
	State            string
	FlowID           string
	ResourceURI      string
	Issuer           string
}

// CallbackResult is a completed authorization flow.
type CallbackResult struct {
	ResourceURI string
	Issuer      string
	FlowID      string
	Token       *oauth2.Token
}

// OAuthStatus is the authorization state for one protected resource.
// AuthorizationRequired true with an empty Error is the normal
// "user has not authorized yet" outcome.
type OAuthStatus struct {
	ResourceURI           string
	Issuer                string
	HasValidToken         bool
	HasRefreshToken       bool
	AuthorizationRequired bool
	Scope                 string
	ExpiresAt             time.Time
	Error                 string
}
