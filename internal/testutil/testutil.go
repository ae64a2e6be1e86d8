// Package testutil provides fake OAuth servers for exercising full
// authorization flows in tests: an authorization server with metadata,
// registration, token, and revocation endpoints, and a protected
// resource serving RFC 9728 metadata that points at it.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
)

// AuthServer is a fake OAuth 2.1 authorization server. All endpoints
// are permissive by default; failure modes are switched on per test.
type AuthServer struct {
	*httptest.Server

	mu sync.Mutex

	// Failure switches. Zero means succeed.
	FailExchangeStatus int
	FailRefreshStatus  int
	FailRevokeStatus   int

	// RotateRefreshToken makes refresh responses carry a new refresh
	// token instead of omitting it.
	RotateRefreshToken bool

	// OmitRegistrationEndpoint drops registration_endpoint from the
	// metadata, making DCR unsupported.
	OmitRegistrationEndpoint bool

	// CodeChallengeMethods overrides the advertised PKCE methods.
	// Nil advertises S256 only.
	CodeChallengeMethods []string

	// TokenExpiresIn is the expires_in for issued tokens. Zero omits
	// the field.
	TokenExpiresIn int64

	// Request records, guarded by mu.
	Registrations int
	Exchanges     int
	Refreshes     int
	Revocations   int
	LastExchange  url.Values
	LastRefresh   url.Values

	tokenSeq int
}

// NewAuthServer starts a fake authorization server. It is shut down
// with the test.
func NewAuthServer(t *testing.T) *AuthServer {
	t.Helper()
	as := &AuthServer{TokenExpiresIn: 3600}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", as.handleMetadata)
	mux.HandleFunc("/register", as.handleRegister)
	mux.HandleFunc("/token", as.handleToken)
	mux.HandleFunc("/revoke", as.handleRevoke)

	as.Server = httptest.NewServer(mux)
	t.Cleanup(as.Close)
	return as
}

// Issuer returns the server's issuer identifier.
func (as *AuthServer) Issuer() string {
	return as.URL
}

func (as *AuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	as.mu.Lock()
	omitReg := as.OmitRegistrationEndpoint
	methods := as.CodeChallengeMethods
	as.mu.Unlock()

	if methods == nil {
		methods = []string{"S256"}
	}
	meta := map[string]any{
		"issuer":                           as.URL,
		"authorization_endpoint":           as.URL + "/authorize",
		"token_endpoint":                   as.URL + "/token",
		"revocation_endpoint":              as.URL + "/revoke",
		"response_types_supported":         []string{"code"},
		"grant_types_supported":            []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported": methods,
	}
	if !omitReg {
		meta["registration_endpoint"] = as.URL + "/register"
	}
	writeJSON(w, http.StatusOK, meta)
}

func (as *AuthServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	as.mu.Lock()
	as.Registrations++
	n := as.Registrations
	as.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]any{
		"client_id":     fmt.Sprintf("test-client-%d", n),
		"client_secret": "test-secret",
	})
}

func (as *AuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		as.Exchanges++
		as.LastExchange = r.PostForm
		if as.FailExchangeStatus != 0 {
			writeJSON(w, as.FailExchangeStatus, map[string]string{"error": "invalid_grant"})
			return
		}
		as.tokenSeq++
		writeJSON(w, http.StatusOK, as.tokenResponse("refresh-token-1"))
	case "refresh_token":
		as.Refreshes++
		as.LastRefresh = r.PostForm
		if as.FailRefreshStatus != 0 {
			writeJSON(w, as.FailRefreshStatus, map[string]string{"error": "invalid_grant"})
			return
		}
		as.tokenSeq++
		refresh := ""
		if as.RotateRefreshToken {
			refresh = fmt.Sprintf("refresh-token-%d", as.tokenSeq)
		}
		writeJSON(w, http.StatusOK, as.tokenResponse(refresh))
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
	}
}

// tokenResponse must be called with mu held.
func (as *AuthServer) tokenResponse(refreshToken string) map[string]any {
	resp := map[string]any{
		"access_token": fmt.Sprintf("access-token-%d", as.tokenSeq),
		"token_type":   "Bearer",
	}
	if refreshToken != "" {
		resp["refresh_token"] = refreshToken
	}
	if as.TokenExpiresIn > 0 {
		resp["expires_in"] = as.TokenExpiresIn
	}
	return resp
}

func (as *AuthServer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	as.mu.Lock()
	as.Revocations++
	fail := as.FailRevokeStatus
	as.mu.Unlock()

	if fail != 0 {
		w.WriteHeader(fail)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// AccessToken returns the most recently issued access token.
func (as *AuthServer) AccessToken() string {
	as.mu.Lock()
	defer as.mu.Unlock()
	return fmt.Sprintf("access-token-%d", as.tokenSeq)
}

// ResourceServer is a fake protected resource serving RFC 9728
// metadata that names the given authorization server.
type ResourceServer struct {
	*httptest.Server
}

// NewResourceServer starts a fake protected resource. scopes become
// its advertised scopes_supported.
func NewResourceServer(t *testing.T, issuer string, scopes []string) *ResourceServer {
	t.Helper()
	rs := &ResourceServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		meta := map[string]any{
			"resource":              rs.URL,
			"authorization_servers": []string{issuer},
		}
		if len(scopes) > 0 {
			meta["scopes_supported"] = scopes
		}
		writeJSON(w, http.StatusOK, meta)
	})

	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
