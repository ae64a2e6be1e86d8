package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Fatalf("encoding response: %v", err)
	}
}

func TestProtectedResourcePathInserted(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		if r.URL.Path != "/.well-known/oauth-protected-resource/mcp" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, &ProtectedResourceMetadata{
			Resource:             "https://api.example.com/mcp",
			AuthorizationServers: []string{"https://auth.example.com"},
		})
	}))
	defer srv.Close()

	c := NewClient()
	meta, err := c.ProtectedResource(context.Background(), srv.URL+"/mcp", "")
	if err != nil {
		t.Fatalf("ProtectedResource() error = %v", err)
	}
	if meta.Resource != "https://api.example.com/mcp" {
		t.Errorf("Resource = %q, want %q", meta.Resource, "https://api.example.com/mcp")
	}
	if len(requested) != 1 || requested[0] != "/.well-known/oauth-protected-resource/mcp" {
		t.Errorf("requested paths = %v, want only the path-inserted well-known URL", requested)
	}
}

func TestProtectedResourceRootFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-protected-resource" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, &ProtectedResourceMetadata{
			Resource:             "https://api.example.com",
			AuthorizationServers: []string{"https://auth.example.com"},
		})
	}))
	defer srv.Close()

	c := NewClient()
	meta, err := c.ProtectedResource(context.Background(), srv.URL+"/some/deep/path", "")
	if err != nil {
		t.Fatalf("ProtectedResource() error = %v", err)
	}
	if len(meta.AuthorizationServers) != 1 {
		t.Errorf("AuthorizationServers = %v, want one entry", meta.AuthorizationServers)
	}
}

func TestProtectedResourceOverrideURLOnly(t *testing.T) {
	var requested []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		if r.URL.Path != "/custom/metadata" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, &ProtectedResourceMetadata{
			Resource:             "https://api.example.com",
			AuthorizationServers: []string{"https://auth.example.com"},
		})
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.ProtectedResource(context.Background(), srv.URL, srv.URL+"/custom/metadata")
	if err != nil {
		t.Fatalf("ProtectedResource() error = %v", err)
	}
	if len(requested) != 1 || requested[0] != "/custom/metadata" {
		t.Errorf("requested paths = %v, want only the override URL", requested)
	}
}

func TestProtectedResourceInvalidMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &ProtectedResourceMetadata{Resource: "https://api.example.com"})
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.ProtectedResource(context.Background(), srv.URL, "")
	if !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("ProtectedResource() error = %v, want ErrInvalidMetadata", err)
	}
}

func TestProtectedResourceDiscoveryFailed(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := NewClient()
	_, err := c.ProtectedResource(context.Background(), srv.URL, "")
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Errorf("ProtectedResource() error = %v, want ErrDiscoveryFailed", err)
	}
}

func TestProtectedResourceCache(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(t, w, &ProtectedResourceMetadata{
			Resource:             "https://api.example.com",
			AuthorizationServers: []string{"https://auth.example.com"},
		})
	}))
	defer srv.Close()

	c := NewClient()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := c.ProtectedResource(ctx, srv.URL, ""); err != nil {
			t.Fatalf("ProtectedResource() call %d error = %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (cached after first fetch)", got)
	}

	c.ClearCache()
	if _, err := c.ProtectedResource(ctx, srv.URL, ""); err != nil {
		t.Fatalf("ProtectedResource() after ClearCache error = %v", err)
	}
	if got := hits.Load(); got != 2 {
		t.Errorf("server hits after ClearCache = %d, want 2", got)
	}
}

func TestAuthServerRootWellKnown(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/oauth-authorization-server" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, &AuthServerMetadata{
			Issuer:                srvURL,
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
			RegistrationEndpoint:  srvURL + "/register",
		})
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient()
	meta, err := c.AuthServer(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("AuthServer() error = %v", err)
	}
	if meta.TokenEndpoint != srv.URL+"/token" {
		t.Errorf("TokenEndpoint = %q, want %q", meta.TokenEndpoint, srv.URL+"/token")
	}
	if !meta.SupportsDCR() {
		t.Error("SupportsDCR() = false, want true")
	}
}

func TestAuthServerOIDCFallback(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, &AuthServerMetadata{
			Issuer:                srvURL,
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
		})
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient()
	meta, err := c.AuthServer(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("AuthServer() error = %v", err)
	}
	if meta.Issuer != srv.URL {
		t.Errorf("Issuer = %q, want %q", meta.Issuer, srv.URL)
	}
}

func TestAuthServerPathIssuerCandidateOrder(t *testing.T) {
	var requested []string
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = append(requested, r.URL.Path)
		if r.URL.Path != "/tenant/.well-known/openid-configuration" {
			http.NotFound(w, r)
			return
		}
		writeJSON(t, w, &AuthServerMetadata{
			Issuer:                srvURL + "/tenant",
			AuthorizationEndpoint: srvURL + "/tenant/authorize",
			TokenEndpoint:         srvURL + "/tenant/token",
		})
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient()
	if _, err := c.AuthServer(context.Background(), srv.URL+"/tenant"); err != nil {
		t.Fatalf("AuthServer() error = %v", err)
	}

	want := []string{
		"/.well-known/oauth-authorization-server/tenant",
		"/.well-known/openid-configuration/tenant",
		"/tenant/.well-known/openid-configuration",
	}
	if len(requested) != len(want) {
		t.Fatalf("requested paths = %v, want %v", requested, want)
	}
	for i := range want {
		if requested[i] != want[i] {
			t.Errorf("request %d = %q, want %q", i, requested[i], want[i])
		}
	}
}

func TestAuthServerIssuerMismatchFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &AuthServerMetadata{
			Issuer:                "https://auth.example.com/tenantA",
			AuthorizationEndpoint: "https://auth.example.com/tenantA/authorize",
			TokenEndpoint:         "https://auth.example.com/tenantA/token",
		})
	}))
	defer srv.Close()

	c := NewClient()
	meta, err := c.AuthServer(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("AuthServer() error = %v, want mismatched metadata accepted", err)
	}
	if meta.Issuer != "https://auth.example.com/tenantA" {
		t.Errorf("Issuer = %q, want the mismatched document's issuer", meta.Issuer)
	}
}

func TestAuthServerStrictIssuerRejectsMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &AuthServerMetadata{
			Issuer:                "https://somewhere-else.example.com",
			AuthorizationEndpoint: "https://somewhere-else.example.com/authorize",
			TokenEndpoint:         "https://somewhere-else.example.com/token",
		})
	}))
	defer srv.Close()

	c := NewClient(WithStrictIssuer(true))
	_, err := c.AuthServer(context.Background(), srv.URL)
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Errorf("AuthServer() error = %v, want ErrDiscoveryFailed under strict issuer validation", err)
	}
}

func TestAuthServerTrailingSlashNormalization(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &AuthServerMetadata{
			// Trailing slash should still count as an exact match.
			Issuer:                srvURL + "/",
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
		})
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient(WithStrictIssuer(true))
	if _, err := c.AuthServer(context.Background(), srv.URL); err != nil {
		t.Errorf("AuthServer() error = %v, want trailing slash tolerated", err)
	}
}

func TestAuthServerIncompleteMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, &AuthServerMetadata{Issuer: "https://auth.example.com"})
	}))
	defer srv.Close()

	c := NewClient()
	_, err := c.AuthServer(context.Background(), srv.URL)
	if !errors.Is(err, ErrDiscoveryFailed) {
		t.Errorf("AuthServer() error = %v, want ErrDiscoveryFailed", err)
	}
	if !errors.Is(err, ErrInvalidMetadata) {
		t.Errorf("AuthServer() error = %v, want wrapped ErrInvalidMetadata detail", err)
	}
}

func TestAuthServerCache(t *testing.T) {
	var hits atomic.Int64
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeJSON(t, w, &AuthServerMetadata{
			Issuer:                srvURL,
			AuthorizationEndpoint: srvURL + "/authorize",
			TokenEndpoint:         srvURL + "/token",
		})
	}))
	defer srv.Close()
	srvURL = srv.URL

	c := NewClient()
	ctx := context.Background()
	if _, err := c.AuthServer(ctx, srv.URL); err != nil {
		t.Fatalf("AuthServer() error = %v", err)
	}
	if _, err := c.AuthServer(ctx, srv.URL+"/"); err != nil {
		t.Fatalf("AuthServer() with trailing slash error = %v", err)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hits = %d, want 1 (cache keyed by normalized issuer)", got)
	}
}

func TestSupportsPKCE(t *testing.T) {
	tests := []struct {
		name    string
		methods []string
		want    bool
	}{
		{"s256", []string{"S256"}, true},
		{"plain only", []string{"plain"}, true},
		{"both", []string{"plain", "S256"}, true},
		{"unknown", []string{"S512"}, false},
		{"none advertised", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &AuthServerMetadata{CodeChallengeMethodsSupported: tt.methods}
			if got := m.SupportsPKCE(); got != tt.want {
				t.Errorf("SupportsPKCE() = %v, want %v", got, tt.want)
			}
		})
	}
}
