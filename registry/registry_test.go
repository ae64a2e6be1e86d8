package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-client/discovery"
	"github.com/giantswarm/mcp-oauth-client/security"
	"github.com/giantswarm/mcp-oauth-client/storage"
	"github.com/giantswarm/mcp-oauth-client/storage/memory"
)

const (
	testIssuer   = "https://auth.example.com"
	testResource = "https://api.example.com/mcp"
	testRedirect = "https://app.example.com/oauth/callback"
)

func metadataWithDCR(endpoint string) *discovery.AuthServerMetadata {
	return &discovery.AuthServerMetadata{
		Issuer:                testIssuer,
		AuthorizationEndpoint: testIssuer + "/authorize",
		TokenEndpoint:         testIssuer + "/token",
		RegistrationEndpoint:  endpoint,
	}
}

func newDCRServer(t *testing.T, hits *atomic.Int64, resp registrationResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.Method != http.MethodPost {
			t.Errorf("registration request method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}
		var req registrationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding registration request: %v", err)
		}
		if len(req.RedirectURIs) != 1 || req.RedirectURIs[0] != testRedirect {
			t.Errorf("redirect_uris = %v, want [%s]", req.RedirectURIs, testRedirect)
		}
		if req.TokenEndpointAuthMethod != "client_secret_basic" {
			t.Errorf("token_endpoint_auth_method = %q, want client_secret_basic", req.TokenEndpointAuthMethod)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestRegisterAndGet(t *testing.T) {
	srv := newDCRServer(t, nil, registrationResponse{
		ClientID:     "client-123",
		ClientSecret: "secret-456",
	})
	defer srv.Close()

	reg := New(memory.New())
	ctx := context.Background()

	rec, err := reg.Register(ctx, metadataWithDCR(srv.URL), testResource, testRedirect, "test-app", []string{"mcp:tools"})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if rec.ClientID != "client-123" {
		t.Errorf("ClientID = %q, want client-123", rec.ClientID)
	}
	if rec.ClientSecret != "secret-456" {
		t.Errorf("ClientSecret = %q, want secret-456", rec.ClientSecret)
	}

	got, err := reg.Get(ctx, testIssuer, testResource, testRedirect)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.ClientID != "client-123" {
		t.Errorf("Get() = %+v, want the registered client", got)
	}
}

func TestRegisterShortCircuitsOnCachedClient(t *testing.T) {
	var hits atomic.Int64
	srv := newDCRServer(t, &hits, registrationResponse{ClientID: "client-123"})
	defer srv.Close()

	reg := New(memory.New())
	ctx := context.Background()
	meta := metadataWithDCR(srv.URL)

	for i := 0; i < 3; i++ {
		if _, err := reg.Register(ctx, meta, testResource, testRedirect, "test-app", nil); err != nil {
			t.Fatalf("Register() call %d error = %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("registration endpoint hits = %d, want 1", got)
	}
}

func TestRegisterDCRUnsupported(t *testing.T) {
	reg := New(memory.New())
	meta := metadataWithDCR("")

	_, err := reg.Register(context.Background(), meta, testResource, testRedirect, "test-app", nil)
	if !errors.Is(err, ErrDCRUnsupported) {
		t.Errorf("Register() error = %v, want ErrDCRUnsupported", err)
	}
}

func TestRegisterMissingClientID(t *testing.T) {
	srv := newDCRServer(t, nil, registrationResponse{ClientSecret: "secret-only"})
	defer srv.Close()

	reg := New(memory.New())
	ctx := context.Background()

	_, err := reg.Register(ctx, metadataWithDCR(srv.URL), testResource, testRedirect, "test-app", nil)
	if !errors.Is(err, ErrInvalidRegistrationResponse) {
		t.Fatalf("Register() error = %v, want ErrInvalidRegistrationResponse", err)
	}

	// Nothing may be cached after a rejected response.
	got, err := reg.Get(ctx, testIssuer, testResource, testRedirect)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() after failed registration = %+v, want nil", got)
	}
}

func TestRegisterSurfacesServerErrorDescription(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(registrationResponse{
			Error:            "invalid_redirect_uri",
			ErrorDescription: "redirect URI not allowed",
		})
	}))
	defer srv.Close()

	reg := New(memory.New())
	_, err := reg.Register(context.Background(), metadataWithDCR(srv.URL), testResource, testRedirect, "test-app", nil)
	if !errors.Is(err, ErrRegistrationFailed) {
		t.Fatalf("Register() error = %v, want ErrRegistrationFailed", err)
	}
	if !strings.Contains(err.Error(), "redirect URI not allowed") {
		t.Errorf("error %q does not surface the server's error_description", err)
	}
}

func TestRegisterAccepts200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(registrationResponse{ClientID: "client-200"})
	}))
	defer srv.Close()

	reg := New(memory.New())
	rec, err := reg.Register(context.Background(), metadataWithDCR(srv.URL), testResource, testRedirect, "test-app", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if rec.ClientID != "client-200" {
		t.Errorf("ClientID = %q, want client-200", rec.ClientID)
	}
}

func TestGetFallbackByIssuerAndResource(t *testing.T) {
	reg := New(memory.New())
	ctx := context.Background()

	err := reg.Store(ctx, &storage.ClientRecord{
		Issuer:       testIssuer,
		ResourceURI:  testResource,
		RedirectURI:  "https://old-app.example.com/callback",
		ClientID:     "legacy-client",
		RegisteredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := reg.Get(ctx, testIssuer, testResource, testRedirect)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got == nil || got.ClientID != "legacy-client" {
		t.Errorf("Get() = %+v, want fallback to the legacy registration", got)
	}
}

func TestGetEvictsExpiredSecret(t *testing.T) {
	store := memory.New()
	reg := New(store)
	ctx := context.Background()

	err := reg.Store(ctx, &storage.ClientRecord{
		Issuer:          testIssuer,
		ResourceURI:     testResource,
		RedirectURI:     testRedirect,
		ClientID:        "expiring-client",
		ClientSecret:    "old-secret",
		RegisteredAt:    time.Now().Add(-48 * time.Hour),
		SecretExpiresAt: time.Now().Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	got, err := reg.Get(ctx, testIssuer, testResource, testRedirect)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %+v, want nil for a client with an expired secret", got)
	}

	recs, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("store still holds %d clients after eviction, want 0", len(recs))
	}
}

func TestSecretEncryptedAtRest(t *testing.T) {
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	srv := newDCRServer(t, nil, registrationResponse{
		ClientID:     "client-enc",
		ClientSecret: "plaintext-secret",
	})
	defer srv.Close()

	store := memory.New()
	reg := New(store, WithEncryptor(enc))
	ctx := context.Background()

	if _, err := reg.Register(ctx, metadataWithDCR(srv.URL), testResource, testRedirect, "test-app", nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	// The raw stored record must not carry the plaintext secret.
	recs, err := store.ListClients(ctx)
	if err != nil {
		t.Fatalf("ListClients() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("stored clients = %d, want 1", len(recs))
	}
	if recs[0].ClientSecret == "plaintext-secret" {
		t.Error("client secret stored in plaintext")
	}

	// Get must round-trip back to plaintext.
	got, err := reg.Get(ctx, testIssuer, testResource, testRedirect)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ClientSecret != "plaintext-secret" {
		t.Errorf("decrypted secret = %q, want plaintext-secret", got.ClientSecret)
	}
}

func TestSecretExpiryFromResponse(t *testing.T) {
	expiresAt := time.Now().Add(24 * time.Hour).Unix()
	srv := newDCRServer(t, nil, registrationResponse{
		ClientID:              "client-exp",
		ClientSecret:          "s",
		ClientSecretExpiresAt: expiresAt,
	})
	defer srv.Close()

	reg := New(memory.New())
	rec, err := reg.Register(context.Background(), metadataWithDCR(srv.URL), testResource, testRedirect, "test-app", nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if rec.SecretExpiresAt.Unix() != expiresAt {
		t.Errorf("SecretExpiresAt = %v, want unix %d", rec.SecretExpiresAt, expiresAt)
	}
}

func TestAllRedactsSecrets(t *testing.T) {
	reg := New(memory.New())
	ctx := context.Background()

	err := reg.Store(ctx, &storage.ClientRecord{
		Issuer:       testIssuer,
		ResourceURI:  testResource,
		RedirectURI:  testRedirect,
		ClientID:     "client-123",
		ClientSecret: "super-secret-value-here",
		RegisteredAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	recs, err := reg.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("All() returned %d records, want 1", len(recs))
	}
	if strings.Contains(recs[0].ClientSecret, "secret-value") {
		t.Errorf("All() secret = %q, want redacted", recs[0].ClientSecret)
	}
}

func TestRemoveAndClear(t *testing.T) {
	reg := New(memory.New())
	ctx := context.Background()

	for _, redirect := range []string{testRedirect, "https://other.example.com/cb"} {
		err := reg.Store(ctx, &storage.ClientRecord{
			Issuer:       testIssuer,
			ResourceURI:  testResource,
			RedirectURI:  redirect,
			ClientID:     "client-" + redirect,
			RegisteredAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("Store(%s) error = %v", redirect, err)
		}
	}

	if err := reg.Remove(ctx, testIssuer, testResource, testRedirect); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	recs, err := reg.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("after Remove: %d clients, want 1", len(recs))
	}

	if err := reg.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	recs, err = reg.All(ctx)
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if len(recs) != 0 {
		t.Errorf("after Clear: %d clients, want 0", len(recs))
	}
}
