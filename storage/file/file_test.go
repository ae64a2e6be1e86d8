package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/mcp-oauth-client/storage"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oauth-store.json")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s, path
}

func TestStore_StateSurvivesRestart(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	rec := &storage.StateRecord{
		State:        "state-xyz",
		FlowID:       "flow-1",
		CodeVerifier: "verifier",
		ResourceURI:  "https://mcp.example.com/api",
		Issuer:       "https://auth.example.com",
		CreatedAt:    time.Now(),
	}
	if err := s.SaveState(ctx, "state-xyz", rec); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	// Simulate a restart: open a fresh store over the same file
	reopened, err := New(path)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}

	got, err := reopened.ConsumeState(ctx, "state-xyz")
	if err != nil {
		t.Fatalf("ConsumeState() error = %v", err)
	}
	if got == nil {
		t.Fatal("pending state should survive a restart")
	}
	if got.CodeVerifier != "verifier" || got.Issuer != "https://auth.example.com" {
		t.Errorf("reloaded record = %+v", got)
	}
}

func TestStore_ExpiredStatesPrunedOnLoad(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	s.SaveState(ctx, "stale", &storage.StateRecord{
		State:     "stale",
		CreatedAt: time.Now().Add(-time.Hour),
	})
	s.SaveState(ctx, "fresh", &storage.StateRecord{
		State:     "fresh",
		CreatedAt: time.Now(),
	})

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if got, _ := reopened.ConsumeState(ctx, "stale"); got != nil {
		t.Error("stale state should be pruned on load")
	}
	if got, _ := reopened.ConsumeState(ctx, "fresh"); got == nil {
		t.Error("fresh state should survive the load")
	}
}

func TestStore_ConsumeState_SingleUse(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	s.SaveState(ctx, "once", &storage.StateRecord{State: "once", CreatedAt: time.Now()})

	if got, _ := s.ConsumeState(ctx, "once"); got == nil {
		t.Fatal("first consume should return the record")
	}
	if got, _ := s.ConsumeState(ctx, "once"); got != nil {
		t.Error("second consume should return nil")
	}
}

func TestStore_TokensRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	rec := &storage.TokenRecord{
		ResourceURI: "https://mcp.example.com/api",
		Issuer:      "https://auth.example.com",
		AccessToken: "ciphertext-access",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour).Truncate(time.Second),
	}
	if err := s.SaveTokens(ctx, rec.ResourceURI, rec); err != nil {
		t.Fatalf("SaveTokens() error = %v", err)
	}

	reopened, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := reopened.GetTokens(ctx, rec.ResourceURI)
	if err != nil {
		t.Fatalf("GetTokens() error = %v", err)
	}
	if got == nil || got.AccessToken != "ciphertext-access" {
		t.Errorf("GetTokens() = %+v", got)
	}
	if !got.ExpiresAt.Equal(rec.ExpiresAt) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, rec.ExpiresAt)
	}

	if err := reopened.DeleteTokens(ctx, rec.ResourceURI); err != nil {
		t.Fatalf("DeleteTokens() error = %v", err)
	}
	if got, _ := reopened.GetTokens(ctx, rec.ResourceURI); got != nil {
		t.Error("tokens should be gone after delete")
	}
}

func TestStore_ClientsRoundTrip(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	rec := &storage.ClientRecord{
		Issuer:       "https://auth.example.com",
		ResourceURI:  "https://mcp.example.com/api",
		RedirectURI:  "http://localhost:8080/callback",
		ClientID:     "client-123",
		ClientSecret: "ciphertext-secret",
		RegisteredAt: time.Now().Truncate(time.Second),
	}
	if err := s.SaveClient(ctx, "key-1", rec); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	reopened, _ := New(path)
	got, err := reopened.GetClient(ctx, "key-1")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if got == nil || got.ClientID != "client-123" {
		t.Errorf("GetClient() = %+v", got)
	}

	clients, _ := reopened.ListClients(ctx)
	if len(clients) != 1 {
		t.Errorf("len(clients) = %d, want 1", len(clients))
	}

	if err := reopened.ClearClients(ctx); err != nil {
		t.Fatalf("ClearClients() error = %v", err)
	}
	clients, _ = reopened.ListClients(ctx)
	if len(clients) != 0 {
		t.Errorf("len(clients) = %d after clear, want 0", len(clients))
	}
}

func TestStore_NoTempFilesLeftBehind(t *testing.T) {
	s, path := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		s.SaveState(ctx, "s", &storage.StateRecord{State: "s", CreatedAt: time.Now()})
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestStore_CorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "oauth-store.json")
	if err := os.WriteFile(path, []byte("not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); err == nil {
		t.Error("New() over a corrupt file should fail")
	}
}

func TestStore_FilePermissions(t *testing.T) {
	s, path := newTestStore(t)
	s.SaveState(context.Background(), "s", &storage.StateRecord{State: "s", CreatedAt: time.Now()})

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("store file mode = %o, want 600", perm)
	}
}

func TestStore_SetStateTTL(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	s.SetStateTTL(time.Hour)

	// Older than the default prune TTL, within the raised one. The save
	// triggered by SaveState runs the prune pass.
	if err := s.SaveState(ctx, "aged", &storage.StateRecord{
		State:     "aged",
		CreatedAt: time.Now().Add(-30 * time.Minute),
	}); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	// Another write reruns the prune pass over the existing state.
	if err := s.SaveState(ctx, "fresh", &storage.StateRecord{
		State:     "fresh",
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := s.ConsumeState(ctx, "aged")
	if err != nil {
		t.Fatalf("ConsumeState() error = %v", err)
	}
	if got == nil {
		t.Fatal("state within the raised TTL should not be pruned")
	}
}
