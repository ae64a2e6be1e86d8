// Package file provides a durable JSON-file implementation of all
// storage interfaces. Pending authorization states persisted here
// survive a process restart, so a flow begun before the restart can
// still complete afterwards. Expired states are pruned on every load
// and save.
//
// The whole store is a single JSON document written atomically via a
// temp file and rename. That is deliberate: the data set is small (a
// handful of tokens, clients, and pending flows), and one document keeps
// crash consistency trivial.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/giantswarm/mcp-oauth-client/storage"
)

// defaultStateTTL bounds how long a pending state survives on disk when
// the owning flow never set a sweep in motion (for example because the
// process crashed). Matches the orchestrator's default.
const defaultStateTTL = 10 * time.Minute

// document is the on-disk layout.
type document struct {
	Version int                              `json:"version"`
	Tokens  map[string]*storage.TokenRecord  `json:"tokens,omitempty"`
	Clients map[string]*storage.ClientRecord `json:"clients,omitempty"`
	States  map[string]*storage.StateRecord  `json:"states,omitempty"`
}

// Store is a file-backed implementation of storage.Store.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document

	stateTTL time.Duration
	logger   *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// Option configures a file store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStateTTL overrides the TTL applied when pruning pending states
// during load and save.
func WithStateTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.stateTTL = ttl
		}
	}
}

// SetStateTTL overrides the TTL applied when pruning pending states
// during load and save. The flow orchestrator propagates its configured
// state TTL here, so raising the TTL in one place is enough.
func (s *Store) SetStateTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ttl > 0 {
		s.stateTTL = ttl
	}
}

// New opens (or creates) a file store at the given path. Expired pending
// states are pruned as part of the load.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:     path,
		stateTTL: defaultStateTTL,
		logger:   slog.Default(),
		doc: document{
			Version: 1,
			Tokens:  make(map[string]*storage.TokenRecord),
			Clients: make(map[string]*storage.ClientRecord),
			States:  make(map[string]*storage.StateRecord),
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse store file %s: %w", s.path, err)
	}
	if doc.Tokens == nil {
		doc.Tokens = make(map[string]*storage.TokenRecord)
	}
	if doc.Clients == nil {
		doc.Clients = make(map[string]*storage.ClientRecord)
	}
	if doc.States == nil {
		doc.States = make(map[string]*storage.StateRecord)
	}
	s.doc = doc

	if pruned := s.pruneStatesLocked(); pruned > 0 {
		s.logger.Debug("Pruned expired states on load", "count", pruned, "path", s.path)
	}
	return nil
}

// save writes the document atomically. Caller holds s.mu.
func (s *Store) save() error {
	s.pruneStatesLocked()

	data, err := json.MarshalIndent(&s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store document: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".oauth-store-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close store file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set store file mode: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace store file: %w", err)
	}
	return nil
}

// pruneStatesLocked drops expired pending states. Caller holds s.mu.
func (s *Store) pruneStatesLocked() int {
	cutoff := time.Now().Add(-s.stateTTL)
	pruned := 0
	for state, rec := range s.doc.States {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.doc.States, state)
			pruned++
		}
	}
	return pruned
}

// ============================================================
// TokenStore
// ============================================================

// SaveTokens stores the token record for a resource.
func (s *Store) SaveTokens(ctx context.Context, resourceURI string, rec *storage.TokenRecord) error {
	if resourceURI == "" {
		return fmt.Errorf("resourceURI cannot be empty")
	}
	if rec == nil {
		return fmt.Errorf("token record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.doc.Tokens[resourceURI] = &cp
	return s.save()
}

// GetTokens returns the token record for a resource, or (nil, nil).
func (s *Store) GetTokens(ctx context.Context, resourceURI string) (*storage.TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Tokens[resourceURI]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// DeleteTokens removes the token record for a resource.
func (s *Store) DeleteTokens(ctx context.Context, resourceURI string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Tokens[resourceURI]; !ok {
		return nil
	}
	delete(s.doc.Tokens, resourceURI)
	return s.save()
}

// ListTokenResources returns the resource URIs with stored tokens.
func (s *Store) ListTokenResources(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.doc.Tokens))
	for uri := range s.doc.Tokens {
		out = append(out, uri)
	}
	return out, nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a registered client record under the given key.
func (s *Store) SaveClient(ctx context.Context, key string, rec *storage.ClientRecord) error {
	if key == "" {
		return fmt.Errorf("client key cannot be empty")
	}
	if rec == nil {
		return fmt.Errorf("client record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.doc.Clients[key] = &cp
	return s.save()
}

// GetClient returns the client record for a key, or (nil, nil).
func (s *Store) GetClient(ctx context.Context, key string) (*storage.ClientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Clients[key]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// DeleteClient removes the client record for a key.
func (s *Store) DeleteClient(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.Clients[key]; !ok {
		return nil
	}
	delete(s.doc.Clients, key)
	return s.save()
}

// ListClients returns every stored client record.
func (s *Store) ListClients(ctx context.Context) ([]*storage.ClientRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*storage.ClientRecord, 0, len(s.doc.Clients))
	for _, rec := range s.doc.Clients {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// ClearClients removes all client records.
func (s *Store) ClearClients(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.doc.Clients = make(map[string]*storage.ClientRecord)
	return s.save()
}

// ============================================================
// StateStore
// ============================================================

// SaveState stores a pending authorization state and persists it so the
// flow can complete even across a restart.
func (s *Store) SaveState(ctx context.Context, state string, rec *storage.StateRecord) error {
	if state == "" {
		return fmt.Errorf("state cannot be empty")
	}
	if rec == nil {
		return fmt.Errorf("state record cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *rec
	s.doc.States[state] = &cp
	return s.save()
}

// ConsumeState atomically retrieves and deletes a pending state. Absent
// states return (nil, nil).
func (s *Store) ConsumeState(ctx context.Context, state string) (*storage.StateRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.States[state]
	if !ok {
		return nil, nil
	}
	delete(s.doc.States, state)
	if err := s.save(); err != nil {
		return nil, err
	}
	cp := *rec
	return &cp, nil
}

// DeleteState removes a pending state without returning it.
func (s *Store) DeleteState(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.doc.States[state]; !ok {
		return nil
	}
	delete(s.doc.States, state)
	return s.save()
}

// SweepExpired removes states older than ttl.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for state, rec := range s.doc.States {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.doc.States, state)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.save(); err != nil {
		return 0, err
	}
	return removed, nil
}
