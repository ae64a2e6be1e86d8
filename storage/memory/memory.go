// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for tests and single-process deployments
// where pending flows do not need to survive a restart.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/giantswarm/mcp-oauth-client/instrumentation"
	"github.com/giantswarm/mcp-oauth-client/security"
	"github.com/giantswarm/mcp-oauth-client/storage"
)

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	tokens  map[string]*storage.TokenRecord  // canonical resource URI -> tokens
	clients map[string]*storage.ClientRecord // (issuer,resource,redirect) key -> client
	states  map[string]*storage.StateRecord  // state value -> pending flow

	// Instrumentation
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Atomic counters backing the observable storage-size gauges
	tokensCount  atomic.Int64
	clientsCount atomic.Int64
	statesCount  atomic.Int64

	stopCleanup chan struct{}

	logger *slog.Logger
}

// Compile-time interface check.
var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tokens:  make(map[string]*storage.TokenRecord),
		clients: make(map[string]*storage.ClientRecord),
		states:  make(map[string]*storage.StateRecord),
		tracer:  tracenoop.NewTracerProvider().Tracer("storage"),
		logger:  slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation wires OpenTelemetry instrumentation into the store
// and registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}
	s.tokensCount.Store(int64(len(s.tokens)))
	s.clientsCount.Store(int64(len(s.clients)))
	s.statesCount.Store(int64(len(s.states)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.tokensCount.Load() },
			func() int64 { return s.clientsCount.Load() },
			func() int64 { return s.statesCount.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// startOp opens a span for a storage operation and returns a completion
// func that records duration and outcome metrics.
func (s *Store) startOp(ctx context.Context, op string) func(error) {
	ctx, span := s.tracer.Start(ctx, "storage."+op,
		trace.WithAttributes(attribute.String("storage.backend", "memory")))
	start := time.Now()

	return func(err error) {
		status := "success"
		if err != nil {
			status = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		if s.inst != nil {
			m := s.inst.Metrics()
			attrs := metric.WithAttributes(
				attribute.String("operation", op),
				attribute.String("backend", "memory"),
				attribute.String("status", status),
			)
			m.StorageOperationTotal.Add(ctx, 1, attrs)
			m.StorageOperationDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
		}
		span.End()
	}
}

// ============================================================
// TokenStore
// ============================================================

// SaveTokens stores the token record for a resource.
func (s *Store) SaveTokens(ctx context.Context, resourceURI string, rec *storage.TokenRecord) error {
	done := s.startOp(ctx, "save_tokens")
	var err error
	defer func() { done(err) }()

	if resourceURI == "" {
		err = fmt.Errorf("resourceURI cannot be empty")
		return err
	}
	if rec == nil {
		err = fmt.Errorf("token record cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.tokens[resourceURI]
	cp := *rec
	s.tokens[resourceURI] = &cp
	if !existed {
		s.tokensCount.Add(1)
	}
	return nil
}

// GetTokens returns the token record for a resource, or (nil, nil) when
// none is stored.
func (s *Store) GetTokens(ctx context.Context, resourceURI string) (*storage.TokenRecord, error) {
	done := s.startOp(ctx, "get_tokens")
	defer func() { done(nil) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tokens[resourceURI]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

// DeleteTokens removes the token record for a resource.
func (s *Store) DeleteTokens(ctx context.Context, resourceURI string) error {
	done := s.startOp(ctx, "delete_tokens")
	defer func() { done(nil) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tokens[resourceURI]; ok {
		delete(s.tokens, resourceURI)
		s.tokensCount.Add(-1)
	}
	return nil
}

// ListTokenResources returns the resource URIs with stored tokens.
func (s *Store) ListTokenResources(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.tokens))
	for uri := range s.tokens {
		out = append(out, uri)
	}
	return out, nil
}

// ============================================================
// ClientStore
// ============================================================

// SaveClient stores a registered client record under the given key.
func (s *Store) SaveClient(ctx context.Context, key string, rec *storage.ClientRecord) error {
	done := s.startOp(ctx, "save_client")
	var err error
	defer func() { done(err) }()

	if key == "" {
		err = fmt.Errorf("client key cannot be empty")
		return err
	}
	if rec == nil {
		err = fmt.Errorf("client record cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.clients[key]
	cp := *rec
	s.clients[key] = &cp
	if !existed {
		s.clientsCount.Add(1)
	}
	return nil
}

// GetClient returns the client record for a key, or (nil, nil).
func (s *Store) GetClient(ctx context.Context, key string) (*storage.ClientRecord, error) {
	done := s.startOp(ctx, "get_client")
	defer func() { done(nil) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.clients[key]
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

	if _, ok := s.clients[key]; ok {
		delete(s.clients, key)
		s.clientsCount.Add(-1)
	}
	return nil
}

// ListClients returns every stored client record.
func (s *Store) ListClients(ctx context.Context) ([]*storage.ClientRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*storage.ClientRecord, 0, len(s.clients))
	for _, rec := range s.clients {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// ClearClients removes all client records.
func (s *Store) ClearClients(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clients = make(map[string]*storage.ClientRecord)
	s.clientsCount.Store(0)
	return nil
}

// ============================================================
// StateStore
// ============================================================

// SaveState stores a pending authorization state.
func (s *Store) SaveState(ctx context.Context, state string, rec *storage.StateRecord) error {
	done := s.startOp(ctx, "save_state")
	var err error
	defer func() { done(err) }()

	if state == "" {
		err = fmt.Errorf("state cannot be empty")
		return err
	}
	if rec == nil {
		err = fmt.Errorf("state record cannot be nil")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.states[state]
	cp := *rec
	s.states[state] = &cp
	if !existed {
		s.statesCount.Add(1)
	}
	return nil
}

// ConsumeState atomically retrieves and deletes a pending state, so a
// state value can never be redeemed twice. Absent states return
// (nil, nil).
func (s *Store) ConsumeState(ctx context.Context, state string) (*storage.StateRecord, error) {
	done := s.startOp(ctx, "consume_state")
	defer func() { done(nil) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.states[state]
	if !ok {
		return nil, nil
	}
	delete(s.states, state)
	s.statesCount.Add(-1)
	cp := *rec
	return &cp, nil
}

// DeleteState removes a pending state without returning it.
func (s *Store) DeleteState(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[state]; ok {
		delete(s.states, state)
		s.statesCount.Add(-1)
	}
	return nil
}

// ============================================================
// Cleanup
// ============================================================

// StartCleanup begins a background sweep of expired entries every
// interval. It is optional: flow operations already sweep lazily, so
// only long-lived processes that go quiet between flows need it.
func (s *Store) StartCleanup(interval, stateTTL time.Duration) {
	s.mu.Lock()
	if s.stopCleanup != nil {
		s.mu.Unlock()
		return
	}
	s.stopCleanup = make(chan struct{})
	stop := s.stopCleanup
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.cleanup(stateTTL)
			}
		}
	}()
}

// Stop ends the background cleanup loop, if one is running.
func (s *Store) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCleanup != nil {
		close(s.stopCleanup)
		s.stopCleanup = nil
	}
}

func (s *Store) cleanup(stateTTL time.Duration) {
	if n, _ := s.SweepExpired(context.Background(), stateTTL); n > 0 {
		s.logger.Debug("Cleanup removed expired states", "count", n)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Expired tokens with no refresh token can never become usable
	// again; drop them.
	removed := 0
	for uri, rec := range s.tokens {
		if rec.RefreshToken == "" && security.IsExpired(rec.ExpiresAt) {
			delete(s.tokens, uri)
			removed++
		}
	}
	if removed > 0 {
		s.tokensCount.Add(int64(-removed))
		s.logger.Debug("Cleanup removed expired tokens", "count", removed)
	}
}

// SweepExpired removes states older than ttl.
func (s *Store) SweepExpired(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	removed := 0
	for state, rec := range s.states {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.states, state)
			removed++
		}
	}
	if removed > 0 {
		s.statesCount.Add(int64(-removed))
		s.logger.Debug("Swept expired authorization states", "count", removed)
	}
	return removed, nil
}
