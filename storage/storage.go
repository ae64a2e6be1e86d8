// Package storage defines the persistence interfaces for the OAuth
// client: tokens per protected resource, registered client identities,
// and pending authorization state. Backends range from in-memory (tests,
// single-process) to a durable file store that lets an authorization
// flow begun before a process restart still complete afterwards.
//
// Stores hold records exactly as given. Encryption of secret fields is
// the responsibility of the engines that own the records (token manager,
// client registry, flow orchestrator), so every backend gets at-rest
// encryption for free.
package storage

import (
	"context"
	"time"
)

// TokenRecord is the stored token pair for one protected resource.
// AccessToken and RefreshToken are ciphertext when encryption is
// configured.
type TokenRecord struct {
	// ResourceURI is the canonical resource this token was issued for.
	ResourceURI string `json:"resource_uri"`

	// Issuer is the authorization server that issued the tokens. Kept so
	// refresh and revocation can re-resolve the right server metadata.
	Issuer string `json:"issuer"`

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`

	// ExpiresAt is the absolute access-token expiry.
	ExpiresAt time.Time `json:"expires_at"`

	// Scope is the granted scope, which may differ from the requested one.
	Scope string `json:"scope,omitempty"`
}

// ClientRecord is a registered OAuth client identity, from Dynamic
// Client Registration or pre-configured credentials. ClientSecret is
// ciphertext when encryption is configured.
type ClientRecord struct {
	Issuer      string `json:"issuer"`
	ResourceURI string `json:"resource_uri"`
	RedirectURI string `json:"redirect_uri"`

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`

	// SecretExpiresAt is when the client secret expires. Zero means the
	// secret never expires (RFC 7591 client_secret_expires_at = 0).
	SecretExpiresAt time.Time `json:"secret_expires_at,omitempty"`
}

// SecretExpired reports whether the client secret has passed its expiry.
func (c *ClientRecord) SecretExpired(now time.Time) bool {
	return !c.SecretExpiresAt.IsZero() && now.After(c.SecretExpiresAt)
}

// StateRecord is one pending authorization attempt, keyed by its random
// state value. Records are consumed exactly once on callback and swept
// by TTL otherwise.
type StateRecord struct {
	// State is the CSRF state value, also the storage key.
	State string `json:"state"`

	// FlowID correlates log lines across the lifetime of one flow.
	FlowID string `json:"flow_id"`

	CodeVerifier        string   `json:"code_verifier"`
	CodeChallengeMethod string   `json:"code_challenge_method"`
	RedirectURI         string   `json:"redirect_uri"`
	ResourceURI         string   `json:"resource_uri"`
	Issuer              string   `json:"issuer"`
	Scopes              []string `json:"scopes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenStore persists token records keyed by canonical resource URI.
// Lookups for absent keys return (nil, nil), not an error: a missing
// token is a normal outcome for this client.
type TokenStore interface {
	SaveTokens(ctx context.Context, resourceURI string, rec *TokenRecord) error
	GetTokens(ctx context.Context, resourceURI string) (*TokenRecord, error)
	DeleteTokens(ctx context.Context, resourceURI string) error

	// ListTokenResources returns the canonical resource URIs that
	// currently have stored tokens.
	ListTokenResources(ctx context.Context) ([]string, error)
}

// ClientStore persists registered client identities keyed by
// (issuer, resourceURI, redirectURI). Absent keys return (nil, nil).
type ClientStore interface {
	SaveClient(ctx context.Context, key string, rec *ClientRecord) error
	GetClient(ctx context.Context, key string) (*ClientRecord, error)
	DeleteClient(ctx context.Context, key string) error

	// ListClients returns every stored client record.
	ListClients(ctx context.Context) ([]*ClientRecord, error)

	ClearClients(ctx context.Context) error
}

// StateStore persists pending authorization state. ConsumeState is the
// only read path callbacks may use: it atomically retrieves and deletes
// a record so a state value can never be redeemed twice, even by
// concurrent callbacks.
type StateStore interface {
	SaveState(ctx context.Context, state string, rec *StateRecord) error

	// ConsumeState atomically retrieves and deletes the record for the
	// given state value. Absent states return (nil, nil).
	ConsumeState(ctx context.Context, state string) (*StateRecord, error)

	DeleteState(ctx context.Context, state string) error

	// SweepExpired removes records older than ttl and returns how many
	// were dropped. Callers invoke this lazily from flow operations;
	// backends must not rely on it being called on any schedule.
	SweepExpired(ctx context.Context, ttl time.Duration) (int, error)
}

// Store combines all three interfaces, for backends that serve the whole
// client from one place (the memory and file backends both do).
type Store interface {
	TokenStore
	ClientStore
	StateStore
}
