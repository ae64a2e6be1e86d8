package oauthclient

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/giantswarm/mcp-oauth-client/instrumentation"
	"github.com/giantswarm/mcp-oauth-client/storage"
)

// Config holds the OAuth client configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// RedirectURI is where the authorization server redirects after user
	// consent (required). The application must serve a callback there
	// and pass the code and state to HandleAuthCallback.
	RedirectURI string

	// ClientName is sent during Dynamic Client Registration.
	// Default: "mcp-oauth-client".
	ClientName string

	// Scopes are the default scopes requested when neither the caller
	// nor a WWW-Authenticate challenge names any.
	Scopes []string

	// Discovery settings
	Discovery DiscoveryConfig

	// Flow settings
	Flow FlowConfig

	// Tokens settings
	Tokens TokenConfig

	// Rate limiting configuration for outbound requests
	RateLimit RateLimitConfig

	// Security settings (secure by default)
	Security SecurityConfig

	// Preregistered client credentials, used instead of DCR for issuers
	// that appear here.
	Preregistered []PreregisteredClient

	// Store persists tokens, registered clients, and pending flow state.
	// Default: in-memory store (flows do not survive a restart).
	Store storage.Store

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is a custom HTTP client for OAuth requests
	// If not provided, uses a client with a 30 second timeout.
	HTTPClient *http.Client

	// Instrumentation wires OpenTelemetry metrics and traces.
	// Default: no-op providers.
	Instrumentation *instrumentation.Instrumentation
}

// DiscoveryConfig holds metadata discovery settings
type DiscoveryConfig struct {
	// MetadataTTL is how long discovered metadata is cached.
	// Default: 1 hour.
	MetadataTTL time.Duration

	// StrictIssuer rejects authorization server metadata whose issuer
	// field does not match the requested issuer, per RFC 8414. Off by
	// default: some providers serve metadata under a custom domain
	// whose internal issuer differs from the discovery URL.
	StrictIssuer bool
}

// FlowConfig holds authorization flow settings
type FlowConfig struct {
	// StateTTL is how long a pending authorization flow stays
	// redeemable. Default: 10 minutes.
	StateTTL time.Duration

	// StateLength is the byte length of the random state value.
	// Default: 32.
	StateLength int

	// VerifierLength is the PKCE code verifier length, 43 to 128.
	// Default: 64.
	VerifierLength int
}

// TokenConfig holds token lifecycle settings
type TokenConfig struct {
	// ExpiryBuffer is how long before expiry a token stops counting as
	// valid. Default: 30 seconds.
	ExpiryBuffer time.Duration

	// RefreshWindow is how long before expiry proactive refresh kicks
	// in. Default: 5 minutes.
	RefreshWindow time.Duration

	// DefaultLifetime is assumed when the server omits expires_in.
	// Default: 1 hour.
	DefaultLifetime time.Duration
}

// RateLimitConfig holds outbound rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per upstream host. Zero
	// disables limiting.
	Rate float64

	// Burst is the maximum burst size allowed per host.
	Burst int
}

// SecurityConfig holds secret-handling settings (secure by default)
type SecurityConfig struct {
	// EncryptionKey is the AES-256 key (32 bytes) for encrypting tokens
	// and client secrets at rest. Generate with security.GenerateKey().
	EncryptionKey []byte

	// InstallationSecret derives an encryption key via HKDF when
	// EncryptionKey is not set. Useful when the application already has
	// a per-installation secret.
	//
	// If neither is set, secrets are stored in plaintext.
	InstallationSecret []byte
}

// PreregisteredClient is a client identity supplied out of band for one
// issuer, short-circuiting Dynamic Client Registration.
type PreregisteredClient struct {
	Issuer       string
	ClientID     string
	ClientSecret string
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.RedirectURI == "" {
		return errors.New("config: RedirectURI is required")
	}
	for _, pre := range c.Preregistered {
		if pre.Issuer == "" || pre.ClientID == "" {
			return errors.New("config: preregistered clients need an issuer and client ID")
		}
	}
	return nil
}

// applyDefaults fills in zero values.
func (c *Config) applyDefaults() {
	if c.ClientName == "" {
		c.ClientName = "mcp-oauth-client"
	}
	if c.Flow.StateTTL == 0 {
		c.Flow.StateTTL = 10 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Instrumentation == nil {
		c.Instrumentation = instrumentation.Disabled()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
}
