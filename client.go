package oauthclient

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-client/discovery"
	"github.com/giantswarm/mcp-oauth-client/instrumentation"
	"github.com/giantswarm/mcp-oauth-client/internal/util"
	"github.com/giantswarm/mcp-oauth-client/pkce"
	"github.com/giantswarm/mcp-oauth-client/registry"
	"github.com/giantswarm/mcp-oauth-client/security"
	"github.com/giantswarm/mcp-oauth-client/storage"
	"github.com/giantswarm/mcp-oauth-client/storage/memory"
	"github.com/giantswarm/mcp-oauth-client/tokens"
)

// Client orchestrates OAuth 2.1 authorization flows against protected
// resources: metadata discovery, client registration, PKCE, code
// exchange, token refresh, and revocation.
//
// All operations are safe for concurrent use. Check-then-act sequences
// (resolve client, exchange tokens) are serialized per canonical
// resource URI so two concurrent initiations for the same resource
// cannot interleave.
type Client struct {
	config    Config
	logger    *slog.Logger
	inst      *instrumentation.Instrumentation
	store     storage.Store
	discovery *discovery.Client
	registry  *registry.Registry
	tokens    *tokens.Manager

	mu            sync.Mutex
	resourceLocks map[string]*sync.Mutex
}

// New creates an orchestrator from the given configuration.
func New(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	store := config.Store
	if store == nil {
		store = memory.New()
	}
	if s, ok := store.(interface{ SetLogger(*slog.Logger) }); ok {
		s.SetLogger(config.Logger)
	}
	if s, ok := store.(interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}); ok {
		s.SetInstrumentation(config.Instrumentation)
	}
	// Durable stores prune pending states themselves; keep their TTL in
	// step with the flow TTL so raising it in Config is enough.
	if s, ok := store.(interface{ SetStateTTL(time.Duration) }); ok {
		s.SetStateTTL(config.Flow.StateTTL)
	}

	encryptor, err := buildEncryptor(config.Security)
	if err != nil {
		return nil, err
	}

	var limiter *security.HostLimiter
	if config.RateLimit.Rate > 0 {
		limiter = security.NewHostLimiter(config.RateLimit.Rate, config.RateLimit.Burst, config.Logger)
	}

	discoveryOpts := []discovery.Option{
		discovery.WithHTTPClient(config.HTTPClient),
		discovery.WithLogger(config.Logger),
		discovery.WithInstrumentation(config.Instrumentation),
		discovery.WithRateLimiter(limiter),
		discovery.WithStrictIssuer(config.Discovery.StrictIssuer),
	}
	if config.Discovery.MetadataTTL > 0 {
		discoveryOpts = append(discoveryOpts, discovery.WithCacheTTL(config.Discovery.MetadataTTL))
	}

	c := &Client{
		config:    config,
		logger:    config.Logger,
		inst:      config.Instrumentation,
		store:     store,
		discovery: discovery.NewClient(discoveryOpts...),
		registry: registry.New(store,
			registry.WithHTTPClient(config.HTTPClient),
			registry.WithLogger(config.Logger),
			registry.WithInstrumentation(config.Instrumentation),
			registry.WithEncryptor(encryptor),
			registry.WithRateLimiter(limiter)),
		tokens: tokens.NewManager(store,
			tokens.WithHTTPClient(config.HTTPClient),
			tokens.WithLogger(config.Logger),
			tokens.WithInstrumentation(config.Instrumentation),
			tokens.WithEncryptor(encryptor),
			tokens.WithRateLimiter(limiter),
			tokens.WithExpiryBuffer(config.Tokens.ExpiryBuffer),
			tokens.WithRefreshWindow(config.Tokens.RefreshWindow),
			tokens.WithDefaultLifetime(config.Tokens.DefaultLifetime)),
		resourceLocks: make(map[string]*sync.Mutex),
	}
	return c, nil
}

func buildEncryptor(sec SecurityConfig) (*security.Encryptor, error) {
	key := sec.EncryptionKey
	if key == nil && len(sec.InstallationSecret) > 0 {
		derived, err := security.DeriveKey(sec.InstallationSecret)
		if err != nil {
			return nil, fmt.Errorf("deriving encryption key: %w", err)
		}
		key = derived
	}
	if key == nil {
		return nil, nil
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	return enc, nil
}

// lockResource acquires the per-resource mutex and returns its unlock.
func (c *Client) lockResource(resourceURI string) func() {
	c.mu.Lock()
	lock, ok := c.resourceLocks[resourceURI]
	if !ok {
		lock = &sync.Mutex{}
		c.resourceLocks[resourceURI] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// InitiateAuthFlow starts an authorization code flow for a protected
// resource and returns the URL the user must visit. The pending flow is
// persisted so the callback can complete it, across a process restart
// when the store is durable.
func (c *Client) InitiateAuthFlow(ctx context.Context, resourceURL string, opts *AuthFlowOptions) (*AuthFlowResult, error) {
	if opts == nil {
		opts = &AuthFlowOptions{}
	}

	canonical, err := discovery.CanonicalResourceURI(resourceURL)
	if err != nil {
		return nil, wrapEngineError("invalid resource URL", err)
	}

	unlock := c.lockResource(canonical)
	defer unlock()

	c.sweepStates(ctx)

	tracer := c.inst.Tracer("flow")
	ctx, span := tracer.Start(ctx, "flow.initiate")
	defer span.End()

	prm, err := c.discovery.ProtectedResource(ctx, resourceURL, opts.ResourceMetadataURL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("resolving protected resource metadata", err)
	}
	issuer := util.NormalizeURL(prm.AuthorizationServers[0])

	meta, err := c.discovery.AuthServer(ctx, issuer)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("resolving authorization server metadata", err)
	}

	scopes := opts.scopesOrDefault(c.config.Scopes, prm)

	client, err := c.resolveClient(ctx, issuer, meta, canonical, scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("resolving client identity", err)
	}

	method, ok := pkce.SelectMethod(meta.CodeChallengeMethodsSupported)
	if !ok {
		err := NewFlowError(ErrorCodeInvalidMetadata,
			fmt.Sprintf("issuer %s advertises no supported PKCE method", issuer))
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if method == pkce.MethodPlain {
		c.logger.Warn("Authorization server does not support S256, falling back to plain PKCE",
			"issuer", issuer)
	}

	verifierLength := c.config.Flow.VerifierLength
	if verifierLength == 0 {
		verifierLength = pkce.DefaultVerifierLength
	}
	verifier, err := pkce.GenerateCodeVerifier(verifierLength)
	if err != nil {
		return nil, wrapEngineError("generating code verifier", err)
	}
	challenge, err := pkce.GenerateCodeChallenge(verifier, method)
	if err != nil {
		return nil, wrapEngineError("generating code challenge", err)
	}

	stateLength := c.config.Flow.StateLength
	if stateLength == 0 {
		stateLength = pkce.DefaultStateLength
	}
	state, err := pkce.GenerateState(stateLength)
	if err != nil {
		return nil, wrapEngineError("generating state", err)
	}

	flowID := uuid.NewString()

	rec := &storage.StateRecord{
		State:               state,
		FlowID:              flowID,
		CodeVerifier:        verifier,
		CodeChallengeMethod: string(method),
		RedirectURI:         c.config.RedirectURI,
		ResourceURI:         canonical,
		Issuer:              issuer,
		Scopes:              scopes,
		CreatedAt:           time.Now(),
	}
	if err := c.store.SaveState(ctx, state, rec); err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("persisting flow state", err)
	}

	authURL := buildAuthorizationURL(meta, client.ClientID, c.config.RedirectURI, state, challenge, method, canonical, scopes)

	c.countFlow(ctx, issuer)
	instrumentation.AddFlowAttributes(span, canonical, issuer, flowID)
	instrumentation.SetSpanSuccess(span)
	c.logger.Info("Initiated authorization flow",
		"flow_id", flowID,
		"resource_uri", canonical,
		"issuer", issuer,
		"client_id", client.ClientID,
		"pkce_method", string(method),
		"scopes", scopes)

	return &AuthFlowResult{
		AuthorizationURL: authURL,
		State:            state,
		FlowID:           flowID,
		ResourceURI:      canonical,
		Issuer:           issuer,
	}, nil
}

// buildAuthorizationURL assembles the authorization request URL with
// the PKCE and RFC 8707 parameters.
func buildAuthorizationURL(meta *discovery.AuthServerMetadata, clientID, redirectURI, state, challenge string, method pkce.Method, resourceURI string, scopes []string) string {
	oc := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL: meta.AuthorizationEndpoint,
		},
	}
	return oc.AuthCodeURL(state,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", string(method)),
		oauth2.SetAuthURLParam("resource", resourceURI),
	)
}

// HandleAuthCallback completes a pending flow with the authorization
// code from the callback. The state is consumed on first use; replays
// and flows older than the state TTL fail with
// ErrorCodeInvalidOrExpiredState.
func (c *Client) HandleAuthCallback(ctx context.Context, code, state string) (*CallbackResult, error) {
	tracer := c.inst.Tracer("flow")
	ctx, span := tracer.Start(ctx, "flow.callback")
	defer span.End()

	if code == "" || state == "" {
		err := NewFlowError(ErrorCodeInvalidOrExpiredState, "callback is missing code or state")
		instrumentation.RecordError(span, err)
		return nil, err
	}

	rec, err := c.store.ConsumeState(ctx, state)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("consuming flow state", err)
	}
	if rec == nil {
		err := NewFlowError(ErrorCodeInvalidOrExpiredState, "unknown or already used state")
		instrumentation.RecordError(span, err)
		c.countCallback(ctx, "invalid")
		return nil, err
	}
	if time.Since(rec.CreatedAt) > c.config.Flow.StateTTL {
		err := NewFlowError(ErrorCodeInvalidOrExpiredState,
			fmt.Sprintf("flow expired after %s", c.config.Flow.StateTTL))
		instrumentation.RecordError(span, err)
		c.countCallback(ctx, "expired")
		return nil, err
	}

	unlock := c.lockResource(rec.ResourceURI)
	defer unlock()

	instrumentation.AddFlowAttributes(span, rec.ResourceURI, rec.Issuer, rec.FlowID)

	meta, err := c.discovery.AuthServer(ctx, rec.Issuer)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("resolving authorization server metadata", err)
	}
	client, err := c.resolveClient(ctx, rec.Issuer, meta, rec.ResourceURI, rec.Scopes)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("resolving client identity", err)
	}

	tok, err := c.tokens.ExchangeCode(ctx, meta, tokens.ExchangeRequest{
		Code:         code,
		RedirectURI:  rec.RedirectURI,
		CodeVerifier: rec.CodeVerifier,
		ClientID:     client.ClientID,
		ClientSecret: client.ClientSecret,
		ResourceURI:  rec.ResourceURI,
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("exchanging authorization code", err)
	}

	if err := c.tokens.Store(ctx, rec.ResourceURI, rec.Issuer, tok); err != nil {
		instrumentation.RecordError(span, err)
		return nil, wrapEngineError("storing tokens", err)
	}

	c.countCallback(ctx, "completed")
	instrumentation.SetSpanSuccess(span)
	c.logger.Info("Completed authorization flow",
		"flow_id", rec.FlowID,
		"resource_uri", rec.ResourceURI,
		"issuer", rec.Issuer)

	return &CallbackResult{
		ResourceURI: rec.ResourceURI,
		Issuer:      rec.Issuer,
		FlowID:      rec.FlowID,
		Token:       tok,
	}, nil
}

// GetAccessToken returns a usable access token for the resource,
// silently refreshing a stale one. An empty string with a nil error
// means authorization is required.
func (c *Client) GetAccessToken(ctx context.Context, resourceURL string) (string, error) {
	canonical, err := discovery.CanonicalResourceURI(resourceURL)
	if err != nil {
		return "", wrapEngineError("invalid resource URL", err)
	}

	unlock := c.lockResource(canonical)
	defer unlock()

	return c.validAccessToken(ctx, canonical)
}

// validAccessToken is GetAccessToken without the lock, for callers that
// already hold the resource lock.
func (c *Client) validAccessToken(ctx context.Context, canonical string) (string, error) {
	rec, err := c.tokens.Get(ctx, canonical)
	if err != nil {
		return "", wrapEngineError("loading tokens", err)
	}
	if rec == nil {
		return "", nil
	}

	meta, merr := c.discovery.AuthServer(ctx, rec.Issuer)
	var clientID, clientSecret string
	if merr == nil {
		if client, cerr := c.registry.Get(ctx, rec.Issuer, canonical, c.config.RedirectURI); cerr == nil && client != nil {
			clientID, clientSecret = client.ClientID, client.ClientSecret
		}
	} else {
		// Without metadata there is no token endpoint to refresh at;
		// the stored token is still usable until it expires.
		meta = nil
	}

	return c.tokens.ValidAccessToken(ctx, meta, canonical, clientID, clientSecret)
}

// GetOAuthStatus reports the authorization state for a resource after
// attempting a silent refresh. AuthorizationRequired true is a normal
// outcome, not an error.
func (c *Client) GetOAuthStatus(ctx context.Context, resourceURL string) (*OAuthStatus, error) {
	canonical, err := discovery.CanonicalResourceURI(resourceURL)
	if err != nil {
		return nil, wrapEngineError("invalid resource URL", err)
	}

	unlock := c.lockResource(canonical)
	defer unlock()

	status := &OAuthStatus{ResourceURI: canonical}

	token, err := c.validAccessToken(ctx, canonical)
	if err != nil {
		status.AuthorizationRequired = true
		status.Error = err.Error()
		return status, nil
	}

	rec, err := c.tokens.Get(ctx, canonical)
	if err != nil {
		return nil, wrapEngineError("loading tokens", err)
	}
	if rec != nil {
		status.Issuer = rec.Issuer
		status.Scope = rec.Scope
		status.ExpiresAt = rec.ExpiresAt
		status.HasRefreshToken = rec.RefreshToken != ""
	}

	if token == "" {
		status.AuthorizationRequired = true
		return status, nil
	}
	status.HasValidToken = true
	return status, nil
}

// Handle401Response reacts to an upstream 401. It first attempts a
// silent refresh; if that yields a token, it returns (nil, nil) and the
// caller should simply retry the request. Otherwise it initiates a new
// authorization flow, honoring the challenge's resource_metadata URL
// and scope.
func (c *Client) Handle401Response(ctx context.Context, resourceURL, wwwAuthenticate string) (*AuthFlowResult, error) {
	challenge := discovery.ParseWWWAuthenticate(wwwAuthenticate)

	canonical, err := discovery.CanonicalResourceURI(resourceURL)
	if err != nil {
		return nil, wrapEngineError("invalid resource URL", err)
	}

	if token := c.tryRefresh(ctx, canonical); token != "" {
		// Tokens are fresh again; the caller should retry the request.
		c.logger.Debug("Silent refresh resolved 401", "resource_uri", canonical)
		return nil, nil
	}

	opts := &AuthFlowOptions{}
	if challenge != nil {
		opts.ResourceMetadataURL = challenge.ResourceMetadataURL
		opts.ChallengedScopes = splitScope(challenge.Scope)
	}
	return c.InitiateAuthFlow(ctx, resourceURL, opts)
}

// Handle403Response reacts to an upstream 403, treating it as an
// insufficient-scope signal. It always re-initiates authorization with
// the scope the challenge demands; refreshing would reissue a token
// with the same insufficient scope.
func (c *Client) Handle403Response(ctx context.Context, resourceURL, wwwAuthenticate string) (*AuthFlowResult, error) {
	challenge := discovery.ParseWWWAuthenticate(wwwAuthenticate)

	opts := &AuthFlowOptions{}
	if challenge != nil {
		opts.ResourceMetadataURL = challenge.ResourceMetadataURL
		opts.ChallengedScopes = splitScope(challenge.Scope)
	}
	return c.InitiateAuthFlow(ctx, resourceURL, opts)
}

// RevokeAuthorization revokes the tokens for a resource at the server
// when possible and always removes them locally. Failures to resolve
// metadata or client identity degrade to local deletion.
func (c *Client) RevokeAuthorization(ctx context.Context, resourceURL string) error {
	canonical, err := discovery.CanonicalResourceURI(resourceURL)
	if err != nil {
		return wrapEngineError("invalid resource URL", err)
	}

	unlock := c.lockResource(canonical)
	defer unlock()

	rec, err := c.tokens.Get(ctx, canonical)
	if err != nil {
		return wrapEngineError("loading tokens", err)
	}
	if rec == nil {
		return nil
	}

	var (
		meta                   *discovery.AuthServerMetadata
		clientID, clientSecret string
	)
	if m, err := c.discovery.AuthServer(ctx, rec.Issuer); err == nil {
		meta = m
		if client, err := c.registry.Get(ctx, rec.Issuer, canonical, c.config.RedirectURI); err == nil && client != nil {
			clientID, clientSecret = client.ClientID, client.ClientSecret
		}
	} else {
		c.logger.Warn("Metadata resolution failed during revocation, deleting local tokens only",
			"resource_uri", canonical, "error", err)
	}

	if err := c.tokens.Revoke(ctx, meta, canonical, clientID, clientSecret); err != nil {
		// Server-side revocation is best-effort; local tokens are gone.
		c.logger.Warn("Token revocation incomplete", "resource_uri", canonical, "error", err)
	}
	return nil
}

// ClearCaches drops discovered metadata and registered client
// identities. Stored tokens are untouched; use RevokeAuthorization for
// those.
func (c *Client) ClearCaches(ctx context.Context) error {
	c.discovery.ClearCache()
	if err := c.registry.Clear(ctx); err != nil {
		return wrapEngineError("clearing registered clients", err)
	}
	return nil
}

// resolveClient finds the client identity for an issuer: a cached
// registration, a preregistered credential, or a fresh DCR.
func (c *Client) resolveClient(ctx context.Context, issuer string, meta *discovery.AuthServerMetadata, resourceURI string, scopes []string) (*storage.ClientRecord, error) {
	client, err := c.registry.Get(ctx, issuer, resourceURI, c.config.RedirectURI)
	if err != nil {
		return nil, err
	}
	if client != nil {
		return client, nil
	}

	if pre := c.preregisteredFor(issuer); pre != nil {
		rec := &storage.ClientRecord{
			Issuer:       issuer,
			ResourceURI:  resourceURI,
			RedirectURI:  c.config.RedirectURI,
			ClientID:     pre.ClientID,
			ClientSecret: pre.ClientSecret,
			RegisteredAt: time.Now(),
		}
		if err := c.registry.Store(ctx, rec); err != nil {
			return nil, err
		}
		c.logger.Debug("Using preregistered client", "issuer", issuer, "client_id", pre.ClientID)
		return rec, nil
	}

	// Register under the requested issuer even when the metadata's own
	// issuer field differs, so lookups stay keyed consistently.
	keyed := *meta
	keyed.Issuer = issuer
	return c.registry.Register(ctx, &keyed, resourceURI, c.config.RedirectURI, c.config.ClientName, scopes)
}

func (c *Client) preregisteredFor(issuer string) *PreregisteredClient {
	norm := util.NormalizeURL(issuer)
	for i := range c.config.Preregistered {
		if util.NormalizeURL(c.config.Preregistered[i].Issuer) == norm {
			return &c.config.Preregistered[i]
		}
	}
	return nil
}

// tryRefresh forces a token refresh under the resource lock and returns
// the new access token, or empty when re-authorization is required. The
// stored token's local validity is deliberately not consulted: a 401 on
// an unexpired token means the server no longer honors it, and handing
// the same token back would just repeat the 401.
func (c *Client) tryRefresh(ctx context.Context, canonical string) string {
	unlock := c.lockResource(canonical)
	defer unlock()

	rec, err := c.tokens.Get(ctx, canonical)
	if err != nil || rec == nil {
		return ""
	}
	meta, err := c.discovery.AuthServer(ctx, rec.Issuer)
	if err != nil {
		c.logger.Debug("Silent refresh failed", "resource_uri", canonical, "error", err)
		return ""
	}
	var clientID, clientSecret string
	if client, err := c.registry.Get(ctx, rec.Issuer, canonical, c.config.RedirectURI); err == nil && client != nil {
		clientID, clientSecret = client.ClientID, client.ClientSecret
	}

	tok, err := c.tokens.Refresh(ctx, meta, canonical, clientID, clientSecret)
	if err != nil {
		c.logger.Debug("Silent refresh failed", "resource_uri", canonical, "error", err)
		return ""
	}
	return tok.AccessToken
}

// splitScope splits a space-delimited scope string, returning nil for
// an empty one.
func splitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// sweepStates lazily prunes expired pending flows. Flow operations call
// it opportunistically; nothing depends on a background schedule.
func (c *Client) sweepStates(ctx context.Context) {
	n, err := c.store.SweepExpired(ctx, c.config.Flow.StateTTL)
	if err != nil {
		c.logger.Warn("Sweeping expired flow state failed", "error", err)
		return
	}
	if n > 0 {
		c.logger.Debug("Swept expired flow state", "removed", n)
	}
}

func (c *Client) countFlow(ctx context.Context, issuer string) {
	m := c.inst.Metrics()
	if m == nil {
		return
	}
	m.FlowInitiated.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrIssuer, issuer)))
}

func (c *Client) countCallback(ctx context.Context, outcome string) {
	m := c.inst.Metrics()
	if m == nil {
		return
	}
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("oauth.callback.outcome", outcome)))
}
