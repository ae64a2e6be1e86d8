// Package tokens manages the OAuth token lifecycle for protected
// resources: storage with at-rest encryption, expiry and refresh-window
// checks, authorization code exchange, refresh, and best-effort
// revocation (RFC 7009).
package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/oauth2"

	"github.com/giantswarm/mcp-oauth-client/discovery"
	"github.com/giantswarm/mcp-oauth-client/instrumentation"
	"github.com/giantswarm/mcp-oauth-client/internal/util"
	"github.com/giantswarm/mcp-oauth-client/security"
	"github.com/giantswarm/mcp-oauth-client/storage"
)

const (
	// DefaultExpiryBuffer is how long before expiry a token stops
	// counting as valid, absorbing clock skew and request latency.
	DefaultExpiryBuffer = 30 * time.Second

	// DefaultRefreshWindow is how long before expiry proactive refresh
	// kicks in.
	DefaultRefreshWindow = 5 * time.Minute

	// DefaultTokenLifetime is assumed when the server omits expires_in.
	DefaultTokenLifetime = 1 * time.Hour
)

var (
	// ErrNoRefreshToken indicates a refresh was requested but no refresh
	// token is stored; the caller must re-initiate authorization.
	ErrNoRefreshToken = errors.New("no refresh token available")

	// ErrExchangeFailed indicates the authorization code exchange was
	// rejected or returned an unusable response.
	ErrExchangeFailed = errors.New("token exchange failed")

	// ErrRefreshFailed indicates the token endpoint rejected the refresh.
	// When the rejection is a 400 or 401 the stored tokens have already
	// been deleted; the refresh token is permanently invalid.
	ErrRefreshFailed = errors.New("token refresh failed")

	// ErrRevocationFailed indicates a server-side revocation request
	// failed. Local tokens are deleted regardless, so callers may treat
	// this as non-fatal.
	ErrRevocationFailed = errors.New("token revocation failed")
)

// tokenResponse is the token endpoint's JSON response, including the
// RFC 6749 §5.2 error fields.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`

	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// ExchangeRequest carries everything the token endpoint needs for an
// authorization code exchange.
type ExchangeRequest struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
	ClientID     string
	ClientSecret string

	// ResourceURI is sent as the RFC 8707 resource parameter when set.
	ResourceURI string
}

// Manager owns the token lifecycle per canonical resource URI.
type Manager struct {
	store      storage.TokenStore
	httpClient *http.Client
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
	encryptor  *security.Encryptor
	limiter    *security.HostLimiter

	expiryBuffer  time.Duration
	refreshWindow time.Duration
	tokenLifetime time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the HTTP client used for token endpoint requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(m *Manager) {
		if hc != nil {
			m.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithInstrumentation sets the OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(m *Manager) {
		if inst != nil {
			m.inst = inst
		}
	}
}

// WithEncryptor sets the encryptor applied to tokens before they are
// stored.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(m *Manager) {
		m.encryptor = enc
	}
}

// WithRateLimiter sets a per-host rate limiter applied to token
// endpoint requests.
func WithRateLimiter(limiter *security.HostLimiter) Option {
	return func(m *Manager) {
		m.limiter = limiter
	}
}

// WithExpiryBuffer overrides the validity buffer before expiry.
func WithExpiryBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.expiryBuffer = d
		}
	}
}

// WithRefreshWindow overrides the proactive refresh window.
func WithRefreshWindow(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshWindow = d
		}
	}
}

// WithDefaultLifetime overrides the lifetime assumed when the server
// omits expires_in.
func WithDefaultLifetime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tokenLifetime = d
		}
	}
}

// NewManager creates a Manager backed by the given token store.
func NewManager(store storage.TokenStore, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        slog.Default(),
		inst:          instrumentation.Disabled(),
		expiryBuffer:  DefaultExpiryBuffer,
		refreshWindow: DefaultRefreshWindow,
		tokenLifetime: DefaultTokenLifetime,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store encrypts and persists a token pair for a resource, recording
// the issuer so refresh and revocation can re-resolve server metadata
// later.
func (m *Manager) Store(ctx context.Context, resourceURI, issuer string, tok *oauth2.Token) error {
	scope, _ := tok.Extra("scope").(string)
	rec := &storage.TokenRecord{
		ResourceURI:  resourceURI,
		Issuer:       issuer,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		Scope:        scope,
	}
	enc, err := m.encryptRecord(rec)
	if err != nil {
		return err
	}
	if err := m.store.SaveTokens(ctx, resourceURI, enc); err != nil {
		return fmt.Errorf("storing tokens: %w", err)
	}
	m.logger.Debug("Stored tokens",
		"resource_uri", resourceURI,
		"issuer", issuer,
		"access_token", util.RedactToken(tok.AccessToken),
		"has_refresh_token", tok.RefreshToken != "",
		"expires_at", tok.Expiry)
	return nil
}

// Get returns the decrypted token record for a resource, or (nil, nil)
// when none is stored.
func (m *Manager) Get(ctx context.Context, resourceURI string) (*storage.TokenRecord, error) {
	rec, err := m.store.GetTokens(ctx, resourceURI)
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return m.decryptRecord(rec)
}

// HasValid reports whether stored tokens exist and the access token is
// good for more than the expiry buffer.
func (m *Manager) HasValid(ctx context.Context, resourceURI string) (bool, error) {
	rec, err := m.store.GetTokens(ctx, resourceURI)
	if err != nil {
		return false, fmt.Errorf("loading tokens: %w", err)
	}
	if rec == nil || rec.AccessToken == "" {
		return false, nil
	}
	return !security.ExpiresWithin(rec.ExpiresAt, m.expiryBuffer), nil
}

// NeedsRefresh reports whether stored tokens exist and expire within
// the proactive refresh window.
func (m *Manager) NeedsRefresh(ctx context.Context, resourceURI string) (bool, error) {
	rec, err := m.store.GetTokens(ctx, resourceURI)
	if err != nil {
		return false, fmt.Errorf("loading tokens: %w", err)
	}
	if rec == nil {
		return false, nil
	}
	return security.ExpiresWithin(rec.ExpiresAt, m.refreshWindow), nil
}

// ExchangeCode redeems an authorization code at the token endpoint.
// The returned token is not stored; callers decide the resource key.
//
// When a client secret is present the request authenticates with HTTP
// Basic and omits client_id from the body, per RFC 6749 §2.3.1.
func (m *Manager) ExchangeCode(ctx context.Context, meta *discovery.AuthServerMetadata, req ExchangeRequest) (*oauth2.Token, error) {
	tracer := m.inst.Tracer("tokens")
	ctx, span := tracer.Start(ctx, "tokens.exchange_code")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "authorization_code"),
		attribute.String(instrumentation.AttrIssuer, meta.Issuer))

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", req.Code)
	form.Set("redirect_uri", req.RedirectURI)
	form.Set("code_verifier", req.CodeVerifier)
	if req.ResourceURI != "" {
		form.Set("resource", req.ResourceURI)
	}

	body, status, err := m.postForm(ctx, meta.TokenEndpoint, form, req.ClientID, req.ClientSecret)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrExchangeFailed, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if status != http.StatusOK {
		err = fmt.Errorf("%w: %s", ErrExchangeFailed, tokenErrorDetail(status, body))
		instrumentation.RecordError(span, err)
		return nil, err
	}

	tok, err := m.parseToken(body)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrExchangeFailed, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	m.count(ctx, m.inst.Metrics().CodeExchanged, meta.Issuer)
	instrumentation.SetSpanSuccess(span)
	m.logger.Debug("Exchanged authorization code",
		"issuer", meta.Issuer,
		"access_token", util.RedactToken(tok.AccessToken),
		"expires_at", tok.Expiry)
	return tok, nil
}

// Refresh redeems the stored refresh token for a new token pair and
// persists the result.
//
// A 400 or 401 from the token endpoint means the refresh token is
// permanently invalid: the stored tokens are deleted before the error
// surfaces, and the caller must re-initiate a full authorization flow.
func (m *Manager) Refresh(ctx context.Context, meta *discovery.AuthServerMetadata, resourceURI, clientID, clientSecret string) (*oauth2.Token, error) {
	tracer := m.inst.Tracer("tokens")
	ctx, span := tracer.Start(ctx, "tokens.refresh")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrGrantType, "refresh_token"),
		attribute.String(instrumentation.AttrResourceURI, resourceURI))

	rec, err := m.Get(ctx, resourceURI)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if rec == nil || rec.RefreshToken == "" {
		err := fmt.Errorf("%w: resource %s", ErrNoRefreshToken, resourceURI)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken)
	if resourceURI != "" {
		form.Set("resource", resourceURI)
	}

	body, status, err := m.postForm(ctx, meta.TokenEndpoint, form, clientID, clientSecret)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if status != http.StatusOK {
		if status == http.StatusBadRequest || status == http.StatusUnauthorized {
			// The server rejected the refresh token outright. Keeping it
			// would just repeat the failure on every retry.
			if delErr := m.store.DeleteTokens(ctx, resourceURI); delErr != nil {
				m.logger.Error("Failed to delete tokens after rejected refresh",
					"resource_uri", resourceURI, "error", delErr)
			}
			m.logger.Info("Refresh token rejected, stored tokens deleted",
				"resource_uri", resourceURI, "status", status)
		}
		err = fmt.Errorf("%w: %s", ErrRefreshFailed, tokenErrorDetail(status, body))
		instrumentation.RecordError(span, err)
		return nil, err
	}

	tok, err := m.parseToken(body)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		instrumentation.RecordError(span, err)
		return nil, err
	}
	// Servers that do not rotate refresh tokens omit them from the
	// response; keep the one we have.
	if tok.RefreshToken == "" {
		tok.RefreshToken = rec.RefreshToken
	}

	if err := m.Store(ctx, resourceURI, rec.Issuer, tok); err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	m.count(ctx, m.inst.Metrics().TokenRefreshed, meta.Issuer)
	instrumentation.SetSpanSuccess(span)
	m.logger.Debug("Refreshed tokens",
		"resource_uri", resourceURI,
		"issuer", rec.Issuer,
		"expires_at", tok.Expiry)
	return tok, nil
}

// ValidAccessToken returns a usable access token for the resource,
// refreshing silently when the stored one is stale. An empty string
// with a nil error means authorization is required; that is a normal
// outcome, not a failure.
func (m *Manager) ValidAccessToken(ctx context.Context, meta *discovery.AuthServerMetadata, resourceURI, clientID, clientSecret string) (string, error) {
	rec, err := m.Get(ctx, resourceURI)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", nil
	}
	if rec.AccessToken != "" && !security.ExpiresWithin(rec.ExpiresAt, m.expiryBuffer) {
		return rec.AccessToken, nil
	}
	if rec.RefreshToken == "" || meta == nil {
		return "", nil
	}

	tok, err := m.Refresh(ctx, meta, resourceURI, clientID, clientSecret)
	if err != nil {
		m.logger.Debug("Silent refresh failed, authorization required",
			"resource_uri", resourceURI, "error", err)
		return "", nil
	}
	return tok.AccessToken, nil
}

// Revoke best-effort revokes the stored access and refresh tokens at
// the server (RFC 7009) and always deletes them locally. A server-side
// failure is reported as ErrRevocationFailed after local cleanup, so
// callers may treat it as non-fatal.
func (m *Manager) Revoke(ctx context.Context, meta *discovery.AuthServerMetadata, resourceURI, clientID, clientSecret string) error {
	tracer := m.inst.Tracer("tokens")
	ctx, span := tracer.Start(ctx, "tokens.revoke")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrResourceURI, resourceURI))

	rec, err := m.Get(ctx, resourceURI)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}
	if rec == nil {
		instrumentation.SetSpanSuccess(span)
		return nil
	}

	var revokeErr error
	if meta != nil && meta.RevocationEndpoint != "" {
		for hint, token := range map[string]string{
			"access_token":  rec.AccessToken,
			"refresh_token": rec.RefreshToken,
		} {
			if token == "" {
				continue
			}
			if err := m.postRevocation(ctx, meta.RevocationEndpoint, token, hint, clientID, clientSecret); err != nil {
				m.logger.Warn("Server-side token revocation failed",
					"resource_uri", resourceURI, "token_type_hint", hint, "error", err)
				revokeErr = err
			}
		}
	}

	if err := m.store.DeleteTokens(ctx, resourceURI); err != nil {
		err = fmt.Errorf("deleting local tokens: %w", err)
		instrumentation.RecordError(span, err)
		return err
	}

	m.count(ctx, m.inst.Metrics().TokenRevoked, rec.Issuer)
	if revokeErr != nil {
		err := fmt.Errorf("%w: %w", ErrRevocationFailed, revokeErr)
		instrumentation.RecordError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	m.logger.Info("Revoked tokens", "resource_uri", resourceURI)
	return nil
}

// Delete removes stored tokens for a resource without contacting the
// server.
func (m *Manager) Delete(ctx context.Context, resourceURI string) error {
	return m.store.DeleteTokens(ctx, resourceURI)
}

// Clear removes all stored tokens.
func (m *Manager) Clear(ctx context.Context) error {
	resources, err := m.store.ListTokenResources(ctx)
	if err != nil {
		return fmt.Errorf("listing token resources: %w", err)
	}
	for _, resourceURI := range resources {
		if err := m.store.DeleteTokens(ctx, resourceURI); err != nil {
			return fmt.Errorf("deleting tokens for %s: %w", resourceURI, err)
		}
	}
	return nil
}

// postForm sends a form-encoded POST to the token endpoint, applying
// the client authentication rule: Basic auth when a secret is present,
// client_id in the body otherwise.
func (m *Manager) postForm(ctx context.Context, endpoint string, form url.Values, clientID, clientSecret string) ([]byte, int, error) {
	if clientSecret == "" && clientID != "" {
		form.Set("client_id", clientID)
	}

	if u, err := url.Parse(endpoint); err == nil {
		if err := m.limiter.Wait(ctx, u.Host); err != nil {
			return nil, 0, fmt.Errorf("rate limit wait for %s: %w", u.Host, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if clientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret))
	}

	start := time.Now()
	resp, err := m.httpClient.Do(req)
	m.countUpstream(ctx, endpoint, resp, err, time.Since(start))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading token response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func (m *Manager) postRevocation(ctx context.Context, endpoint, token, hint, clientID, clientSecret string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", hint)

	body, status, err := m.postForm(ctx, endpoint, form, clientID, clientSecret)
	if err != nil {
		return err
	}
	// RFC 7009 §2.2: 200 means revoked or already invalid.
	if status != http.StatusOK {
		return fmt.Errorf("revocation endpoint returned %s", tokenErrorDetail(status, body))
	}
	return nil
}

// parseToken decodes a successful token response, applying the Bearer
// and default-lifetime fallbacks.
func (m *Manager) parseToken(body []byte) (*oauth2.Token, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response missing access_token")
	}

	tokenType := tr.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	lifetime := m.tokenLifetime
	if tr.ExpiresIn > 0 {
		lifetime = time.Duration(tr.ExpiresIn) * time.Second
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tokenType,
		RefreshToken: tr.RefreshToken,
		Expiry:       time.Now().Add(lifetime),
	}
	return tok.WithExtra(map[string]any{"scope": tr.Scope}), nil
}

// tokenErrorDetail renders a token endpoint failure, preferring the
// server's RFC 6749 error fields over the raw body.
func tokenErrorDetail(status int, body []byte) string {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err == nil {
		if tr.ErrorDescription != "" {
			return fmt.Sprintf("status %d: %s", status, tr.ErrorDescription)
		}
		if tr.Error != "" {
			return fmt.Sprintf("status %d: %s", status, tr.Error)
		}
	}
	if len(body) > 0 {
		return fmt.Sprintf("status %d: %s", status, util.SafeTruncate(string(body), 256))
	}
	return fmt.Sprintf("status %d", status)
}

func (m *Manager) count(ctx context.Context, counter metric.Int64Counter, issuer string) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrIssuer, issuer)))
}

func (m *Manager) countUpstream(ctx context.Context, endpoint string, resp *http.Response, err error, elapsed time.Duration) {
	mm := m.inst.Metrics()
	if mm == nil {
		return
	}
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrEndpoint, endpoint),
		attribute.Int(instrumentation.AttrStatusCode, status),
		attribute.Bool("error", err != nil),
	)
	mm.UpstreamRequestsTotal.Add(ctx, 1, attrs)
	mm.UpstreamRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Manager) encryptRecord(rec *storage.TokenRecord) (*storage.TokenRecord, error) {
	if m.encryptor == nil {
		cp := *rec
		return &cp, nil
	}
	cp := *rec
	var err error
	if cp.AccessToken != "" {
		if cp.AccessToken, err = m.encryptor.Encrypt(cp.AccessToken); err != nil {
			return nil, fmt.Errorf("encrypting access token: %w", err)
		}
	}
	if cp.RefreshToken != "" {
		if cp.RefreshToken, err = m.encryptor.Encrypt(cp.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypting refresh token: %w", err)
		}
	}
	return &cp, nil
}

func (m *Manager) decryptRecord(rec *storage.TokenRecord) (*storage.TokenRecord, error) {
	if m.encryptor == nil {
		return rec, nil
	}
	cp := *rec
	var err error
	if cp.AccessToken != "" {
		if cp.AccessToken, err = m.encryptor.Decrypt(cp.AccessToken); err != nil {
			return nil, fmt.Errorf("decrypting access token: %w", err)
		}
	}
	if cp.RefreshToken != "" {
		if cp.RefreshToken, err = m.encryptor.Decrypt(cp.RefreshToken); err != nil {
			return nil, fmt.Errorf("decrypting refresh token: %w", err)
		}
	}
	return &cp, nil
}
