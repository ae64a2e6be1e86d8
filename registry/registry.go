// Package registry manages OAuth client identities for authorization
// servers, obtained through Dynamic Client Registration (RFC 7591) or
// supplied as pre-configured credentials. Client secrets are encrypted
// before they reach the backing store.
package registry

import (
	"bytes"
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

	"github.com/giantswarm/mcp-oauth-client/discovery"
	"github.com/giantswarm/mcp-oauth-client/instrumentation"
	"github.com/giantswarm/mcp-oauth-client/internal/util"
	"github.com/giantswarm/mcp-oauth-client/security"
	"github.com/giantswarm/mcp-oauth-client/storage"
)

var (
	// ErrDCRUnsupported indicates the authorization server advertises no
	// registration endpoint.
	ErrDCRUnsupported = errors.New("dynamic client registration not supported")

	// ErrRegistrationFailed indicates the registration endpoint rejected
	// the request.
	ErrRegistrationFailed = errors.New("client registration failed")

	// ErrInvalidRegistrationResponse indicates the server accepted the
	// request but returned an unusable document.
	ErrInvalidRegistrationResponse = errors.New("invalid client registration response")
)

// registrationRequest is the RFC 7591 §3.1 client metadata we send.
// This client only ever runs the authorization code grant with refresh
// tokens, authenticating with client_secret_basic.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	ClientName              string   `json:"client_name,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
}

// registrationResponse is the RFC 7591 §3.2 response, including the
// error fields servers return on rejection.
type registrationResponse struct {
	ClientID              string `json:"client_id"`
	ClientSecret          string `json:"client_secret,omitempty"`
	ClientIDIssuedAt      int64  `json:"client_id_issued_at,omitempty"`
	ClientSecretExpiresAt int64  `json:"client_secret_expires_at,omitempty"`

	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Registry resolves and caches OAuth client identities per
// (issuer, resource, redirect URI).
type Registry struct {
	store      storage.ClientStore
	httpClient *http.Client
	logger     *slog.Logger
	inst       *instrumentation.Instrumentation
	encryptor  *security.Encryptor
	limiter    *security.HostLimiter
}

// Option configures a Registry.
type Option func(*Registry)

// WithHTTPClient sets the HTTP client used for registration requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Registry) {
		if hc != nil {
			r.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithInstrumentation sets the OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(r *Registry) {
		if inst != nil {
			r.inst = inst
		}
	}
}

// WithEncryptor sets the encryptor applied to client secrets before
// they are stored.
func WithEncryptor(enc *security.Encryptor) Option {
	return func(r *Registry) {
		r.encryptor = enc
	}
}

// WithRateLimiter sets a per-host rate limiter applied to registration
// requests.
func WithRateLimiter(limiter *security.HostLimiter) Option {
	return func(r *Registry) {
		r.limiter = limiter
	}
}

// New creates a Registry backed by the given client store.
func New(store storage.ClientStore, opts ...Option) *Registry {
	r := &Registry{
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		inst:       instrumentation.Disabled(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// clientKey builds the exact-match store key.
func clientKey(issuer, resourceURI, redirectURI string) string {
	return util.NormalizeURL(issuer) + "|" + resourceURI + "|" + redirectURI
}

// Get looks up a registered client. It prefers an exact match on
// (issuer, resourceURI, redirectURI), then falls back to any client
// registered for the same issuer and resource, which keeps older
// registrations usable after a redirect URI change. Clients whose
// secret has expired are evicted and treated as not found.
//
// The returned record's secret is decrypted. Absent clients return
// (nil, nil).
func (r *Registry) Get(ctx context.Context, issuer, resourceURI, redirectURI string) (*storage.ClientRecord, error) {
	rec, err := r.store.GetClient(ctx, clientKey(issuer, resourceURI, redirectURI))
	if err != nil {
		return nil, fmt.Errorf("looking up client: %w", err)
	}
	if rec == nil {
		rec, err = r.findByIssuerResource(ctx, issuer, resourceURI)
		if err != nil {
			return nil, err
		}
	}
	if rec == nil {
		return nil, nil
	}

	if rec.SecretExpired(time.Now()) {
		r.logger.Info("Evicting registered client with expired secret",
			"issuer", rec.Issuer,
			"resource_uri", rec.ResourceURI,
			"client_id", rec.ClientID)
		if err := r.store.DeleteClient(ctx, clientKey(rec.Issuer, rec.ResourceURI, rec.RedirectURI)); err != nil {
			return nil, fmt.Errorf("evicting expired client: %w", err)
		}
		return nil, nil
	}

	return r.decryptSecret(rec)
}

func (r *Registry) findByIssuerResource(ctx context.Context, issuer, resourceURI string) (*storage.ClientRecord, error) {
	recs, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("scanning clients: %w", err)
	}
	norm := util.NormalizeURL(issuer)
	for _, rec := range recs {
		if util.NormalizeURL(rec.Issuer) == norm && rec.ResourceURI == resourceURI {
			return rec, nil
		}
	}
	return nil, nil
}

// Register resolves a client identity for the given authorization
// server, registering a new one through DCR when necessary.
//
// An existing client for the exact redirect URI short-circuits without
// a network call. Servers without a registration endpoint fail with
// ErrDCRUnsupported.
func (r *Registry) Register(ctx context.Context, meta *discovery.AuthServerMetadata, resourceURI, redirectURI, clientName string, scopes []string) (*storage.ClientRecord, error) {
	tracer := r.inst.Tracer("registry")
	ctx, span := tracer.Start(ctx, "registry.register")
	defer span.End()
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrIssuer, meta.Issuer),
		attribute.String(instrumentation.AttrResourceURI, resourceURI))

	existing, err := r.Get(ctx, meta.Issuer, resourceURI, redirectURI)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if existing != nil && existing.RedirectURI == redirectURI {
		instrumentation.SetSpanSuccess(span)
		return existing, nil
	}

	if !meta.SupportsDCR() {
		err := fmt.Errorf("%w: issuer %s advertises no registration endpoint", ErrDCRUnsupported, meta.Issuer)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	resp, err := r.postRegistration(ctx, meta.RegistrationEndpoint, &registrationRequest{
		RedirectURIs:            []string{redirectURI},
		TokenEndpointAuthMethod: "client_secret_basic",
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		ClientName:              clientName,
		Scope:                   strings.Join(scopes, " "),
	})
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	if resp.ClientID == "" {
		err := fmt.Errorf("%w: missing client_id", ErrInvalidRegistrationResponse)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	rec := &storage.ClientRecord{
		Issuer:       util.NormalizeURL(meta.Issuer),
		ResourceURI:  resourceURI,
		RedirectURI:  redirectURI,
		ClientID:     resp.ClientID,
		ClientSecret: resp.ClientSecret,
		RegisteredAt: time.Now(),
	}
	if resp.ClientSecretExpiresAt > 0 {
		rec.SecretExpiresAt = time.Unix(resp.ClientSecretExpiresAt, 0)
	}

	stored, err := r.encryptSecret(rec)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if err := r.store.SaveClient(ctx, clientKey(rec.Issuer, rec.ResourceURI, rec.RedirectURI), stored); err != nil {
		err = fmt.Errorf("storing registered client: %w", err)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	r.countRegistered(ctx, rec.Issuer)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, rec.ClientID))
	instrumentation.SetSpanSuccess(span)
	r.logger.Info("Registered OAuth client",
		"issuer", rec.Issuer,
		"resource_uri", rec.ResourceURI,
		"client_id", rec.ClientID,
		"secret_expires", !rec.SecretExpiresAt.IsZero())

	return rec, nil
}

// postRegistration sends the RFC 7591 request and decodes the response.
// Both 200 and 201 are accepted; some servers deviate from the RFC's
// mandated 201.
func (r *Registry) postRegistration(ctx context.Context, endpoint string, reqBody *registrationRequest) (*registrationResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("encoding registration request: %w", err)
	}

	if u, err := url.Parse(endpoint); err == nil {
		if err := r.limiter.Wait(ctx, u.Host); err != nil {
			return nil, fmt.Errorf("rate limit wait for %s: %w", u.Host, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating registration request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	r.countUpstream(ctx, endpoint, resp, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrRegistrationFailed, err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: %s", ErrRegistrationFailed, registrationErrorDetail(resp, body))
	}

	var regResp registrationResponse
	if err := json.Unmarshal(body, &regResp); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %w", ErrInvalidRegistrationResponse, err)
	}
	return &regResp, nil
}

// registrationErrorDetail extracts the most useful description of a
// rejected registration: the server's error_description or error field
// when the body is parseable JSON, else the raw body, else the status.
func registrationErrorDetail(resp *http.Response, body []byte) string {
	var regResp registrationResponse
	if err := json.Unmarshal(body, &regResp); err == nil {
		if regResp.ErrorDescription != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, regResp.ErrorDescription)
		}
		if regResp.Error != "" {
			return fmt.Sprintf("status %d: %s", resp.StatusCode, regResp.Error)
		}
	}
	if len(body) > 0 {
		return fmt.Sprintf("status %d: %s", resp.StatusCode, util.SafeTruncate(string(body), 256))
	}
	return resp.Status
}

// Store saves an externally supplied client identity, such as
// pre-configured credentials, encrypting the secret first.
func (r *Registry) Store(ctx context.Context, rec *storage.ClientRecord) error {
	if rec.ClientID == "" {
		return fmt.Errorf("%w: missing client_id", ErrInvalidRegistrationResponse)
	}
	stored, err := r.encryptSecret(rec)
	if err != nil {
		return err
	}
	return r.store.SaveClient(ctx, clientKey(rec.Issuer, rec.ResourceURI, rec.RedirectURI), stored)
}

// Remove deletes one registered client.
func (r *Registry) Remove(ctx context.Context, issuer, resourceURI, redirectURI string) error {
	return r.store.DeleteClient(ctx, clientKey(issuer, resourceURI, redirectURI))
}

// Clear deletes every registered client.
func (r *Registry) Clear(ctx context.Context) error {
	return r.store.ClearClients(ctx)
}

// All returns every registered client with its secret redacted. Meant
// for administrative listings, never for authenticating requests.
func (r *Registry) All(ctx context.Context) ([]*storage.ClientRecord, error) {
	recs, err := r.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*storage.ClientRecord, 0, len(recs))
	for _, rec := range recs {
		cp := *rec
		if cp.ClientSecret != "" {
			cp.ClientSecret = util.RedactToken(cp.ClientSecret)
		}
		out = append(out, &cp)
	}
	return out, nil
}

func (r *Registry) encryptSecret(rec *storage.ClientRecord) (*storage.ClientRecord, error) {
	if r.encryptor == nil || rec.ClientSecret == "" {
		cp := *rec
		return &cp, nil
	}
	ct, err := r.encryptor.Encrypt(rec.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("encrypting client secret: %w", err)
	}
	cp := *rec
	cp.ClientSecret = ct
	return &cp, nil
}

func (r *Registry) decryptSecret(rec *storage.ClientRecord) (*storage.ClientRecord, error) {
	if r.encryptor == nil || rec.ClientSecret == "" {
		return rec, nil
	}
	pt, err := r.encryptor.Decrypt(rec.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("decrypting client secret: %w", err)
	}
	cp := *rec
	cp.ClientSecret = pt
	return &cp, nil
}

func (r *Registry) countRegistered(ctx context.Context, issuer string) {
	m := r.inst.Metrics()
	if m == nil {
		return
	}
	m.ClientRegistered.Add(ctx, 1, metric.WithAttributes(
		attribute.String(instrumentation.AttrIssuer, issuer)))
}

func (r *Registry) countUpstream(ctx context.Context, endpoint string, resp *http.Response, err error, elapsed time.Duration) {
	m := r.inst.Metrics()
	if m == nil {
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
	m.UpstreamRequestsTotal.Add(ctx, 1, attrs)
	m.UpstreamRequestDuration.Record(ctx, elapsed.Seconds(), attrs)
}
