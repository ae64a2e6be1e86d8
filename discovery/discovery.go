// Package discovery resolves OAuth metadata from well-known endpoints.
//
// It implements Protected Resource Metadata discovery (RFC 9728) and
// Authorization Server Metadata discovery (RFC 8414 / OIDC discovery),
// with a TTL cache and deduplication of concurrent fetches for the
// same document.
package discovery

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
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-oauth-client/instrumentation"
	"github.com/giantswarm/mcp-oauth-client/internal/util"
	"github.com/giantswarm/mcp-oauth-client/security"
)

const (
	wellKnownProtectedResource = "/.well-known/oauth-protected-resource"
	wellKnownAuthServer        = "/.well-known/oauth-authorization-server"
	wellKnownOIDC              = "/.well-known/openid-configuration"

	// DefaultCacheTTL bounds how long discovered metadata is reused
	// before it is re-fetched.
	DefaultCacheTTL = 1 * time.Hour

	// maxMetadataBytes caps how much of a metadata response is read.
	// Well-known documents are small; anything larger is hostile or broken.
	maxMetadataBytes = 1 << 20
)

var (
	// ErrDiscoveryFailed indicates that no well-known URL returned
	// usable metadata.
	ErrDiscoveryFailed = errors.New("discovery failed")

	// ErrInvalidMetadata indicates a metadata document was retrieved
	// but is structurally incomplete.
	ErrInvalidMetadata = errors.New("invalid metadata")
)

type cacheEntry[T any] struct {
	value     *T
	fetchedAt time.Time
}

// Client discovers and caches OAuth metadata documents.
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	inst         *instrumentation.Instrumentation
	limiter      *security.HostLimiter
	cacheTTL     time.Duration
	strictIssuer bool

	mu            sync.RWMutex
	resourceCache map[string]*cacheEntry[ProtectedResourceMetadata]
	serverCache   map[string]*cacheEntry[AuthServerMetadata]

	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for metadata fetches.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithInstrumentation sets the OpenTelemetry instrumentation.
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(c *Client) {
		if inst != nil {
			c.inst = inst
		}
	}
}

// WithRateLimiter sets a per-host rate limiter applied to outbound
// metadata fetches.
func WithRateLimiter(limiter *security.HostLimiter) Option {
	return func(c *Client) {
		c.limiter = limiter
	}
}

// WithCacheTTL overrides the metadata cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithStrictIssuer makes authorization server discovery reject metadata
// whose issuer field does not match the requested issuer, per RFC 8414.
// The default tolerates the mismatch because some providers serve
// metadata under a custom domain whose internal issuer differs from the
// discovery URL.
func WithStrictIssuer(strict bool) Option {
	return func(c *Client) {
		c.strictIssuer = strict
	}
}

// NewClient creates a metadata discovery client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		logger:        slog.Default(),
		inst:          instrumentation.Disabled(),
		cacheTTL:      DefaultCacheTTL,
		resourceCache: make(map[string]*cacheEntry[ProtectedResourceMetadata]),
		serverCache:   make(map[string]*cacheEntry[AuthServerMetadata]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ProtectedResource resolves RFC 9728 metadata for resourceURL.
//
// When overrideURL is non-empty (typically taken from a
// WWW-Authenticate challenge's resource_metadata parameter), only that
// URL is tried. Otherwise the path-inserted well-known URL is tried
// first, then the origin-root well-known URL.
func (c *Client) ProtectedResource(ctx context.Context, resourceURL, overrideURL string) (*ProtectedResourceMetadata, error) {
	candidates, err := protectedResourceCandidates(resourceURL, overrideURL)
	if err != nil {
		return nil, err
	}

	for _, u := range candidates {
		if meta, ok := lookupCache(c, c.resourceCache, u); ok {
			c.countDiscovery(ctx, "protected_resource", true)
			return meta, nil
		}
	}
	c.countDiscovery(ctx, "protected_resource", false)

	v, err, _ := c.group.Do("prm:"+candidates[0], func() (any, error) {
		// Another caller may have completed the fetch while we waited.
		for _, u := range candidates {
			if meta, ok := lookupCache(c, c.resourceCache, u); ok {
				return meta, nil
			}
		}
		return c.fetchProtectedResource(ctx, candidates)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ProtectedResourceMetadata), nil
}

func (c *Client) fetchProtectedResource(ctx context.Context, candidates []string) (*ProtectedResourceMetadata, error) {
	tracer := c.inst.Tracer("discovery")
	ctx, span := tracer.Start(ctx, "discovery.protected_resource")
	defer span.End()

	var lastErr error
	for _, u := range candidates {
		var meta ProtectedResourceMetadata
		if err := c.fetchJSON(ctx, u, &meta); err != nil {
			lastErr = err
			continue
		}
		if meta.Resource == "" || len(meta.AuthorizationServers) == 0 {
			err := fmt.Errorf("%w: document at %s is missing resource or authorization_servers", ErrInvalidMetadata, u)
			instrumentation.RecordError(span, err)
			return nil, err
		}
		storeCache(c, c.resourceCache, u, &meta)
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrResourceURI, meta.Resource))
		instrumentation.SetSpanSuccess(span)
		c.logger.Debug("Discovered protected resource metadata",
			"url", u,
			"resource", meta.Resource,
			"authorization_servers", len(meta.AuthorizationServers))
		return &meta, nil
	}

	err := fmt.Errorf("%w: no protected resource metadata at %s: %w",
		ErrDiscoveryFailed, strings.Join(candidates, ", "), lastErr)
	instrumentation.RecordError(span, err)
	return nil, err
}

// AuthServer resolves RFC 8414 metadata for the given issuer, falling
// back through the OIDC discovery variants.
//
// If every candidate document carries a mismatched issuer, the first
// structurally valid one is accepted and the mismatch logged, unless
// WithStrictIssuer was set.
func (c *Client) AuthServer(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	key := util.NormalizeURL(issuer)
	if key == "" {
		return nil, fmt.Errorf("%w: empty issuer", ErrDiscoveryFailed)
	}

	if meta, ok := lookupCache(c, c.serverCache, key); ok {
		c.countDiscovery(ctx, "auth_server", true)
		return meta, nil
	}
	c.countDiscovery(ctx, "auth_server", false)

	v, err, _ := c.group.Do("as:"+key, func() (any, error) {
		if meta, ok := lookupCache(c, c.serverCache, key); ok {
			return meta, nil
		}
		return c.fetchAuthServer(ctx, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AuthServerMetadata), nil
}

func (c *Client) fetchAuthServer(ctx context.Context, issuer string) (*AuthServerMetadata, error) {
	tracer := c.inst.Tracer("discovery")
	ctx, span := tracer.Start(ctx, "discovery.auth_server")
	defer span.End()
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrIssuer, issuer))

	candidates, err := authServerCandidates(issuer)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}

	var (
		fallback    *AuthServerMetadata
		fallbackURL string
		lastErr     error
	)
	for _, u := range candidates {
		var meta AuthServerMetadata
		if err := c.fetchJSON(ctx, u, &meta); err != nil {
			lastErr = err
			continue
		}
		if !meta.valid() {
			lastErr = fmt.Errorf("%w: document at %s is missing issuer or endpoints", ErrInvalidMetadata, u)
			continue
		}
		if util.NormalizeURL(meta.Issuer) == issuer {
			storeCache(c, c.serverCache, issuer, &meta)
			instrumentation.SetSpanSuccess(span)
			c.logger.Debug("Discovered authorization server metadata",
				"issuer", issuer,
				"url", u,
				"supports_dcr", meta.SupportsDCR())
			return &meta, nil
		}
		if fallback == nil {
			fallback = &meta
			fallbackURL = u
		}
	}

	if fallback != nil {
		if c.strictIssuer {
			err := fmt.Errorf("%w: metadata issuer %q does not match requested issuer %q",
				ErrDiscoveryFailed, fallback.Issuer, issuer)
			instrumentation.RecordError(span, err)
			return nil, err
		}
		c.logger.Warn("Accepting authorization server metadata with mismatched issuer",
			"requested_issuer", issuer,
			"metadata_issuer", fallback.Issuer,
			"url", fallbackURL)
		storeCache(c, c.serverCache, issuer, fallback)
		instrumentation.SetSpanSuccess(span)
		return fallback, nil
	}

	err = fmt.Errorf("%w: no authorization server metadata for issuer %s", ErrDiscoveryFailed, issuer)
	if lastErr != nil {
		err = fmt.Errorf("%w: %w", err, lastErr)
	}
	instrumentation.RecordError(span, err)
	return nil, err
}

// ClearCache drops all cached metadata. The next discovery call for
// any document re-fetches it.
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.resourceCache)
	clear(c.serverCache)
}

// fetchJSON performs a rate-limited GET and decodes the JSON body.
func (c *Client) fetchJSON(ctx context.Context, rawURL string, out any) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid metadata URL %q: %w", rawURL, err)
	}
	if err := c.limiter.Wait(ctx, u.Host); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", u.Host, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	c.countUpstream(ctx, rawURL, resp, err, time.Since(start))
	if err != nil {
		return fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxMetadataBytes)
	if err := json.NewDecoder(body).Decode(out); err != nil {
		return fmt.Errorf("%w: parsing document at %s: %w", ErrInvalidMetadata, rawURL, err)
	}
	return nil
}

func (c *Client) countDiscovery(ctx context.Context, kind string, cacheHit bool) {
	m := c.inst.Metrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("discovery.kind", kind))
	m.DiscoveryRequests.Add(ctx, 1, attrs)
	if cacheHit {
		m.DiscoveryCacheHits.Add(ctx, 1, attrs)
	}
}

func (c *Client) countUpstream(ctx context.Context, endpoint string, resp *http.Response, err error, elapsed time.Duration) {
	m := c.inst.Metrics()
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

// protectedResourceCandidates builds the well-known URLs to try for a
// resource, in order.
func protectedResourceCandidates(resourceURL, overrideURL string) ([]string, error) {
	if overrideURL != "" {
		return []string{overrideURL}, nil
	}
	u, err := url.Parse(resourceURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid resource URL %q", ErrDiscoveryFailed, resourceURL)
	}
	origin := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.Path, "/")
	if path != "" {
		return []string{
			origin + wellKnownProtectedResource + path,
			origin + wellKnownProtectedResource,
		}, nil
	}
	return []string{origin + wellKnownProtectedResource}, nil
}

// authServerCandidates builds the well-known URLs to try for an issuer,
// in order. Issuers with a path component get the RFC 8414
// path-inserted forms first, then the OIDC path-appended form some
// providers use instead.
func authServerCandidates(issuer string) ([]string, error) {
	u, err := url.Parse(issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid issuer %q", ErrDiscoveryFailed, issuer)
	}
	origin := u.Scheme + "://" + u.Host
	path := strings.TrimSuffix(u.Path, "/")
	if path != "" {
		return []string{
			origin + wellKnownAuthServer + path,
			origin + wellKnownOIDC + path,
			origin + path + wellKnownOIDC,
		}, nil
	}
	return []string{
		origin + wellKnownAuthServer,
		origin + wellKnownOIDC,
	}, nil
}

func lookupCache[T any](c *Client, cache map[string]*cacheEntry[T], key string) (*T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := cache[key]
	if !ok || time.Since(entry.fetchedAt) >= c.cacheTTL {
		return nil, false
	}
	return entry.value, true
}

func storeCache[T any](c *Client, cache map[string]*cacheEntry[T], key string, value *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cache[key] = &cacheEntry[T]{value: value, fetchedAt: time.Now()}
}
