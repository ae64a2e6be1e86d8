package instrumentation

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the OAuth client.
type Metrics struct {
	// Flow metrics
	FlowInitiated     metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	CodeExchanged     metric.Int64Counter
	TokenRefreshed    metric.Int64Counter
	TokenRevoked      metric.Int64Counter
	ClientRegistered  metric.Int64Counter

	// Discovery metrics
	DiscoveryRequests  metric.Int64Counter
	DiscoveryCacheHits metric.Int64Counter

	// Upstream HTTP metrics (requests this client makes to authorization
	// servers: metadata, DCR, token, revocation endpoints)
	UpstreamRequestsTotal   metric.Int64Counter
	UpstreamRequestDuration metric.Float64Histogram

	// Storage metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageTokensCount       metric.Int64ObservableGauge
	StorageClientsCount      metric.Int64ObservableGauge
	StorageStatesCount       metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	flowMeter := inst.Meter("flow")
	discoveryMeter := inst.Meter("discovery")
	upstreamMeter := inst.Meter("upstream")
	storageMeter := inst.Meter("storage")

	var err error

	m.FlowInitiated, err = flowMeter.Int64Counter(
		"oauth.client.flow.initiated",
		metric.WithDescription("Number of authorization flows initiated"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create flow.initiated counter: %w", err)
	}

	m.CallbackProcessed, err = flowMeter.Int64Counter(
		"oauth.client.callback.processed",
		metric.WithDescription("Number of authorization callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CodeExchanged, err = flowMeter.Int64Counter(
		"oauth.client.code.exchanged",
		metric.WithDescription("Number of authorization codes exchanged for tokens"),
		metric.WithUnit("{exchange}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.exchanged counter: %w", err)
	}

	m.TokenRefreshed, err = flowMeter.Int64Counter(
		"oauth.client.token.refreshed",
		metric.WithDescription("Number of token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRevoked, err = flowMeter.Int64Counter(
		"oauth.client.token.revoked",
		metric.WithDescription("Number of token revocations"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revoked counter: %w", err)
	}

	m.ClientRegistered, err = flowMeter.Int64Counter(
		"oauth.client.registration.completed",
		metric.WithDescription("Number of dynamic client registrations performed"),
		metric.WithUnit("{registration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registration.completed counter: %w", err)
	}

	m.DiscoveryRequests, err = discoveryMeter.Int64Counter(
		"oauth.client.discovery.requests",
		metric.WithDescription("Number of metadata discovery fetches"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.requests counter: %w", err)
	}

	m.DiscoveryCacheHits, err = discoveryMeter.Int64Counter(
		"oauth.client.discovery.cache_hits",
		metric.WithDescription("Number of metadata discovery cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create discovery.cache_hits counter: %w", err)
	}

	m.UpstreamRequestsTotal, err = upstreamMeter.Int64Counter(
		"oauth.client.upstream.requests",
		metric.WithDescription("HTTP requests made to authorization servers"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.requests counter: %w", err)
	}

	m.UpstreamRequestDuration, err = upstreamMeter.Float64Histogram(
		"oauth.client.upstream.duration",
		metric.WithDescription("Duration of HTTP requests to authorization servers in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream.duration histogram: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.client.storage.operations",
		metric.WithDescription("Storage operations performed"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.client.storage.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.duration histogram: %w", err)
	}

	m.StorageTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.client.storage.tokens",
		metric.WithDescription("Number of stored token records"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.tokens gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.client.storage.clients",
		metric.WithDescription("Number of stored client registrations"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients gauge: %w", err)
	}

	m.StorageStatesCount, err = storageMeter.Int64ObservableGauge(
		"oauth.client.storage.states",
		metric.WithDescription("Number of pending authorization states"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.states gauge: %w", err)
	}

	return m, nil
}
