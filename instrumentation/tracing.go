package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys. These name metadata only: actual credential
// values (tokens, codes, verifiers, client secrets) must never appear
// in traces.
const (
	AttrResourceURI = "oauth.resource_uri"
	AttrIssuer      = "oauth.issuer"
	AttrClientID    = "oauth.client_id"
	AttrScope       = "oauth.scope"
	AttrPKCEMethod  = "oauth.pkce.method"
	AttrFlowID      = "oauth.flow_id"
	AttrGrantType   = "oauth.grant_type"
	AttrEndpoint    = "oauth.endpoint"
	AttrStatusCode  = "http.status_code"
	AttrError       = "oauth.error"
)

// RecordError records an error on a span with error status (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds the common per-flow attributes (nil-safe).
func AddFlowAttributes(span trace.Span, resourceURI, issuer, flowID string) {
	if resourceURI != "" {
		SetSpanAttributes(span, attribute.String(AttrResourceURI, resourceURI))
	}
	if issuer != "" {
		SetSpanAttributes(span, attribute.String(AttrIssuer, issuer))
	}
	if flowID != "" {
		SetSpanAttributes(span, attribute.String(AttrFlowID, flowID))
	}
}

// AddUpstreamAttributes adds attributes for an upstream HTTP request
// (nil-safe).
func AddUpstreamAttributes(span trace.Span, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrEndpoint, endpoint),
		attribute.Int(AttrStatusCode, statusCode),
	)
}
