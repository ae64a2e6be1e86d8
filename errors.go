package oauthclient

import (
	"errors"
	"fmt"

	"github.com/giantswarm/mcp-oauth-client/discovery"
	"github.com/giantswarm/mcp-oauth-client/registry"
	"github.com/giantswarm/mcp-oauth-client/tokens"
)

// Flow error codes as constants
const (
	ErrorCodeDiscoveryFailed       = "discovery_failed"
	ErrorCodeInvalidMetadata       = "invalid_metadata"
	ErrorCodeDcrUnsupported        = "dcr_unsupported"
	ErrorCodeDcrFailed             = "dcr_failed"
	ErrorCodeInvalidDcrResponse    = "invalid_dcr_response"
	ErrorCodeNoRefreshToken        = "no_refresh_token"
	ErrorCodeTokenExchangeFailed   = "token_exchange_failed"
	ErrorCodeTokenRefreshFailed    = "token_refresh_failed"
	ErrorCodeInvalidOrExpiredState = "invalid_or_expired_state"
	ErrorCodeRevocationFailed      = "revocation_failed"
	ErrorCodeFlowFailed            = "flow_failed"
)

// FlowError is a typed failure from an authorization flow operation.
// Code identifies which stage failed; Err carries the engine error.
type FlowError struct {
	Code        string // stable error code (e.g., "discovery_failed")
	Description string // human-readable description
	Err         error  // underlying engine error, if any
}

// Error implements the error interface
func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap exposes the underlying engine error to errors.Is/As.
func (e *FlowError) Unwrap() error {
	return e.Err
}

// NewFlowError creates a new flow error
func NewFlowError(code, description string) *FlowError {
	return &FlowError{Code: code, Description: description}
}

// wrapEngineError maps an engine error onto a FlowError, classifying it
// by the engine sentinel it wraps.
func wrapEngineError(description string, err error) *FlowError {
	return &FlowError{
		Code:        classifyEngineError(err),
		Description: description,
		Err:         err,
	}
}

func classifyEngineError(err error) string {
	switch {
	case errors.Is(err, discovery.ErrInvalidMetadata):
		return ErrorCodeInvalidMetadata
	case errors.Is(err, discovery.ErrDiscoveryFailed):
		return ErrorCodeDiscoveryFailed
	case errors.Is(err, registry.ErrDCRUnsupported):
		return ErrorCodeDcrUnsupported
	case errors.Is(err, registry.ErrInvalidRegistrationResponse):
		return ErrorCodeInvalidDcrResponse
	case errors.Is(err, registry.ErrRegistrationFailed):
		return ErrorCodeDcrFailed
	case errors.Is(err, tokens.ErrNoRefreshToken):
		return ErrorCodeNoRefreshToken
	case errors.Is(err, tokens.ErrExchangeFailed):
		return ErrorCodeTokenExchangeFailed
	case errors.Is(err, tokens.ErrRefreshFailed):
		return ErrorCodeTokenRefreshFailed
	case errors.Is(err, tokens.ErrRevocationFailed):
		return ErrorCodeRevocationFailed
	default:
		return ErrorCodeFlowFailed
	}
}
