package discovery

// ProtectedResourceMetadata represents OAuth 2.0 Protected Resource
// Metadata (RFC 9728).
type ProtectedResourceMetadata struct {
	// Resource is the identifier for the protected resource.
	Resource string `json:"resource"`

	// AuthorizationServers lists the authorization servers that can issue
	// tokens for this resource.
	AuthorizationServers []string `json:"authorization_servers"`

	// BearerMethodsSupported lists the ways Bearer tokens can be sent (RFC 6750).
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`

	// ScopesSupported lists the scopes understood by this resource.
	ScopesSupported []string `json:"scopes_supported,omitempty"`
}

// AuthServerMetadata represents OAuth 2.0 Authorization Server Metadata
// (RFC 8414). OIDC discovery documents are a superset, so both
// well-known variants decode into this type.
type AuthServerMetadata struct {
	// Issuer is the authorization server's issuer identifier URL.
	Issuer string `json:"issuer"`

	// AuthorizationEndpoint is the URL of the authorization endpoint.
	AuthorizationEndpoint string `json:"authorization_endpoint"`

	// TokenEndpoint is the URL of the token endpoint.
	TokenEndpoint string `json:"token_endpoint"`

	// RegistrationEndpoint is the Dynamic Client Registration endpoint
	// (RFC 7591), when the server supports DCR.
	RegistrationEndpoint string `json:"registration_endpoint,omitempty"`

	// RevocationEndpoint is the token revocation endpoint (RFC 7009).
	RevocationEndpoint string `json:"revocation_endpoint,omitempty"`

	// ScopesSupported lists the OAuth scopes supported.
	ScopesSupported []string `json:"scopes_supported,omitempty"`

	// ResponseTypesSupported lists the OAuth response types supported.
	ResponseTypesSupported []string `json:"response_types_supported,omitempty"`

	// GrantTypesSupported lists the OAuth grant types supported.
	GrantTypesSupported []string `json:"grant_types_supported,omitempty"`

	// TokenEndpointAuthMethodsSupported lists the client authentication
	// methods supported at the token endpoint.
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported,omitempty"`

	// CodeChallengeMethodsSupported lists the PKCE code challenge methods
	// supported.
	CodeChallengeMethodsSupported []string `json:"code_challenge_methods_supported,omitempty"`
}

// SupportsPKCE reports whether the server advertises a PKCE method this
// client can use (S256 or plain). Servers that advertise nothing still
// get PKCE parameters sent; OAuth 2.1 requires servers to support it.
func (m *AuthServerMetadata) SupportsPKCE() bool {
	for _, method := range m.CodeChallengeMethodsSupported {
		if method == "S256" || method == "plain" {
			return true
		}
	}
	return false
}

// SupportsDCR reports whether the server advertises a Dynamic Client
// Registration endpoint.
func (m *AuthServerMetadata) SupportsDCR() bool {
	return m.RegistrationEndpoint != ""
}

// valid reports whether the document carries the endpoints this client
// cannot work without.
func (m *AuthServerMetadata) valid() bool {
	return m.Issuer != "" && m.AuthorizationEndpoint != "" && m.TokenEndpoint != ""
}
