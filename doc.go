// Package oauthclient implements the client side of OAuth 2.1
// authorization for applications that call protected resources such as
// remote MCP servers.
//
// The entry point is Client, which orchestrates the full authorization
// code flow: it discovers Protected Resource Metadata (RFC 9728) and
// Authorization Server Metadata (RFC 8414), registers a client
// dynamically (RFC 7591) or uses preconfigured credentials, runs PKCE
// (RFC 7636) with the RFC 8707 resource parameter, and manages token
// storage, silent refresh, and revocation (RFC 7009).
//
// The application stays in charge of transport: it serves the redirect
// URI, sends users to the returned authorization URL, and decides when
// an upstream 401 or 403 warrants Handle401Response or
// Handle403Response. This package never performs a browser redirect
// itself.
//
// Tokens, client secrets, and pending flow state live behind the
// storage interfaces; the file backend persists them so a flow begun
// before a process restart can still complete afterwards. Secrets are
// encrypted at rest when an encryption key or installation secret is
// configured.
package oauthclient
