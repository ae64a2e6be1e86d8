// Package pkce implements Proof Key for Code Exchange (RFC 7636):
// verifier/challenge generation, challenge-method negotiation, and CSRF
// state generation. All functions are pure apart from reading crypto/rand.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// Method is a PKCE code challenge method.
type Method string

const (
	// MethodS256 is base64url(SHA-256(verifier)), the OAuth 2.1 default.
	MethodS256 Method = "S256"

	// MethodPlain sends the verifier as the challenge. Only used when a
	// server does not advertise S256.
	MethodPlain Method = "plain"
)

// Verifier length bounds from RFC 7636 §4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128

	// DefaultVerifierLength is used when callers have no preference.
	DefaultVerifierLength = 64

	// DefaultStateLength is the number of random bytes behind a state
	// token (hex-encoded, so the string is twice as long).
	DefaultStateLength = 32
)

// unreservedChars is the RFC 3986 unreserved set RFC 7636 allows in a
// code verifier.
const unreservedChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// ErrInvalidParameter reports a verifier length outside [43,128].
type ErrInvalidParameter struct {
	Length int
}

func (e *ErrInvalidParameter) Error() string {
	return fmt.Sprintf("code verifier length must be between %d and %d, got %d",
		MinVerifierLength, MaxVerifierLength, e.Length)
}

// ErrUnsupportedMethod reports an unknown code challenge method.
type ErrUnsupportedMethod struct {
	Method string
}

func (e *ErrUnsupportedMethod) Error() string {
	return fmt.Sprintf("unsupported code challenge method %q", e.Method)
}

// GenerateCodeVerifier produces a random code verifier of the given
// length drawn from the RFC 7636 unreserved character set. Lengths
// outside [43,128] fail with *ErrInvalidParameter.
func GenerateCodeVerifier(length int) (string, error) {
	if length < MinVerifierLength || length > MaxVerifierLength {
		return "", &ErrInvalidParameter{Length: length}
	}

	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	verifier := make([]byte, length)
	for i, b := range raw {
		verifier[i] = unreservedChars[int(b)%len(unreservedChars)]
	}
	return string(verifier), nil
}

// GenerateCodeChallenge computes the code challenge for a verifier.
// S256 produces unpadded base64url of the SHA-256 digest; plain returns
// the verifier unchanged. Any other method fails with
// *ErrUnsupportedMethod.
func GenerateCodeChallenge(verifier string, method Method) (string, error) {
	switch method {
	case MethodS256:
		sum := sha256.Sum256([]byte(verifier))
		return base64.RawURLEncoding.EncodeToString(sum[:]), nil
	case MethodPlain:
		return verifier, nil
	default:
		return "", &ErrUnsupportedMethod{Method: string(method)}
	}
}

// SelectMethod picks the strongest challenge method a server supports.
// S256 is preferred; plain is a fallback the caller should log a warning
// for. An empty advertisement defaults optimistically to S256, since
// OAuth 2.1 requires servers to support PKCE. When methods are
// advertised but neither S256 nor plain is among them, ok is false.
func SelectMethod(serverSupported []string) (method Method, ok bool) {
	if len(serverSupported) == 0 {
		return MethodS256, true
	}
	for _, m := range serverSupported {
		if m == string(MethodS256) {
			return MethodS256, true
		}
	}
	for _, m := range serverSupported {
		if m == string(MethodPlain) {
			return MethodPlain, true
		}
	}
	return "", false
}

// GenerateState produces a cryptographically random hex string from
// length random bytes, for CSRF protection of the authorization flow.
func GenerateState(length int) (string, error) {
	if length <= 0 {
		length = DefaultStateLength
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// VerifyCodeChallenge recomputes the challenge from the verifier and
// compares in constant time. This exists for tests and local sanity
// checks; the authorization server is the party that actually verifies
// PKCE in production.
func VerifyCodeChallenge(verifier, challenge string, method Method) (bool, error) {
	computed, err := GenerateCodeChallenge(verifier, method)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1, nil
}
