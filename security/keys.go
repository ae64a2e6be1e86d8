package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// keyDerivationInfo binds derived keys to their purpose. Changing this
// string invalidates every previously derived key.
const keyDerivationInfo = "mcp-oauth-client token encryption v1"

// DeriveKey derives a 32-byte AES-256 key from an arbitrary-length
// per-installation secret using HKDF-SHA256. This lets callers configure
// a single stable secret (for example from their secret manager) without
// having to provision a key of exactly 32 bytes themselves.
//
// The same secret always derives the same key, so data encrypted in a
// previous process lifetime stays readable after a restart.
func DeriveKey(installationSecret []byte) ([]byte, error) {
	if len(installationSecret) == 0 {
		return nil, fmt.Errorf("installation secret must not be empty")
	}

	r := hkdf.New(sha256.New, installationSecret, nil, []byte(keyDerivationInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
