package security

import "time"

// ExpiresWithin reports whether the given expiry falls inside the next
// window. A zero expiry never falls inside any window: tokens without a
// recorded expiration are treated as non-expiring.
//
// The token manager uses this for both the validity buffer (a token is
// only "valid" while it has more than the buffer remaining, absorbing
// clock skew between us and the resource server) and the proactive
// refresh window.
func ExpiresWithin(expiresAt time.Time, window time.Duration) bool {
	if expiresAt.IsZero() {
		return false
	}
	return time.Now().Add(window).After(expiresAt)
}

// IsExpired reports whether the given expiry is in the past.
func IsExpired(expiresAt time.Time) bool {
	return ExpiresWithin(expiresAt, 0)
}
