package proximate

import (
	cryrand "crypto/rand"

	cristalbase64 "github.com/cristalhq/base64"
)

// DefaultNonceBytes is the entropy, in bytes, behind a Nonce() string.
// 16 bytes is 128 bits, comfortably past the point where collisions
// among request ids and receiver ids are a practical concern.
const DefaultNonceBytes = 16

// Nonce returns a fresh opaque identifier string with DefaultNonceBytes
// of randomness. Nonces name both in-flight requests and receiver
// registrations; the two namespaces are never required to be disjoint.
func Nonce() string {
	return NonceN(DefaultNonceBytes)
}

// NonceN returns a fresh opaque identifier string backed by nbytes of
// randomness. nbytes values < 1 fall back to DefaultNonceBytes.
func NonceN(nbytes int) string {
	if nbytes < 1 {
		nbytes = DefaultNonceBytes
	}
	b := make([]byte, nbytes)
	if _, err := cryrand.Read(b); err != nil {
		// crypto/rand failing means the platform entropy source is
		// broken; nothing sensible can continue.
		panic(err)
	}
	return cristalbase64.URLEncoding.EncodeToString(b)
}
