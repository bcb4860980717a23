// Package primitives is the thin cryptographic binding layer of the
// protocol engine (spec.md §4.1 CryptoPrimitives): SHA-256, HMAC-SHA256,
// AES-128-CTR with a little-endian counter, a classic Diffie-Hellman
// group, and RSA-PSS/SHA-256 verification. Each primitive is a small,
// typed wrapper, the same shape as the teacher's
// crypto/e2ee.GenerateEphemeralKeypair/ParsePublicKey/NewAESGCM helpers.
package primitives

import (
	"crypto/hmac"
	"crypto/sha256"
)

// SHA256 returns the 32-byte SHA-256 digest of data.
func SHA256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// HMACSHA256 returns the 32-byte HMAC-SHA256 tag of message under key.
func HMACSHA256(key []byte, message []byte) [32]byte {
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(message)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
