// Package defaults holds protocol-level constants and small derivation
// helpers, the same "no config file, just named constants" idiom as the
// teacher's internal/defaults package.
package defaults

const (
	// NonceLen is the length in bytes of the nonce carried in the server hello.
	NonceLen = 32

	// AuthKeyLen is the full HMAC-SHA256 tag length used for auth keys.
	AuthKeyLen = 32

	// EncKeyLen is the AES-128 key length used for encryption keys.
	EncKeyLen = 16

	// BlkLen is the AES block length; codec payloads are padded to a
	// multiple of this.
	BlkLen = 16

	// MasterKeyLen is the MGF1-SHA256-expanded master key length (spec.md §4.2).
	MasterKeyLen = 48

	// DefaultMaxHandshakeBytes is a ceiling for the server-hello buffer size.
	// BytesToReadForServerHello does not check against it; the size it
	// returns follows the RSA modulus size without an upper limit.
	DefaultMaxHandshakeBytes = 1 << 16

	// DefaultMaxCommandBytes is a ceiling for a single command's encoded
	// size. The codec does not check against it; the record layer's own
	// limit is the uint16 length prefix.
	DefaultMaxCommandBytes = 1 << 20
)

// CurrentProtocolVersion is the single-byte protocol version (spec.md §3).
const CurrentProtocolVersion byte = 1
