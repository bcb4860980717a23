package primitives

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
)

// ErrBadKey is returned when a DER-encoded RSA public key cannot be parsed.
var ErrBadKey = errors.New("primitives: unparseable rsa public key")

// ParseRSAPublicKeyDER parses a DER-encoded RSA-PublicKey, the wire form
// spec.md §4.1 mandates for the server's signing key.
func ParseRSAPublicKeyDER(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		// Some peers wrap the key in a SubjectPublicKeyInfo envelope; accept
		// that form too rather than fail the handshake outright.
		generic, err2 := x509.ParsePKIXPublicKey(der)
		if err2 != nil {
			return nil, ErrBadKey
		}
		rsaPub, ok := generic.(*rsa.PublicKey)
		if !ok {
			return nil, ErrBadKey
		}
		return rsaPub, nil
	}
	return pub, nil
}

// RSAModulusSize returns the byte length of pub's modulus, i.e. the RSA
// signature size produced/verified under this key.
func RSAModulusSize(pub *rsa.PublicKey) int {
	return pub.Size()
}

// RSAVerifyPSSSHA256 verifies an RSASSA-PSS signature over message using
// SHA-256 as both the message hash and the MGF1 hash, with a 32-byte salt
// (spec.md §4.1).
func RSAVerifyPSSSHA256(pub *rsa.PublicKey, message []byte, signature []byte) bool {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, opts) == nil
}
