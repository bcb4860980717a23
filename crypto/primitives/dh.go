package primitives

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// ErrUnknownDHGroup is returned when a DHGroupID has no registered group.
var ErrUnknownDHGroup = errors.New("unknown dh group")

// DHGroupID identifies a registered Diffie-Hellman group, shared out of
// band with the peer (spec.md §3: "DHGroupID: implementation-defined,
// shared with peer").
type DHGroupID uint8

const (
	// DHGroup5 is the IETF RFC 3526 1536-bit MODP group.
	DHGroup5 DHGroupID = 5
	// DHGroup14 is the IETF RFC 3526 2048-bit MODP group.
	DHGroup14 DHGroupID = 14
)

// DHGroup is a finite cyclic group used for Diffie-Hellman key agreement:
// a prime modulus and generator.
type DHGroup struct {
	ID        DHGroupID
	P         *big.Int
	G         *big.Int
	PubKeyLen int // DHPubKeyLen: fixed group-public-key byte length.
}

var dhGroups = map[DHGroupID]*DHGroup{}

func registerDHGroup(id DHGroupID, pHex string, g int64, pubKeyLen int) {
	p, ok := new(big.Int).SetString(pHex, 16)
	if !ok {
		panic("primitives: invalid dh group modulus")
	}
	dhGroups[id] = &DHGroup{ID: id, P: p, G: big.NewInt(g), PubKeyLen: pubKeyLen}
}

func init() {
	// RFC 3526 Group 5 (1536-bit MODP), generator 2.
	registerDHGroup(DHGroup5, rfc3526Group5Hex, 2, 192)
	// RFC 3526 Group 14 (2048-bit MODP), generator 2.
	registerDHGroup(DHGroup14, rfc3526Group14Hex, 2, 256)
}

// LookupDHGroup returns the registered group for id, or ErrUnknownDHGroup.
func LookupDHGroup(id DHGroupID) (*DHGroup, error) {
	g, ok := dhGroups[id]
	if !ok {
		return nil, ErrUnknownDHGroup
	}
	return g, nil
}

// DHGenerate generates a fresh private/public keypair in the group. priv is
// a uniformly random exponent in [2, P-2]; pub is g^priv mod P, returned as
// an unsigned big-endian byte string, unpadded (spec.md §4.1).
func DHGenerate(group *DHGroup) (priv *big.Int, pub []byte, err error) {
	max := new(big.Int).Sub(group.P, big.NewInt(3)) // upper bound for [2, P-2]
	k, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, nil, err
	}
	priv = k.Add(k, big.NewInt(2))
	pubInt := new(big.Int).Exp(group.G, priv, group.P)
	return priv, pubInt.Bytes(), nil
}

// DHComputeSecret computes the shared secret g^(priv*peerExp) mod P given
// this side's private exponent and the peer's public key bytes. The
// result is an unsigned big-endian big-integer byte string, unpadded.
func DHComputeSecret(group *DHGroup, priv *big.Int, peerPub []byte) ([]byte, error) {
	peer := new(big.Int).SetBytes(peerPub)
	if peer.Sign() <= 0 || peer.Cmp(group.P) >= 0 {
		return nil, errors.New("primitives: peer public key out of range")
	}
	secret := new(big.Int).Exp(peer, priv, group.P)
	return secret.Bytes(), nil
}

// LeftZeroPad returns b left-zero-padded to exactly n bytes. b must not be
// longer than n (spec.md §3's DH public key wire-length invariant).
func LeftZeroPad(b []byte, n int) ([]byte, error) {
	if len(b) > n {
		return nil, errors.New("primitives: value longer than target length")
	}
	if len(b) == n {
		return b, nil
	}
	out := make([]byte, n)
	copy(out[n-len(b):], b)
	return out, nil
}
