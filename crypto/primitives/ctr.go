package primitives

import "crypto/aes"

// CTRState is the mutable (counter, carry) pair spec.md §3 requires: a
// 16-byte counter block plus the read position within the current
// keystream block, so successive calls with arbitrary-length inputs
// produce a single continuous keystream. The zero value is a valid,
// freshly-initialized state (all-zero counter, nothing consumed).
type CTRState struct {
	counter   [16]byte
	keystream [16]byte
	used      int // bytes of keystream already consumed from the current block
}

// incLE increments a 16-byte counter as a little-endian 128-bit integer.
// This is the deliberate, peer-matching deviation from the standard
// library's big-endian CTR counter (spec.md §4.1).
func incLE(ctr *[16]byte) {
	for i := 0; i < len(ctr); i++ {
		ctr[i]++
		if ctr[i] != 0 {
			return
		}
	}
}

// AES128CTRXor XORs input with the AES-128-CTR keystream derived from key
// and state, advancing state in place. Encryption and decryption are the
// same operation. Returns a newly allocated output buffer of the same
// length as input.
func AES128CTRXor(key []byte, state *CTRState, input []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(input))
	n := 0
	for n < len(input) {
		if state.used == 0 || state.used == len(state.keystream) {
			block.Encrypt(state.keystream[:], state.counter[:])
			incLE(&state.counter)
			state.used = 0
		}
		avail := state.keystream[state.used:]
		take := len(input) - n
		if take > len(avail) {
			take = len(avail)
		}
		for i := 0; i < take; i++ {
			out[n+i] = input[n+i] ^ avail[i]
		}
		state.used += take
		n += take
	}
	return out, nil
}
