// Package bin holds small little-endian byte-order helpers shared by the
// codec and session packages. The wire format fixes all multi-byte
// integers as little-endian (spec.md §3), unlike the teacher's
// big-endian wire format.
package bin

import "encoding/binary"

func PutU16LE(dst []byte, v uint16) { binary.LittleEndian.PutUint16(dst, v) }
func PutU32LE(dst []byte, v uint32) { binary.LittleEndian.PutUint32(dst, v) }
func U16LE(src []byte) uint16       { return binary.LittleEndian.Uint16(src) }
func U32LE(src []byte) uint32       { return binary.LittleEndian.Uint32(src) }

// PutU16BE and U16BE are used for the codec's big-endian header count
// fields (spec.md §4.3 meta[2..3] is explicitly big-endian uint16).
func PutU16BE(dst []byte, v uint16) { binary.BigEndian.PutUint16(dst, v) }
func U16BE(src []byte) uint16       { return binary.BigEndian.Uint16(src) }

// PutU32BE encodes the big-endian 32-bit counter used by MGF1 (spec.md §4.2).
func PutU32BE(dst []byte, v uint32) { binary.BigEndian.PutUint32(dst, v) }
