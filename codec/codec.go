// Package codec implements the compact, padded, optionally-Snappy-compressed
// framing used for the plaintext carried inside each record (spec.md §4.3).
// It is grounded on the teacher's rpc/framing.go length-prefixed, NUL-free
// field layout idiom, restructured around a single flag byte that packs a
// compression bit and a padding length, and the Velocidex-velociraptor
// pack's use of github.com/golang/snappy for optional payload compression.
package codec

import (
	"bytes"

	"github.com/golang/snappy"

	"github.com/uniqush/uniqush-conn/command"
	"github.com/uniqush/uniqush-conn/connerr"
	"github.com/uniqush/uniqush-conn/internal/bin"
	"github.com/uniqush/uniqush-conn/internal/defaults"
)

// CmdFlagCompress is bit 0 of the flag byte: set when the payload following
// the flag byte is Snappy-compressed.
const CmdFlagCompress = 0x01

const metaLen = 4

// Encode builds the padded, optionally-compressed plaintext buffer for cmd.
// The returned buffer's length is always a positive multiple of defaults.BlkLen.
func Encode(cmd *command.Command, compress bool) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, connerr.Wrap(connerr.StageCodec, connerr.CodeMalformedFrame, err)
	}

	payload := encodeMeta(cmd)

	var flag byte
	if compress {
		payload = snappy.Encode(nil, payload)
		flag |= CmdFlagCompress
	}

	numPadding := (defaults.BlkLen - (1+len(payload))%defaults.BlkLen) % defaults.BlkLen
	flag |= byte(numPadding) << 3

	out := make([]byte, 0, 1+len(payload)+numPadding)
	out = append(out, flag)
	out = append(out, payload...)
	out = append(out, make([]byte, numPadding)...)
	return out, nil
}

// encodeMeta serializes cmd's meta header, NUL-terminated params/headers,
// and trailing body into the pre-compression payload (spec.md §4.3 step 1).
func encodeMeta(cmd *command.Command) []byte {
	var buf bytes.Buffer
	meta := make([]byte, metaLen)
	meta[0] = cmd.Type
	meta[1] = byte(len(cmd.Params)&0x0F) << 4
	bin.PutU16BE(meta[2:4], uint16(len(cmd.Message.Headers)))
	buf.Write(meta)

	for _, p := range cmd.Params {
		buf.WriteString(p)
		buf.WriteByte(0)
	}
	for _, h := range cmd.Message.Headers {
		buf.WriteString(h.Key)
		buf.WriteByte(0)
		buf.WriteString(h.Value)
		buf.WriteByte(0)
	}
	buf.Write(cmd.Body)
	return buf.Bytes()
}

// Decode parses a buffer previously produced by Encode back into a Command.
func Decode(buf []byte) (*command.Command, error) {
	if len(buf) == 0 {
		return nil, connerr.Wrap(connerr.StageCodec, connerr.CodeEmptyFrame, nil)
	}

	flag := buf[0]
	numPadding := int(flag >> 3)
	compressed := flag&CmdFlagCompress != 0

	if numPadding > len(buf)-1 {
		return nil, connerr.Wrap(connerr.StageCodec, connerr.CodeMalformedFrame, errPaddingExceedsContent)
	}
	payload := buf[1 : len(buf)-numPadding]

	if compressed {
		decompressed, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, connerr.Wrap(connerr.StageCodec, connerr.CodeDecompressError, err)
		}
		payload = decompressed
	}

	return decodeMeta(payload)
}

func decodeMeta(payload []byte) (*command.Command, error) {
	if len(payload) < metaLen {
		return nil, connerr.Wrap(connerr.StageCodec, connerr.CodeMalformedFrame, errTruncatedMeta)
	}
	cmd := &command.Command{Type: payload[0]}
	numParams := int(payload[1] >> 4)
	numHeaders := int(bin.U16BE(payload[2:4]))

	rest := payload[metaLen:]

	params := make([]string, 0, numParams)
	for i := 0; i < numParams; i++ {
		s, tail, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		params = append(params, s)
		rest = tail
	}
	cmd.Params = params

	headers := make([]command.Header, 0, numHeaders)
	for i := 0; i < numHeaders; i++ {
		key, tail, err := readCString(rest)
		if err != nil {
			return nil, err
		}
		value, tail2, err := readCString(tail)
		if err != nil {
			return nil, err
		}
		headers = append(headers, command.Header{Key: key, Value: value})
		rest = tail2
	}
	cmd.Message = command.Message{Headers: headers}
	cmd.Body = append([]byte(nil), rest...)

	return cmd, nil
}

// readCString reads a NUL-terminated string off the front of buf, returning
// the string (without the terminator) and the remaining tail.
func readCString(buf []byte) (string, []byte, error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		return "", nil, connerr.Wrap(connerr.StageCodec, connerr.CodeMalformedFrame, errMissingTerminator)
	}
	return string(buf[:idx]), buf[idx+1:], nil
}
