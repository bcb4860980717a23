// Package connerr gives the protocol engine a structured, programmatically
// identifiable error type, the way the teacher's fserrors package does for
// its connect/attach/handshake stages.
package connerr

import (
	"errors"
	"fmt"

	"github.com/uniqush/uniqush-conn/crypto/primitives"
)

// Stage identifies which protocol component raised the error.
type Stage string

const (
	StageKeyDerivation Stage = "key_derivation"
	StageCodec         Stage = "codec"
	StageHandshake     Stage = "handshake"
	StageRecordWrite   Stage = "record_write"
	StageRecordRead    Stage = "record_read"
)

// Code is a stable, programmatic error identifier matching spec.md §7's
// abstract error kinds.
type Code string

const (
	CodeBadKey          Code = "bad_key"
	CodeProtocolVersion Code = "protocol_version"
	CodeBadSignature    Code = "bad_signature"
	CodeBadMac          Code = "bad_mac"
	CodeMalformedFrame  Code = "malformed_frame"
	CodeDecompressError Code = "decompress_error"
	CodeCryptoBackend   Code = "crypto_backend"
	CodeSessionFailed   Code = "session_failed"
	CodeEmptyFrame      Code = "empty_frame"
)

// Error is a structured, stage-tagged, programmatically identifiable error.
type Error struct {
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s (%s): %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s (%s)", e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a stage/code-tagged Error, mirroring fserrors.Wrap.
func Wrap(stage Stage, code Code, err error) error {
	return &Error{Stage: stage, Code: code, Err: err}
}

// Classify maps a raw error surfaced by a lower-level collaborator (the
// crypto/primitives package) to the stable Code the caller should wrap it
// under, mirroring the teacher's fserrors.ClassifyHandshakeCode. Callers
// that already know exactly which Code applies (a failed signature check,
// a length mismatch) should keep wrapping with that Code directly; Classify
// is for the handful of sites that only hold a generic dependency error.
func Classify(err error) Code {
	switch {
	case errors.Is(err, primitives.ErrBadKey):
		return CodeBadKey
	case errors.Is(err, primitives.ErrUnknownDHGroup):
		return CodeCryptoBackend
	default:
		return CodeCryptoBackend
	}
}

// CodeOf extracts the Code from err if it (or something it wraps) is a
// *Error, and reports whether one was found.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}
