// Package session implements the SessionProtocol component (spec.md §4.4):
// a synchronous client-side state machine over caller-supplied buffers that
// drives the Server-Hello/Client-Hello handshake and then services a duplex
// stream of encrypted, authenticated, framed commands. It is grounded on the
// teacher's crypto/e2ee handshake.go/record.go pairing — options-on-entry,
// sentinel errors, directional key/counter state — restructured around this
// protocol's synchronous buffer-in/buffer-out contract instead of the
// teacher's context-and-transport-driven async handshake.
package session

import (
	"crypto/subtle"
	"errors"
	"math/big"
	"time"

	"github.com/uniqush/uniqush-conn/codec"
	"github.com/uniqush/uniqush-conn/command"
	"github.com/uniqush/uniqush-conn/connerr"
	"github.com/uniqush/uniqush-conn/crypto/kdf"
	"github.com/uniqush/uniqush-conn/crypto/primitives"
	"github.com/uniqush/uniqush-conn/internal/bin"
	"github.com/uniqush/uniqush-conn/internal/defaults"
	"github.com/uniqush/uniqush-conn/observability"
)

// Phase is the session's position in the handshake/record state machine.
type Phase int

const (
	AwaitingServerHello Phase = iota
	Established
	Failed
)

func (p Phase) String() string {
	switch p {
	case AwaitingServerHello:
		return "AwaitingServerHello"
	case Established:
		return "Established"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Session is the top-level protocol engine entity (spec.md §3). It owns the
// DH keypair and, once Established, the four directional keys and the two
// CTR cipher states. A Session performs no I/O; callers drive it with
// buffers read from and written to an external transport.
type Session struct {
	group   *primitives.DHGroup
	cliPriv *big.Int
	cliPub  []byte // left-unpadded, as returned by DHGenerate
	phase   Phase

	clientAuthKey [32]byte
	clientEncKey  [16]byte
	serverAuthKey [32]byte
	serverEncKey  [16]byte

	encState primitives.CTRState
	decState primitives.CTRState

	obs observability.SessionObserver
}

// New creates a fresh client-side Session in AwaitingServerHello, generating
// an ephemeral DH keypair in the named group. Metric events are dropped
// until SetObserver attaches a real collector.
func New(groupID primitives.DHGroupID) (*Session, error) {
	group, err := primitives.LookupDHGroup(groupID)
	if err != nil {
		return nil, connerr.Wrap(connerr.StageHandshake, connerr.Classify(err), err)
	}
	priv, pub, err := primitives.DHGenerate(group)
	if err != nil {
		return nil, connerr.Wrap(connerr.StageHandshake, connerr.Classify(err), err)
	}
	return &Session{
		group:   group,
		cliPriv: priv,
		cliPub:  pub,
		phase:   AwaitingServerHello,
		obs:     observability.NoopSessionObserver,
	}, nil
}

// SetObserver attaches a metric collector; passing nil restores the no-op
// observer.
func (s *Session) SetObserver(obs observability.SessionObserver) {
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	s.obs = obs
}

// Phase reports the session's current state machine phase.
func (s *Session) Phase() Phase { return s.phase }

func (s *Session) fail(err error) error {
	s.phase = Failed
	if s.obs != nil {
		if code, ok := connerr.CodeOf(err); ok {
			s.obs.SessionFailed(code)
		}
	}
	return err
}

// observer returns the attached observer, or the no-op observer for
// sessions constructed without going through New (e.g. test loopback peers).
func (s *Session) observer() observability.SessionObserver {
	if s.obs == nil {
		return observability.NoopSessionObserver
	}
	return s.obs
}

// checkEstablished returns CodeSessionFailed wrapped in the given stage if
// the session is not Established, the sticky-failure guard spec.md §4.4
// and §7 require of every record-layer operation.
func (s *Session) checkEstablished(stage connerr.Stage) error {
	if s.phase == Established {
		return nil
	}
	return connerr.Wrap(stage, connerr.CodeSessionFailed, errSessionNotEstablished)
}

var errSessionNotEstablished = errors.New("session: not established")
var errHandshakeInWrongPhase = errors.New("session: reply_to_server_hello called outside AwaitingServerHello")

// BytesToReadForServerHello returns the exact byte length of a valid server
// hello given the peer's DER-encoded RSA public key (spec.md §4.4). Fails
// with CodeBadKey if rsaPubDER cannot be parsed.
func BytesToReadForServerHello(group *primitives.DHGroup, rsaPubDER []byte) (int, error) {
	rsaPub, err := primitives.ParseRSAPublicKeyDER(rsaPubDER)
	if err != nil {
		return 0, connerr.Wrap(connerr.StageHandshake, connerr.Classify(err), err)
	}
	return 1 + group.PubKeyLen + primitives.RSAModulusSize(rsaPub) + defaults.NonceLen, nil
}

// BytesToReadForServerHello is the same computation bound to this session's
// DH group, for the convenience of callers that already hold a Session.
func (s *Session) BytesToReadForServerHello(rsaPubDER []byte) (int, error) {
	return BytesToReadForServerHello(s.group, rsaPubDER)
}

// ReplyToServerHello consumes exactly BytesToReadForServerHello(rsaPubDER)
// bytes of a server hello, verifies it, derives the four session keys, and
// returns the Client Hello bytes to send back. Valid only in
// AwaitingServerHello; transitions to Established on success, Failed on any
// error (including an unparseable rsaPubDER, reported as CodeBadKey).
func (s *Session) ReplyToServerHello(buf []byte, rsaPubDER []byte) (_ []byte, retErr error) {
	start := time.Now()
	defer func() {
		result := observability.HandshakeResultOK
		var code connerr.Code
		if retErr != nil {
			result = observability.HandshakeResultFail
			code, _ = connerr.CodeOf(retErr)
		}
		s.observer().Handshake(result, code, time.Since(start))
	}()

	if s.phase != AwaitingServerHello {
		return nil, connerr.Wrap(connerr.StageHandshake, connerr.CodeSessionFailed, errHandshakeInWrongPhase)
	}

	rsaPub, err := primitives.ParseRSAPublicKeyDER(rsaPubDER)
	if err != nil {
		return nil, s.fail(connerr.Wrap(connerr.StageHandshake, connerr.Classify(err), err))
	}

	want := 1 + s.group.PubKeyLen + primitives.RSAModulusSize(rsaPub) + defaults.NonceLen
	if len(buf) != want {
		return nil, s.fail(connerr.Wrap(connerr.StageHandshake, connerr.CodeMalformedFrame, errServerHelloLength))
	}

	version := buf[0]
	serverPub := buf[1 : 1+s.group.PubKeyLen]
	sigStart := 1 + s.group.PubKeyLen
	sigLen := primitives.RSAModulusSize(rsaPub)
	sig := buf[sigStart : sigStart+sigLen]
	nonce := buf[sigStart+sigLen:]

	if version != defaults.CurrentProtocolVersion {
		return nil, s.fail(connerr.Wrap(connerr.StageHandshake, connerr.CodeProtocolVersion, nil))
	}

	signedRegion := buf[:1+s.group.PubKeyLen]
	if !primitives.RSAVerifyPSSSHA256(rsaPub, signedRegion, sig) {
		return nil, s.fail(connerr.Wrap(connerr.StageHandshake, connerr.CodeBadSignature, nil))
	}

	secret, err := primitives.DHComputeSecret(s.group, s.cliPriv, serverPub)
	if err != nil {
		return nil, s.fail(connerr.Wrap(connerr.StageHandshake, connerr.Classify(err), err))
	}

	keys := kdf.Derive(secret, nonce)
	s.clientAuthKey = keys.ClientAuthKey
	s.clientEncKey = keys.ClientEncKey
	s.serverAuthKey = keys.ServerAuthKey
	s.serverEncKey = keys.ServerEncKey

	cliPubPadded, err := primitives.LeftZeroPad(s.cliPub, s.group.PubKeyLen)
	if err != nil {
		return nil, s.fail(connerr.Wrap(connerr.StageHandshake, connerr.CodeCryptoBackend, err))
	}

	helloPrefix := make([]byte, 0, 1+s.group.PubKeyLen)
	helloPrefix = append(helloPrefix, defaults.CurrentProtocolVersion)
	helloPrefix = append(helloPrefix, cliPubPadded...)
	tag := primitives.HMACSHA256(s.clientAuthKey[:], helloPrefix)

	clientHello := make([]byte, 0, len(helloPrefix)+len(tag))
	clientHello = append(clientHello, helloPrefix...)
	clientHello = append(clientHello, tag[:]...)

	s.phase = Established
	return clientHello, nil
}

var errServerHelloLength = errors.New("session: server hello buffer has wrong length")

// BytesToReadForRecordLength returns the fixed length of a record's leading
// length prefix (spec.md §4.4).
func (s *Session) BytesToReadForRecordLength() int { return 2 }

// BytesToReadForNextRecord returns how many more bytes to read for a record
// whose decoded length prefix is cmdLen.
func (s *Session) BytesToReadForNextRecord(cmdLen int) int {
	return cmdLen + defaults.AuthKeyLen
}

// WriteCommand encodes, encrypts, and authenticates cmd, advancing the
// client's send-direction CTR state. Valid only in Established.
func (s *Session) WriteCommand(cmd *command.Command, compress bool) (_ []byte, retErr error) {
	defer func() {
		code, _ := connerr.CodeOf(retErr)
		s.observer().Record(observability.RecordDirectionWrite, retErr == nil, code)
	}()

	if err := s.checkEstablished(connerr.StageRecordWrite); err != nil {
		return nil, err
	}

	enc, err := codec.Encode(cmd, compress)
	if err != nil {
		return nil, s.fail(err)
	}
	if len(enc) == 0 {
		return nil, s.fail(connerr.Wrap(connerr.StageRecordWrite, connerr.CodeEmptyFrame, nil))
	}
	if len(enc) > 0xFFFF {
		return nil, s.fail(connerr.Wrap(connerr.StageRecordWrite, connerr.CodeMalformedFrame, errRecordTooLarge))
	}

	cipher, err := primitives.AES128CTRXor(s.clientEncKey[:], &s.encState, enc)
	if err != nil {
		return nil, s.fail(connerr.Wrap(connerr.StageRecordWrite, connerr.CodeCryptoBackend, err))
	}

	header := make([]byte, 2+len(cipher))
	bin.PutU16LE(header[:2], uint16(len(enc)))
	copy(header[2:], cipher)

	tag := primitives.HMACSHA256(s.clientAuthKey[:], header)

	out := make([]byte, 0, len(header)+len(tag))
	out = append(out, header...)
	out = append(out, tag[:]...)
	s.observer().RecordBytes(observability.RecordDirectionWrite, len(out))
	return out, nil
}

var errRecordTooLarge = errors.New("session: encoded command exceeds uint16 length prefix")

// ReadRecord verifies, decrypts, and decodes an inbound record whose bytes
// are exactly cipher(cmdLen) ‖ tag, i.e. the caller has already read and
// stripped the 2-byte length prefix and supplied cmdLen via
// BytesToReadForNextRecord. Valid only in Established.
func (s *Session) ReadRecord(cmdLen int, buf []byte) (_ *command.Command, retErr error) {
	defer func() {
		code, _ := connerr.CodeOf(retErr)
		s.observer().Record(observability.RecordDirectionRead, retErr == nil, code)
		if retErr == nil {
			s.observer().RecordBytes(observability.RecordDirectionRead, len(buf)+2)
		}
	}()

	if err := s.checkEstablished(connerr.StageRecordRead); err != nil {
		return nil, err
	}
	if len(buf) != cmdLen+defaults.AuthKeyLen {
		return nil, s.fail(connerr.Wrap(connerr.StageRecordRead, connerr.CodeMalformedFrame, errRecordLength))
	}

	cipher := buf[:cmdLen]
	tag := buf[cmdLen:]

	header := make([]byte, 2+cmdLen)
	bin.PutU16LE(header[:2], uint16(cmdLen))
	copy(header[2:], cipher)

	wantTag := primitives.HMACSHA256(s.serverAuthKey[:], header)
	if subtle.ConstantTimeCompare(wantTag[:], tag) != 1 {
		// MAC is checked before decState is touched (spec.md §3, §4.4): a
		// forged or corrupted record must not advance the decrypt counter.
		return nil, s.fail(connerr.Wrap(connerr.StageRecordRead, connerr.CodeBadMac, nil))
	}

	plain, err := primitives.AES128CTRXor(s.serverEncKey[:], &s.decState, cipher)
	if err != nil {
		return nil, s.fail(connerr.Wrap(connerr.StageRecordRead, connerr.CodeCryptoBackend, err))
	}

	cmd, err := codec.Decode(plain)
	if err != nil {
		return nil, s.fail(err)
	}
	return cmd, nil
}

var errRecordLength = errors.New("session: record buffer does not match cmdLen + AuthKeyLen")
