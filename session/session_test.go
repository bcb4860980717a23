package session

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"testing"

	"github.com/uniqush/uniqush-conn/command"
	"github.com/uniqush/uniqush-conn/connerr"
	"github.com/uniqush/uniqush-conn/crypto/kdf"
	"github.com/uniqush/uniqush-conn/crypto/primitives"
	"github.com/uniqush/uniqush-conn/internal/bin"
	"github.com/uniqush/uniqush-conn/internal/defaults"
)

// simulatedServer stands in for the peer collaborator spec.md §6 places out
// of scope: it owns an RSA signing key, a DH keypair in the same group, and
// a nonce, and can build a Server Hello buffer for a client Session to
// consume.
type simulatedServer struct {
	rsaPriv *rsa.PrivateKey
	group   *primitives.DHGroup
	priv    *big.Int
	pub     []byte
	nonce   [defaults.NonceLen]byte
}

func newSimulatedServer(t *testing.T, groupID primitives.DHGroupID) *simulatedServer {
	t.Helper()
	group, err := primitives.LookupDHGroup(groupID)
	if err != nil {
		t.Fatalf("lookup group: %v", err)
	}
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	priv, pub, err := primitives.DHGenerate(group)
	if err != nil {
		t.Fatalf("generate dh keypair: %v", err)
	}
	srv := &simulatedServer{rsaPriv: rsaPriv, group: group, priv: priv, pub: pub}
	if _, err := rand.Read(srv.nonce[:]); err != nil {
		t.Fatalf("rand nonce: %v", err)
	}
	return srv
}

// helloBuf builds a well-formed Server Hello buffer (spec.md §4.4).
func (s *simulatedServer) helloBuf(t *testing.T) []byte {
	t.Helper()
	return s.helloBufWithVersion(t, defaults.CurrentProtocolVersion)
}

func (s *simulatedServer) helloBufWithVersion(t *testing.T, version byte) []byte {
	t.Helper()
	pubPadded, err := primitives.LeftZeroPad(s.pub, s.group.PubKeyLen)
	if err != nil {
		t.Fatalf("pad pub: %v", err)
	}
	signedRegion := append([]byte{version}, pubPadded...)
	digest := primitives.SHA256(signedRegion)
	sig, err := rsa.SignPSS(rand.Reader, s.rsaPriv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	buf := append([]byte{}, signedRegion...)
	buf = append(buf, sig...)
	buf = append(buf, s.nonce[:]...)
	return buf
}

// rsaPubDER returns the server's RSA public key in the DER-encoded form
// spec.md §4.1 says is delivered on the wire.
func (s *simulatedServer) rsaPubDER() []byte {
	return x509.MarshalPKCS1PublicKey(&s.rsaPriv.PublicKey)
}

// derive computes the session keys the server side would hold, given the
// client's public key, using the same kdf.Derive the client session uses.
func (s *simulatedServer) derive(t *testing.T, cliPub []byte) kdf.SessionKeys {
	t.Helper()
	secret, err := primitives.DHComputeSecret(s.group, s.priv, cliPub)
	if err != nil {
		t.Fatalf("server compute secret: %v", err)
	}
	return kdf.Derive(secret, s.nonce[:])
}

func mustHandshake(t *testing.T) (*Session, *simulatedServer, []byte) {
	t.Helper()
	srv := newSimulatedServer(t, primitives.DHGroup14)
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	helloBuf := srv.helloBuf(t)
	want, err := sess.BytesToReadForServerHello(srv.rsaPubDER())
	if err != nil {
		t.Fatalf("BytesToReadForServerHello: %v", err)
	}
	if want != len(helloBuf) {
		t.Fatalf("length hint mismatch: want %d got %d", want, len(helloBuf))
	}
	clientHello, err := sess.ReplyToServerHello(helloBuf, srv.rsaPubDER())
	if err != nil {
		t.Fatalf("ReplyToServerHello: %v", err)
	}
	return sess, srv, clientHello
}

func TestBytesToReadForServerHelloExact(t *testing.T) {
	srv := newSimulatedServer(t, primitives.DHGroup14)
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	helloBuf := srv.helloBuf(t)
	got, err := sess.BytesToReadForServerHello(srv.rsaPubDER())
	if err != nil {
		t.Fatalf("BytesToReadForServerHello: %v", err)
	}
	if got != len(helloBuf) {
		t.Fatalf("got %d want %d", got, len(helloBuf))
	}
}

func TestBytesToReadForServerHelloBadKeyFails(t *testing.T) {
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = sess.BytesToReadForServerHello([]byte("not a der-encoded key"))
	code, ok := connerr.CodeOf(err)
	if !ok || code != connerr.CodeBadKey {
		t.Fatalf("expected CodeBadKey, got %v (ok=%v)", err, ok)
	}
}

func TestReplyToServerHelloBadKeyFails(t *testing.T) {
	srv := newSimulatedServer(t, primitives.DHGroup14)
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	helloBuf := srv.helloBuf(t)
	_, err = sess.ReplyToServerHello(helloBuf, []byte("not a der-encoded key"))
	code, ok := connerr.CodeOf(err)
	if !ok || code != connerr.CodeBadKey {
		t.Fatalf("expected CodeBadKey, got %v (ok=%v)", err, ok)
	}
	if sess.Phase() != Failed {
		t.Fatalf("expected Failed, got %v", sess.Phase())
	}
}

func TestHandshakeAgreement(t *testing.T) {
	sess, srv, clientHello := mustHandshake(t)
	if sess.Phase() != Established {
		t.Fatalf("expected Established, got %v", sess.Phase())
	}

	wantLen := 1 + srv.group.PubKeyLen + 32
	if len(clientHello) != wantLen {
		t.Fatalf("client hello length: got %d want %d", len(clientHello), wantLen)
	}
	if clientHello[0] != defaults.CurrentProtocolVersion {
		t.Fatalf("client hello version byte: got %d", clientHello[0])
	}

	cliPub := clientHello[1 : 1+srv.group.PubKeyLen]
	tag := clientHello[1+srv.group.PubKeyLen:]

	serverKeys := srv.derive(t, cliPub)
	wantTag := primitives.HMACSHA256(serverKeys.ClientAuthKey[:], clientHello[:1+srv.group.PubKeyLen])
	if !bytes.Equal(wantTag[:], tag) {
		t.Fatalf("client hello HMAC does not verify under server-derived client auth key")
	}
}

func TestServerHelloBadVersionFails(t *testing.T) {
	srv := newSimulatedServer(t, primitives.DHGroup14)
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	helloBuf := srv.helloBufWithVersion(t, defaults.CurrentProtocolVersion+1)
	_, err = sess.ReplyToServerHello(helloBuf, srv.rsaPubDER())
	code, ok := connerr.CodeOf(err)
	if !ok || code != connerr.CodeProtocolVersion {
		t.Fatalf("expected CodeProtocolVersion, got %v (ok=%v)", err, ok)
	}
	if sess.Phase() != Failed {
		t.Fatalf("expected Failed, got %v", sess.Phase())
	}
}

func TestServerHelloBadSignatureFails(t *testing.T) {
	srv := newSimulatedServer(t, primitives.DHGroup14)
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	helloBuf := srv.helloBuf(t)
	// Flip a bit inside the signature region.
	sigStart := 1 + srv.group.PubKeyLen
	helloBuf[sigStart] ^= 0xff

	_, err = sess.ReplyToServerHello(helloBuf, srv.rsaPubDER())
	code, ok := connerr.CodeOf(err)
	if !ok || code != connerr.CodeBadSignature {
		t.Fatalf("expected CodeBadSignature, got %v (ok=%v)", err, ok)
	}
	if sess.Phase() != Failed {
		t.Fatalf("expected Failed, got %v", sess.Phase())
	}
}

func TestFailureIsSticky(t *testing.T) {
	srv := newSimulatedServer(t, primitives.DHGroup14)
	sess, err := New(primitives.DHGroup14)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	helloBuf := srv.helloBufWithVersion(t, defaults.CurrentProtocolVersion+1)
	if _, err := sess.ReplyToServerHello(helloBuf, srv.rsaPubDER()); err == nil {
		t.Fatalf("expected handshake to fail")
	}

	if _, err := sess.WriteCommand(&command.Command{}, false); err == nil {
		t.Fatalf("expected WriteCommand to fail on a Failed session")
	} else if code, ok := connerr.CodeOf(err); !ok || code != connerr.CodeSessionFailed {
		t.Fatalf("expected CodeSessionFailed, got %v", err)
	}

	if _, err := sess.ReadRecord(4, make([]byte, 4+defaults.AuthKeyLen)); err == nil {
		t.Fatalf("expected ReadRecord to fail on a Failed session")
	} else if code, ok := connerr.CodeOf(err); !ok || code != connerr.CodeSessionFailed {
		t.Fatalf("expected CodeSessionFailed, got %v", err)
	}
}

func TestWriteCommandProducesWellFormedRecord(t *testing.T) {
	sess, _, _ := mustHandshake(t)

	cmd := &command.Command{
		Type:   0x01,
		Params: []string{"hello"},
		Message: command.Message{
			Headers: []command.Header{{Key: "k", Value: "v"}},
		},
		Body: []byte("X"),
	}
	record, err := sess.WriteCommand(cmd, false)
	if err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	cmdLen := int(bin.U16LE(record[:2]))
	if 2+cmdLen+defaults.AuthKeyLen != len(record) {
		t.Fatalf("record length inconsistent: cmdLen=%d total=%d", cmdLen, len(record))
	}

	header := record[:2+cmdLen]
	tag := record[2+cmdLen:]
	wantTag := primitives.HMACSHA256(sess.clientAuthKey[:], header)
	if !bytes.Equal(wantTag[:], tag) {
		t.Fatalf("record HMAC does not verify under clientAuthKey")
	}
}

func TestWriteThenReadBackOwnRecord(t *testing.T) {
	// S5: feeding the byte-for-byte output of write_command back as an
	// inbound record, using the client's own keys, reconstructs the
	// original command. Here that means pointing a second Session's
	// decrypt state at the same key/nonce material as the writer's encrypt
	// state, mirroring a loopback peer.
	sess, _, _ := mustHandshake(t)

	cmd := &command.Command{
		Type:   0x02,
		Params: []string{"a", "b"},
		Message: command.Message{
			Headers: []command.Header{{Key: "h1", Value: "v1"}},
		},
		Body: []byte("payload body"),
	}
	record, err := sess.WriteCommand(cmd, true)
	if err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}

	cmdLen := int(bin.U16LE(record[:2]))
	rest := record[2:]

	loopback := &Session{
		group:         sess.group,
		phase:         Established,
		serverAuthKey: sess.clientAuthKey,
		serverEncKey:  sess.clientEncKey,
	}
	got, err := loopback.ReadRecord(cmdLen, rest)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !cmd.Equal(got) {
		t.Fatalf("loopback mismatch: got %+v want %+v", got, cmd)
	}
}

func TestReadRecordTamperedTagFails(t *testing.T) {
	sess, _, _ := mustHandshake(t)
	cmd := &command.Command{Type: 0x03, Body: []byte("hi")}
	record, err := sess.WriteCommand(cmd, false)
	if err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	cmdLen := int(bin.U16LE(record[:2]))
	rest := append([]byte{}, record[2:]...)
	rest[len(rest)-1] ^= 0xff // flip a bit in the tag

	loopback := &Session{
		group:         sess.group,
		phase:         Established,
		serverAuthKey: sess.clientAuthKey,
		serverEncKey:  sess.clientEncKey,
	}
	_, err = loopback.ReadRecord(cmdLen, rest)
	code, ok := connerr.CodeOf(err)
	if !ok || code != connerr.CodeBadMac {
		t.Fatalf("expected CodeBadMac, got %v (ok=%v)", err, ok)
	}
	if loopback.Phase() != Failed {
		t.Fatalf("expected Failed, got %v", loopback.Phase())
	}
}

func TestReadRecordDecryptCounterUnchangedAfterMacFailure(t *testing.T) {
	// S8: a tampered record must not advance the decrypt counter. A tampered
	// copy of a record is rejected with the session's decState still at its
	// zero value, and the genuine record then decrypts correctly on a
	// separate session starting from the same zero decState.
	sess, _, _ := mustHandshake(t)

	cmd1 := &command.Command{Type: 0x01, Body: []byte("first")}
	record1, err := sess.WriteCommand(cmd1, false)
	if err != nil {
		t.Fatalf("WriteCommand 1: %v", err)
	}

	loopback := &Session{
		group:         sess.group,
		phase:         Established,
		serverAuthKey: sess.clientAuthKey,
		serverEncKey:  sess.clientEncKey,
	}

	tampered := append([]byte{}, record1...)
	tampered[len(tampered)-1] ^= 0xff
	cmdLen1 := int(bin.U16LE(tampered[:2]))
	if _, err := loopback.ReadRecord(cmdLen1, tampered[2:]); err == nil {
		t.Fatalf("expected tampered record to fail")
	}
	if loopback.Phase() != Failed {
		t.Fatalf("expected session to fail after bad mac")
	}
	if loopback.decState != (primitives.CTRState{}) {
		t.Fatalf("decrypt state advanced after bad mac")
	}

	// A fresh loopback, whose decState is the same zero value the failed
	// session still holds, must decrypt record1 correctly.
	fresh := &Session{
		group:         sess.group,
		phase:         Established,
		serverAuthKey: sess.clientAuthKey,
		serverEncKey:  sess.clientEncKey,
	}
	cmdLen := int(bin.U16LE(record1[:2]))
	got, err := fresh.ReadRecord(cmdLen, record1[2:])
	if err != nil {
		t.Fatalf("ReadRecord on untouched session: %v", err)
	}
	if !cmd1.Equal(got) {
		t.Fatalf("mismatch: got %+v want %+v", got, cmd1)
	}
}

func TestBytesToReadForNextRecord(t *testing.T) {
	sess, _, _ := mustHandshake(t)
	if got := sess.BytesToReadForNextRecord(10); got != 10+defaults.AuthKeyLen {
		t.Fatalf("got %d want %d", got, 10+defaults.AuthKeyLen)
	}
	if got := sess.BytesToReadForRecordLength(); got != 2 {
		t.Fatalf("got %d want 2", got)
	}
}

func TestMultipleRecordsAdvanceCounterInOrder(t *testing.T) {
	sess, _, _ := mustHandshake(t)
	loopback := &Session{
		group:         sess.group,
		phase:         Established,
		serverAuthKey: sess.clientAuthKey,
		serverEncKey:  sess.clientEncKey,
	}

	for i := 0; i < 4; i++ {
		cmd := &command.Command{Type: byte(i), Body: []byte{byte(i), byte(i + 1)}}
		record, err := sess.WriteCommand(cmd, i%2 == 0)
		if err != nil {
			t.Fatalf("WriteCommand %d: %v", i, err)
		}
		cmdLen := int(bin.U16LE(record[:2]))
		got, err := loopback.ReadRecord(cmdLen, record[2:])
		if err != nil {
			t.Fatalf("ReadRecord %d: %v", i, err)
		}
		if !cmd.Equal(got) {
			t.Fatalf("record %d mismatch: got %+v want %+v", i, got, cmd)
		}
	}
}
