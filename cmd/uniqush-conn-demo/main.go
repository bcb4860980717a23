// Command uniqush-conn-demo drives a complete handshake and a short
// exchange of records between a client Session and an in-process peer, to
// exercise the protocol engine end to end. It is grounded on the teacher's
// cmd/flowersec-directinit run(args, stdout, stderr) int shape, its
// env-defaulted flag.NewFlagSet usage, and its JSON summary output,
// trimmed to a single fixed scenario instead of a configurable tool.
package main

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"

	"github.com/uniqush/uniqush-conn/codec"
	"github.com/uniqush/uniqush-conn/command"
	"github.com/uniqush/uniqush-conn/crypto/kdf"
	"github.com/uniqush/uniqush-conn/crypto/primitives"
	"github.com/uniqush/uniqush-conn/internal/bin"
	"github.com/uniqush/uniqush-conn/internal/defaults"
	"github.com/uniqush/uniqush-conn/observability/prom"
	"github.com/uniqush/uniqush-conn/session"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// recordSummary reports one write_command/read_record round trip, in the
// order exchanged.
type recordSummary struct {
	Index      int  `json:"index"`
	WireBytes  int  `json:"wire_bytes"`
	Compressed bool `json:"compressed"`
}

type output struct {
	Version     string          `json:"version"`
	Commit      string          `json:"commit"`
	Date        string          `json:"date"`
	ClientHello int             `json:"client_hello_bytes"`
	Records     []recordSummary `json:"records"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	showVersion := false
	compress := false
	numRecords := 3

	fs := flag.NewFlagSet("uniqush-conn-demo", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.BoolVar(&compress, "compress", compress, "Snappy-compress the encoded demo commands")
	fs.IntVar(&numRecords, "records", numRecords, "number of records to exchange")
	fs.Usage = func() {
		out := fs.Output()
		fmt.Fprintln(out, "Usage:")
		fmt.Fprintln(out, "  uniqush-conn-demo [flags]")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Runs a full handshake plus a short record exchange against an")
		fmt.Fprintln(out, "in-process peer and reports a JSON summary on stdout.")
		fmt.Fprintln(out, "")
		fmt.Fprintln(out, "Flags:")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "uniqush-conn-demo %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if numRecords < 0 {
		logger.Printf("--records must be >= 0")
		return 2
	}

	srv, err := newDemoPeer()
	if err != nil {
		logger.Printf("demo peer setup failed: %v", err)
		return 1
	}
	rsaPubDER := x509.MarshalPKCS1PublicKey(&srv.rsaPriv.PublicKey)

	reg := prom.NewRegistry()
	obs := prom.NewSessionObserver(reg)

	cli, err := session.New(primitives.DHGroup14)
	if err != nil {
		logger.Printf("session.New failed: %v", err)
		return 1
	}
	cli.SetObserver(obs)

	helloBuf := srv.serverHello()
	want, err := cli.BytesToReadForServerHello(rsaPubDER)
	if err != nil {
		logger.Printf("bytes_to_read_for_server_hello failed: %v", err)
		return 1
	}
	if want != len(helloBuf) {
		logger.Printf("bytes_to_read_for_server_hello mismatch: want %d got %d", want, len(helloBuf))
		return 1
	}

	clientHello, err := cli.ReplyToServerHello(helloBuf, rsaPubDER)
	if err != nil {
		logger.Printf("handshake failed: %v", err)
		return 1
	}

	if err := srv.acceptClientHello(clientHello); err != nil {
		logger.Printf("peer rejected client hello: %v", err)
		return 1
	}

	out := output{
		Version:     version,
		Commit:      commit,
		Date:        date,
		ClientHello: len(clientHello),
		Records:     make([]recordSummary, 0, numRecords),
	}

	for i := 0; i < numRecords; i++ {
		cmd := &command.Command{
			Type:   byte(i % 256),
			Params: []string{"demo", fmt.Sprintf("seq=%d", i)},
			Message: command.Message{
				Headers: []command.Header{{Key: "x-demo", Value: "1"}},
			},
			Body: []byte(fmt.Sprintf("payload #%d", i)),
		}
		record, err := cli.WriteCommand(cmd, compress)
		if err != nil {
			logger.Printf("write_command %d failed: %v", i, err)
			return 1
		}
		got, err := srv.readClientRecord(record)
		if err != nil {
			logger.Printf("peer read_record %d failed: %v", i, err)
			return 1
		}
		if !cmd.Equal(got) {
			logger.Printf("record %d round trip mismatch", i)
			return 1
		}
		out.Records = append(out.Records, recordSummary{Index: i, WireBytes: len(record), Compressed: compress})
	}

	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		logger.Print(err)
		return 1
	}
	fmt.Fprintln(stdout, string(b))
	return 0
}

// demoPeer stands in for the server collaborator spec.md places out of
// scope. It is built directly on the primitives/kdf/codec packages rather
// than on session.Session, since the client-side session type exposes no
// way to construct a receiving peer from server-held key material.
type demoPeer struct {
	rsaPriv *rsa.PrivateKey
	group   *primitives.DHGroup
	priv    *big.Int
	pub     []byte
	nonce   [defaults.NonceLen]byte

	keys     kdf.SessionKeys
	decState primitives.CTRState
}

func newDemoPeer() (*demoPeer, error) {
	group, err := primitives.LookupDHGroup(primitives.DHGroup14)
	if err != nil {
		return nil, err
	}
	rsaPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	priv, pub, err := primitives.DHGenerate(group)
	if err != nil {
		return nil, err
	}
	p := &demoPeer{rsaPriv: rsaPriv, group: group, priv: priv, pub: pub}
	if _, err := rand.Read(p.nonce[:]); err != nil {
		return nil, err
	}
	return p, nil
}

// serverHello builds the Server Hello buffer a real server would send.
func (p *demoPeer) serverHello() []byte {
	pubPadded, _ := primitives.LeftZeroPad(p.pub, p.group.PubKeyLen)
	signedRegion := append([]byte{defaults.CurrentProtocolVersion}, pubPadded...)
	digest := primitives.SHA256(signedRegion)
	sig, _ := rsa.SignPSS(rand.Reader, p.rsaPriv, crypto.SHA256, digest[:], &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256})
	buf := append([]byte{}, signedRegion...)
	buf = append(buf, sig...)
	buf = append(buf, p.nonce[:]...)
	return buf
}

// acceptClientHello derives the session keys from the client's DH public
// key and checks the Client Hello's HMAC tag, mirroring the verification a
// real server performs before trusting a session.
func (p *demoPeer) acceptClientHello(clientHello []byte) error {
	wantLen := 1 + p.group.PubKeyLen + defaults.AuthKeyLen
	if len(clientHello) != wantLen {
		return fmt.Errorf("client hello has unexpected length %d", len(clientHello))
	}
	version := clientHello[0]
	cliPub := clientHello[1 : 1+p.group.PubKeyLen]
	tag := clientHello[1+p.group.PubKeyLen:]
	if version != defaults.CurrentProtocolVersion {
		return fmt.Errorf("unexpected client hello version %d", version)
	}

	secret, err := primitives.DHComputeSecret(p.group, p.priv, cliPub)
	if err != nil {
		return err
	}
	p.keys = kdf.Derive(secret, p.nonce[:])

	wantTag := primitives.HMACSHA256(p.keys.ClientAuthKey[:], clientHello[:1+p.group.PubKeyLen])
	if subtle.ConstantTimeCompare(wantTag[:], tag) != 1 {
		return fmt.Errorf("client hello HMAC does not verify")
	}
	return nil
}

// readClientRecord verifies, decrypts, and decodes one record written by
// the client's WriteCommand, the same record-layer check session.ReadRecord
// performs, expressed over the peer's own key/counter state.
func (p *demoPeer) readClientRecord(record []byte) (*command.Command, error) {
	if len(record) < 2 {
		return nil, fmt.Errorf("record too short")
	}
	cmdLen := int(bin.U16LE(record[:2]))
	rest := record[2:]
	if len(rest) != cmdLen+defaults.AuthKeyLen {
		return nil, fmt.Errorf("record length inconsistent with its length prefix")
	}

	cipher := rest[:cmdLen]
	tag := rest[cmdLen:]

	header := make([]byte, 2+cmdLen)
	bin.PutU16LE(header[:2], uint16(cmdLen))
	copy(header[2:], cipher)

	wantTag := primitives.HMACSHA256(p.keys.ClientAuthKey[:], header)
	if subtle.ConstantTimeCompare(wantTag[:], tag) != 1 {
		return nil, fmt.Errorf("record HMAC does not verify")
	}

	plain, err := primitives.AES128CTRXor(p.keys.ClientEncKey[:], &p.decState, cipher)
	if err != nil {
		return nil, err
	}
	return codec.Decode(plain)
}
