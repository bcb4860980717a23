// Package observability defines the metric event surface the session
// package reports through, without binding to any particular backend. It
// is grounded on the teacher's observability package: a typed event
// interface, a zero-cost no-op implementation, and an atomically-swappable
// delegate, rebuilt around handshake/record events instead of tunnel/RPC
// events.
package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/uniqush/uniqush-conn/connerr"
)

// HandshakeResult is the outcome of a completed ReplyToServerHello call.
type HandshakeResult string

const (
	HandshakeResultOK   HandshakeResult = "ok"
	HandshakeResultFail HandshakeResult = "fail"
)

// RecordDirection distinguishes outbound (write) from inbound (read) record
// operations.
type RecordDirection string

const (
	RecordDirectionWrite RecordDirection = "write"
	RecordDirectionRead  RecordDirection = "read"
)

// SessionObserver receives protocol-engine metric events.
type SessionObserver interface {
	// Handshake reports the outcome of a handshake attempt, and on
	// failure the connerr.Code that caused it ("" on success).
	Handshake(result HandshakeResult, code connerr.Code, d time.Duration)
	// Record reports a completed write_command/read_record call, and on
	// failure the connerr.Code that caused it ("" on success).
	Record(dir RecordDirection, ok bool, code connerr.Code)
	// RecordBytes reports the wire size of a single record.
	RecordBytes(dir RecordDirection, n int)
	// SessionFailed reports a session transitioning into the terminal
	// Failed phase.
	SessionFailed(code connerr.Code)
}

type noopSessionObserver struct{}

func (noopSessionObserver) Handshake(HandshakeResult, connerr.Code, time.Duration) {}
func (noopSessionObserver) Record(RecordDirection, bool, connerr.Code)            {}
func (noopSessionObserver) RecordBytes(RecordDirection, int)                      {}
func (noopSessionObserver) SessionFailed(connerr.Code)                            {}

// NoopSessionObserver is a zero-cost observer used when metrics are disabled.
var NoopSessionObserver SessionObserver = noopSessionObserver{}

// AtomicSessionObserver swaps its delegate at runtime, so a process can
// start with NoopSessionObserver and attach a real backend once one is
// configured.
type AtomicSessionObserver struct {
	once sync.Once
	v    atomic.Value
}

type sessionObserverHolder struct {
	obs SessionObserver
}

// NewAtomicSessionObserver returns an initialized atomic observer defaulting
// to NoopSessionObserver.
func NewAtomicSessionObserver() *AtomicSessionObserver {
	a := &AtomicSessionObserver{}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a
}

// Set replaces the delegate, falling back to the no-op observer on nil.
func (a *AtomicSessionObserver) Set(obs SessionObserver) {
	if obs == nil {
		obs = NoopSessionObserver
	}
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	a.v.Store(&sessionObserverHolder{obs: obs})
}

func (a *AtomicSessionObserver) load() SessionObserver {
	a.once.Do(func() { a.v.Store(&sessionObserverHolder{obs: NoopSessionObserver}) })
	return a.v.Load().(*sessionObserverHolder).obs
}

func (a *AtomicSessionObserver) Handshake(result HandshakeResult, code connerr.Code, d time.Duration) {
	a.load().Handshake(result, code, d)
}

func (a *AtomicSessionObserver) Record(dir RecordDirection, ok bool, code connerr.Code) {
	a.load().Record(dir, ok, code)
}

func (a *AtomicSessionObserver) RecordBytes(dir RecordDirection, n int) {
	a.load().RecordBytes(dir, n)
}

func (a *AtomicSessionObserver) SessionFailed(code connerr.Code) {
	a.load().SessionFailed(code)
}
