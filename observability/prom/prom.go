// Package prom exports observability.SessionObserver events to Prometheus,
// grounded on the teacher's observability/prom package: per-registry
// metric construction plus a promhttp handler, rebuilt around handshake and
// record counters/histograms instead of tunnel/RPC ones.
package prom

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uniqush/uniqush-conn/connerr"
	"github.com/uniqush/uniqush-conn/observability"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// SessionObserver exports session metrics to Prometheus.
type SessionObserver struct {
	handshakeTotal   *prometheus.CounterVec
	handshakeLatency prometheus.Histogram
	recordTotal      *prometheus.CounterVec
	recordBytes      *prometheus.HistogramVec
	sessionFailed    *prometheus.CounterVec
}

// NewSessionObserver registers session metrics on the registry.
func NewSessionObserver(reg *prometheus.Registry) *SessionObserver {
	o := &SessionObserver{
		handshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniqushconn_handshake_total",
			Help: "Handshake attempts by result and failure code.",
		}, []string{"result", "code"}),
		handshakeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "uniqushconn_handshake_latency_seconds",
			Help:    "Latency of reply_to_server_hello calls.",
			Buckets: prometheus.DefBuckets,
		}),
		recordTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniqushconn_record_total",
			Help: "Record write/read calls by direction, outcome, and failure code.",
		}, []string{"direction", "ok", "code"}),
		recordBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "uniqushconn_record_bytes",
			Help:    "Wire size of records by direction.",
			Buckets: prometheus.ExponentialBuckets(32, 2, 12),
		}, []string{"direction"}),
		sessionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "uniqushconn_session_failed_total",
			Help: "Sessions entering the terminal Failed phase, by code.",
		}, []string{"code"}),
	}
	reg.MustRegister(
		o.handshakeTotal,
		o.handshakeLatency,
		o.recordTotal,
		o.recordBytes,
		o.sessionFailed,
	)
	return o
}

func (o *SessionObserver) Handshake(result observability.HandshakeResult, code connerr.Code, d time.Duration) {
	o.handshakeTotal.WithLabelValues(string(result), string(code)).Inc()
	o.handshakeLatency.Observe(d.Seconds())
}

func (o *SessionObserver) Record(dir observability.RecordDirection, ok bool, code connerr.Code) {
	o.recordTotal.WithLabelValues(string(dir), boolLabel(ok), string(code)).Inc()
}

func (o *SessionObserver) RecordBytes(dir observability.RecordDirection, n int) {
	o.recordBytes.WithLabelValues(string(dir)).Observe(float64(n))
}

func (o *SessionObserver) SessionFailed(code connerr.Code) {
	o.sessionFailed.WithLabelValues(string(code)).Inc()
}

func boolLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}
