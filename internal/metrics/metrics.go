// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway. A nil *Metrics is
// valid and records nothing, so tests can run without a registry.
type Metrics struct {
	// Connection metrics
	ConnectionsActive *prometheus.GaugeVec
	ConnectionsTotal  *prometheus.CounterVec

	// Envelope metrics
	EnvelopesRouted   *prometheus.CounterVec
	EnvelopesRejected *prometheus.CounterVec
	DeliveryFanout    *prometheus.HistogramVec

	// Stream metrics
	StreamsActive *prometheus.GaugeVec
	StreamBytes   *prometheus.CounterVec

	// Transport metrics
	BackpressureDrops *prometheus.CounterVec
	InjectTotal       *prometheus.CounterVec
}

// NewMetrics creates and registers all gateway metrics. A nil registerer
// uses the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_connections_active",
				Help: "Currently connected participants per space",
			},
			[]string{"space"},
		),

		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_connections_total",
				Help: "Total accepted WebSocket connections",
			},
			[]string{"space"},
		),

		EnvelopesRouted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_routed_total",
				Help: "Envelopes accepted and routed, by kind",
			},
			[]string{"space", "kind"},
		),

		EnvelopesRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_envelopes_rejected_total",
				Help: "Envelopes rejected with a protocol error, by code",
			},
			[]string{"space", "code"},
		),

		DeliveryFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mew_delivery_fanout",
				Help:    "Recipients per routed envelope",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
			[]string{"space"},
		),

		StreamsActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mew_streams_active",
				Help: "Open streams per space",
			},
			[]string{"space"},
		),

		StreamBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_stream_bytes_total",
				Help: "Raw stream bytes relayed",
			},
			[]string{"space"},
		),

		BackpressureDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_backpressure_drops_total",
				Help: "Participants disconnected for a full send queue",
			},
			[]string{"space"},
		),

		InjectTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mew_inject_total",
				Help: "HTTP-injected envelopes, by outcome",
			},
			[]string{"space", "status"}, // status: accepted, rejected
		),
	}
}

// RecordConnect records an accepted connection.
func (m *Metrics) RecordConnect(space string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(space).Inc()
	m.ConnectionsActive.WithLabelValues(space).Inc()
}

// RecordDisconnect records a closed connection.
func (m *Metrics) RecordDisconnect(space string) {
	if m == nil {
		return
	}
	m.ConnectionsActive.WithLabelValues(space).Dec()
}

// RecordEnvelope records a routed envelope and its fan-out.
func (m *Metrics) RecordEnvelope(space, kind string, recipients int) {
	if m == nil {
		return
	}
	m.EnvelopesRouted.WithLabelValues(space, kind).Inc()
	m.DeliveryFanout.WithLabelValues(space).Observe(float64(recipients))
}

// RecordRejection records a protocol-level rejection.
func (m *Metrics) RecordRejection(space, code string) {
	if m == nil {
		return
	}
	m.EnvelopesRejected.WithLabelValues(space, code).Inc()
}

// RecordStreamOpen records a newly allocated stream.
func (m *Metrics) RecordStreamOpen(space string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(space).Inc()
}

// RecordStreamClose records a closed stream.
func (m *Metrics) RecordStreamClose(space string) {
	if m == nil {
		return
	}
	m.StreamsActive.WithLabelValues(space).Dec()
}

// RecordStreamFrame records relayed stream bytes.
func (m *Metrics) RecordStreamFrame(space string, bytes int) {
	if m == nil {
		return
	}
	m.StreamBytes.WithLabelValues(space).Add(float64(bytes))
}

// RecordBackpressure records a backpressure disconnect.
func (m *Metrics) RecordBackpressure(space string) {
	if m == nil {
		return
	}
	m.BackpressureDrops.WithLabelValues(space).Inc()
}

// RecordInject records an HTTP inject outcome.
func (m *Metrics) RecordInject(space string, accepted bool) {
	if m == nil {
		return
	}
	status := "rejected"
	if accepted {
		status = "accepted"
	}
	m.InjectTotal.WithLabelValues(space, status).Inc()
}
