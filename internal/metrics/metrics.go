// Package metrics exposes Prometheus collectors for the networking core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every collector name.
const Namespace = "uniport"

// Handshake results.
const (
	HandshakeAccepted = "accepted"
	HandshakeRejected = "rejected"
)

// Datagram drop reasons.
const (
	DropShort           = "short"
	DropOversized       = "oversized"
	DropFiltered        = "filtered"
	DropUnknownProtocol = "unknown_protocol"
	DropUnknownPacket   = "unknown_packet"
	DropUnknownSession  = "unknown_session"
	DropMalformed       = "malformed"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing,
// so components can run without a registry (tests, the client CLI).
type Metrics struct {
	registry prometheus.Gatherer

	sessionsActive    prometheus.Gauge
	handshakes        *prometheus.CounterVec
	packetsReceived   *prometheus.CounterVec
	packetsSent       *prometheus.CounterVec
	datagramsDropped  *prometheus.CounterVec
	broadcastFailures prometheus.Counter
}

// New registers the collectors with a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the collectors with reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions in the streaming state",
		}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by result",
		}, []string{"result"}),

		packetsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_received_total",
			Help:      "Decoded packets by protocol, packet tag and transport",
		}, []string{"protocol", "packet", "transport"}),

		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "packets_sent_total",
			Help:      "Packets written by transport",
		}, []string{"transport"}),

		datagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Inbound datagrams dropped before dispatch, by reason",
		}, []string{"reason"}),

		broadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "broadcast_failures_total",
			Help:      "Per-peer send failures during broadcasts",
		}),
	}
}

// Gatherer returns the registry backing these metrics.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessionsActive.Dec()
	}
}

func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) PacketReceived(protocolName, packet, transport string) {
	if m != nil {
		m.packetsReceived.WithLabelValues(protocolName, packet, transport).Inc()
	}
}

func (m *Metrics) PacketSent(transport string) {
	if m != nil {
		m.packetsSent.WithLabelValues(transport).Inc()
	}
}

func (m *Metrics) DatagramDropped(reason string) {
	if m != nil {
		m.datagramsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) BroadcastFailure() {
	if m != nil {
		m.broadcastFailures.Inc()
	}
}
