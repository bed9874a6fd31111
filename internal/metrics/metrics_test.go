package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersRecord(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Handshake(HandshakeRejected)
	m.PacketReceived("CHAT", "MSG0", "reliable")
	m.DatagramDropped(DropShort)
	m.DatagramDropped(DropShort)
	m.BroadcastFailure()

	if got := testutil.ToFloat64(m.sessionsActive); got != 1 {
		t.Fatalf("sessions_active=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.handshakes.WithLabelValues(HandshakeRejected)); got != 1 {
		t.Fatalf("handshakes_total{rejected}=%v want 1", got)
	}
	if got := testutil.ToFloat64(m.datagramsDropped.WithLabelValues(DropShort)); got != 2 {
		t.Fatalf("datagrams_dropped_total{short}=%v want 2", got)
	}
	if got := testutil.ToFloat64(m.broadcastFailures); got != 1 {
		t.Fatalf("broadcast_failures_total=%v want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.SessionOpened()
	m.Handshake(HandshakeAccepted)
	m.PacketSent("unreliable")
	m.BroadcastFailure()
	if m.Gatherer() == nil {
		t.Fatalf("nil metrics returned nil gatherer")
	}
}

func TestGathererExposesNamespace(t *testing.T) {
	m := New()
	m.PacketSent("reliable")
	families, err := m.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "uniport_packets_sent_total" {
			found = true
		}
	}
	if !found {
		t.Fatalf("uniport_packets_sent_total not gathered")
	}
}
