package telemetry

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
)

func TestDisabled(t *testing.T) {
	if _, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus(), "test"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestBrokerURL(t *testing.T) {
	cases := []struct {
		cfg  config.MQTTConfig
		want string
	}{
		{config.MQTTConfig{BrokerURL: "broker.local", Port: 1883}, "tcp://broker.local:1883"},
		{config.MQTTConfig{BrokerURL: "broker.local", Port: 8883, UseTLS: true}, "ssl://broker.local:8883"},
		{config.MQTTConfig{BrokerURL: "ws://broker.local:9001/mqtt", Port: 1}, "ws://broker.local:9001/mqtt"},
	}
	for _, tc := range cases {
		if got := brokerURL(tc.cfg); got != tc.want {
			t.Errorf("brokerURL(%+v)=%q want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestTopicsAndRouting(t *testing.T) {
	h, err := NewMQTTHandler(config.MQTTConfig{Enabled: true, BrokerURL: "localhost", Port: 1883, TopicPrefix: "/arena/"}, events.NewEventBus(), "test")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if got := h.topic(TopicPeers); got != "arena/peers" {
		t.Fatalf("topic=%q", got)
	}
	h.cfg.TopicPrefix = ""
	if got := h.topic(TopicStatus); got != "uniport/status" {
		t.Fatalf("default topic=%q", got)
	}

	suffix, _ := route(events.Event{Type: events.EventPeerLeft})
	if suffix != TopicPeers {
		t.Fatalf("peer_left routed to %q", suffix)
	}
	suffix, body := route(events.Event{
		Type:    events.EventNotifyMQTT,
		Payload: events.NotifyMQTTPayload{Topic: "alerts", Data: "cpu high"},
	})
	if suffix != "alerts" || body != "cpu high" {
		t.Fatalf("notify routed to %q with %v", suffix, body)
	}

	msg := h.buildMessage("x")
	if msg["payload"] != "x" || msg["app_version"] != "test" || msg["timestamp"] == "" {
		t.Fatalf("message=%v", msg)
	}
}

func TestTLSConfigRejectsBadCA(t *testing.T) {
	ca := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(ca, []byte("not a certificate"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := buildTLSConfig(config.MQTTConfig{CAFile: ca}); err == nil {
		t.Fatalf("expected error for invalid CA bundle")
	}
}
