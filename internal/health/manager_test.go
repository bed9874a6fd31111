package health

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/uniport-net/uniport/internal/chat"
	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/util"
)

func newTestManager(t *testing.T, datagram bool) (*Manager, *events.EventBus) {
	t.Helper()
	opts := network.DefaultOptions()
	opts.Name = "health-test"
	opts.BindAddress = "127.0.0.1"

	srv := network.NewServer(opts, chat.NewProtocol(nil))
	datagramPort := -1
	if datagram {
		datagramPort = 0
	}
	if err := srv.Start(context.Background(), 0, datagramPort); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })

	bus := events.NewEventBus()
	return NewManager(config.DefaultConfig(), bus, srv), bus
}

func byName(results []CheckResult) map[string]CheckResult {
	m := make(map[string]CheckResult)
	for _, r := range results {
		m[r.Name] = r
	}
	return m
}

func TestRunAll(t *testing.T) {
	m, bus := newTestManager(t, true)
	alerts := make(chan events.Event, 1)
	bus.Subscribe(events.EventNotifyMQTT, "test", func(_ context.Context, e events.Event) error {
		alerts <- e
		return nil
	})
	m.sample = func() (util.ResourceUsage, error) {
		return util.ResourceUsage{CPUPercent: 97, MemoryPercent: 40}, nil
	}

	results := byName(m.RunAll(context.Background()))

	if r := results["datagram_self_test"]; r.Status != StatusOK {
		t.Fatalf("self test: %+v", r)
	}
	if r := results["resources"]; r.Status != StatusWarning {
		t.Fatalf("resources: %+v", r)
	}
	if r := results["stale_sessions"]; r.Status != StatusOK {
		t.Fatalf("stale sessions: %+v", r)
	}
	if m.Usage().CPUPercent != 97 {
		t.Fatalf("usage not stored")
	}
	select {
	case e := <-alerts:
		if e.Payload.(events.NotifyMQTTPayload).Topic != "alerts" {
			t.Fatalf("alert=%+v", e)
		}
	case <-time.After(time.Second):
		t.Fatalf("no alert emitted for high CPU")
	}
	if len(m.Results()) != 3 {
		t.Fatalf("results not recorded")
	}
}

func TestSelfTestSkippedWithoutDatagrams(t *testing.T) {
	m, _ := newTestManager(t, false)
	m.sample = func() (util.ResourceUsage, error) { return util.ResourceUsage{}, errors.New("no /proc") }

	results := byName(m.RunAll(context.Background()))
	if r := results["datagram_self_test"]; r.Status != StatusSkipped {
		t.Fatalf("self test: %+v", r)
	}
	if r := results["resources"]; r.Status != StatusFailed {
		t.Fatalf("resources: %+v", r)
	}
}

func TestProbeAddr(t *testing.T) {
	cases := map[string]*net.UDPAddr{
		"127.0.0.1:7351": {IP: net.IPv4zero, Port: 7351},
		"127.0.0.1:1":    {IP: net.IPv6unspecified, Port: 1},
		"10.1.2.3:9":     {IP: net.IPv4(10, 1, 2, 3), Port: 9},
	}
	for want, addr := range cases {
		if got := probeAddr(addr); got != want {
			t.Errorf("probeAddr(%s)=%s want %s", addr, got, want)
		}
	}
}

func TestHeartbeat(t *testing.T) {
	m, bus := newTestManager(t, false)
	beats := make(chan events.HeartbeatPayload, 1)
	bus.Subscribe(events.EventHeartbeat, "test", func(_ context.Context, e events.Event) error {
		beats <- e.Payload.(events.HeartbeatPayload)
		return nil
	})
	m.heartbeat(context.Background())
	select {
	case b := <-beats:
		if b.Sessions != 0 {
			t.Fatalf("heartbeat=%+v", b)
		}
	case <-time.After(time.Second):
		t.Fatalf("no heartbeat")
	}
}
