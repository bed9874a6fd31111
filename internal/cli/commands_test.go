package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/db"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/server"
)

func newTestCLI(t *testing.T) (*CLI, *bytes.Buffer, *events.EventBus, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	sc := cfg.GetServer()
	sc.BindAddress = "127.0.0.1"
	sc.ReliablePort = 0
	sc.DatagramPort = -1
	cfg.SetServer(sc)

	store, err := db.NewStore(filepath.Join(t.TempDir(), "cli.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	bus := events.NewEventBus()
	mgr, err := server.NewManager(cfg, bus, store, nil, "test")
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		mgr.Close()
		bus.Stop()
		store.Close()
	})

	out := &bytes.Buffer{}
	c := NewCLI(cfg, bus, mgr)
	c.out = out
	return c, out, bus, cfg
}

func TestBanCommands(t *testing.T) {
	c, out, _, _ := newTestCLI(t)
	c.Run(context.Background(), strings.NewReader("ban 198.51.100.4 15 flooding\nbans\nunban 198.51.100.4\nbans\n"))

	got := out.String()
	for _, want := range []string{"Banned 198.51.100.4 until", "flooding", "Unbanned 198.51.100.4", "No active bans."} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestUsageErrors(t *testing.T) {
	c, out, _, _ := newTestCLI(t)
	c.Run(context.Background(), strings.NewReader("kick\nkick zz\nkick 0000abcd\nsay\nfrobnicate\n"))

	got := out.String()
	for _, want := range []string{
		"usage: kick <id> [reason]",
		"invalid session id: zz",
		"session not found",
		"empty announcement",
		"Unknown command: 'frobnicate'",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestSetConfig(t *testing.T) {
	c, out, bus, cfg := newTestCLI(t)
	changed := make(chan events.ConfigChangedPayload, 1)
	bus.Subscribe(events.EventConfigChanged, "test", func(_ context.Context, e events.Event) error {
		changed <- e.Payload.(events.ConfigChangedPayload)
		return nil
	})

	c.Run(context.Background(), strings.NewReader("setconfig motd hello world\nsetconfig bucket_count 0\n"))

	if got := cfg.GetServer().Motd; got != "hello world" {
		t.Fatalf("motd=%q\n%s", got, out)
	}
	if got := cfg.GetServer().BucketCount; got != config.DefaultBucketCount {
		t.Fatalf("invalid bucket count kept: %d", got)
	}
	select {
	case p := <-changed:
		if p.Key != "motd" {
			t.Fatalf("change=%+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("no config change event")
	}
}

func TestQuitEmitsShutdown(t *testing.T) {
	c, _, bus, _ := newTestCLI(t)
	shutdown := make(chan struct{}, 1)
	bus.Subscribe(events.EventShutdown, "test", func(context.Context, events.Event) error {
		shutdown <- struct{}{}
		return nil
	})

	c.Run(context.Background(), strings.NewReader("status\nquit\nstatus\n"))
	select {
	case <-shutdown:
	case <-time.After(time.Second):
		t.Fatalf("no shutdown event")
	}
}
