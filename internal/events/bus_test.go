package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEmitSyncRunsAllHandlers(t *testing.T) {
	bus := NewEventBus()
	var calls atomic.Int32
	boom := errors.New("boom")

	bus.Subscribe(EventPeerJoined, "a", func(context.Context, Event) error {
		calls.Add(1)
		return nil
	})
	bus.Subscribe(EventPeerJoined, "b", func(context.Context, Event) error {
		calls.Add(1)
		return boom
	})
	bus.Subscribe(EventPeerJoined, "c", func(context.Context, Event) error {
		calls.Add(1)
		panic("handler bug")
	})

	err := bus.EmitSync(context.Background(), Event{Type: EventPeerJoined})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls.Load() != 3 {
		t.Fatalf("calls=%d want 3", calls.Load())
	}
}

func TestEmitIsAsyncAndStopWaits(t *testing.T) {
	bus := NewEventBus()
	release := make(chan struct{})
	var done atomic.Bool
	bus.Subscribe(EventChatMessage, "slow", func(context.Context, Event) error {
		<-release
		done.Store(true)
		return nil
	})

	bus.Emit(context.Background(), Event{Type: EventChatMessage})
	if done.Load() {
		t.Fatalf("Emit waited for the handler")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	bus.Stop()
	if !done.Load() {
		t.Fatalf("Stop returned before in-flight handlers finished")
	}

	bus.Emit(context.Background(), Event{Type: EventChatMessage})
	bus.Stop()
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	bus.Subscribe(EventKick, "a", func(context.Context, Event) error { return nil })
	bus.Subscribe(EventKick, "b", func(context.Context, Event) error { return nil })
	bus.Unsubscribe(EventKick, "a")
	if n := bus.HandlerCount(EventKick); n != 1 {
		t.Fatalf("handlers=%d want 1", n)
	}
}
