// Package chat is the application protocol hosted by the daemon: relayed
// chat messages, best-effort positions over datagrams, operator notices and
// sessionless server discovery.
package chat

import (
	"context"
	"time"

	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/protocol"
)

const (
	ProtocolName = "CHAT"

	// MaxTextLength caps chat message text in runes.
	MaxTextLength = 512

	// positionKey stores the last Position on a session.
	positionKey = "chat.position"
)

// ProtocolTag is sent by peers to select this protocol.
var ProtocolTag = protocol.TagOf("CHAT")

// Hooks connects packet handlers to the rest of the process. Server-side
// fields are used when the protocol is attached to a server, client-side
// callbacks when it is attached to a client. Every field is optional.
type Hooks struct {
	// Server side.
	Events  *events.EventBus
	Version string

	// Client side.
	OnMessage  func(m ChatMessage)
	OnNotice   func(text string)
	OnPosition func(p Position)
}

func (h *Hooks) emit(event events.Event) {
	if h.Events != nil {
		h.Events.Emit(context.Background(), event)
	}
}

// NewProtocol builds the CHAT protocol. Each side of a connection needs its
// own instance; hooks may be nil.
func NewProtocol(hooks *Hooks) *network.Protocol {
	if hooks == nil {
		hooks = &Hooks{}
	}
	if hooks.Version == "" {
		hooks.Version = "dev"
	}

	p := network.NewProtocol(ProtocolName, ProtocolTag, network.Reliable|network.Unreliable, network.IdentityHandshake{})
	p.Register(func() protocol.Packet { return &ChatMessage{hooks: hooks} })
	p.Register(func() protocol.Packet { return &Position{hooks: hooks} })
	p.Register(func() protocol.Packet { return &Discover{hooks: hooks} })
	p.Register(func() protocol.Packet { return &ServerInfo{} })
	p.Register(func() protocol.Packet { return &Notice{hooks: hooks} })
	return p
}

// Announce sends an operator notice to every connected peer.
func Announce(s *network.Server, text string) network.BroadcastReport {
	return s.Broadcast(&Notice{Text: text})
}

// LastPosition returns the last position a session reported.
func LastPosition(s *network.Session) (Position, bool) {
	v, ok := s.Get(positionKey)
	if !ok {
		return Position{}, false
	}
	p, ok := v.(Position)
	return p, ok
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
