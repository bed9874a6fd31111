package network

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/protocol"
)

// Transport is a set of transports a protocol may run over.
type Transport uint8

const (
	Reliable Transport = 1 << iota
	Unreliable
)

// Has reports whether every transport in o is in t.
func (t Transport) Has(o Transport) bool {
	return t&o == o
}

func (t Transport) String() string {
	var parts []string
	if t.Has(Reliable) {
		parts = append(parts, "reliable")
	}
	if t.Has(Unreliable) {
		parts = append(parts, "unreliable")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// KeepAliveTag is registered in every protocol. Keep-alives are consumed by
// the stream loop and never reach a handler.
var KeepAliveTag = protocol.TagOf("KALV")

// KeepAlive is the empty packet sent by an idle stream loop.
type KeepAlive struct {
	protocol.Empty
}

func (KeepAlive) Tag() protocol.Tag { return KeepAliveTag }

type packetEntry struct {
	factory  protocol.Factory
	size     int
	constant bool
}

// Protocol is a named registry of packet types plus the handshake used to
// establish a session. A protocol is shared by every session that speaks
// it and holds no per-session state. Registration is only allowed until
// the protocol is attached to a running server or client.
type Protocol struct {
	name       string
	tag        protocol.Tag
	transports Transport
	handshaker Handshaker
	packets    map[protocol.Tag]packetEntry
	sealed     atomic.Bool
}

// NewProtocol creates a protocol. A nil handshaker selects NoHandshake.
func NewProtocol(name string, tag protocol.Tag, transports Transport, handshaker Handshaker) *Protocol {
	if handshaker == nil {
		handshaker = NoHandshake{}
	}
	p := &Protocol{
		name:       name,
		tag:        tag,
		transports: transports,
		handshaker: handshaker,
		packets:    make(map[protocol.Tag]packetEntry),
	}
	p.Register(func() protocol.Packet { return KeepAlive{} })
	return p
}

// Register adds a packet type. A later registration with the same tag
// replaces the earlier one. Registering on a sealed protocol panics.
func (p *Protocol) Register(factory protocol.Factory) {
	if p.sealed.Load() {
		panic(fmt.Sprintf("network: protocol %s is sealed, register packets before starting", p.name))
	}
	sample := factory()
	tag := sample.Tag()
	if _, exists := p.packets[tag]; exists {
		log.Debug().
			Str("protocol", p.name).
			Stringer("packet", tag).
			Msg("packet tag re-registered, replacing previous type")
	}
	p.packets[tag] = packetEntry{
		factory:  factory,
		size:     sample.Size(),
		constant: sample.ConstantSize(),
	}
}

// Lookup returns the factory registered for tag.
func (p *Protocol) Lookup(tag protocol.Tag) (protocol.Factory, bool) {
	e, ok := p.packets[tag]
	return e.factory, ok
}

func (p *Protocol) entry(tag protocol.Tag) (packetEntry, bool) {
	e, ok := p.packets[tag]
	return e, ok
}

func (p *Protocol) seal() {
	p.sealed.Store(true)
}

func (p *Protocol) Name() string           { return p.name }
func (p *Protocol) Tag() protocol.Tag      { return p.tag }
func (p *Protocol) Transports() Transport  { return p.transports }
func (p *Protocol) Handshaker() Handshaker { return p.handshaker }
func (p *Protocol) Sealed() bool           { return p.sealed.Load() }
func (p *Protocol) PacketCount() int       { return len(p.packets) }
