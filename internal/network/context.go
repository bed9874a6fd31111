package network

import (
	"net"

	"github.com/uniport-net/uniport/internal/protocol"
)

// Handler is implemented by packets that react to being received.
type Handler interface {
	OnReceive(ctx *Context) error
}

// Sessionless is implemented by datagram packets that may arrive with
// correlation id 0, outside any session (discovery probes).
type Sessionless interface {
	AllowSessionless() bool
}

// Context describes where a packet came from. On a server Server is set and
// Session is the originating session (nil for sessionless datagrams); on a
// client only Client is set.
type Context struct {
	Server    *Server
	Session   *Session
	Client    *Client
	Protocol  *Protocol
	Transport Transport
	Remote    net.Addr

	reply func(protocol.Packet) error
}

// Reply answers over the transport the packet arrived on: a stream frame on
// the reliable transport, a reply datagram to the source on the unreliable one.
func (c *Context) Reply(p protocol.Packet) error {
	if c.reply == nil {
		return ErrTransportClosed
	}
	return c.reply(p)
}

// BroadcastExcept sends p reliably to every session except the originating
// one. It is a no-op on a client.
func (c *Context) BroadcastExcept(p protocol.Packet) BroadcastReport {
	if c.Server == nil {
		return BroadcastReport{}
	}
	return c.Server.BroadcastExcept(p, c.Session)
}
