package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/uniport-net/uniport/internal/protocol"
)

// DefaultRequestTimeout bounds Receive when no timeout is given.
const DefaultRequestTimeout = 5 * time.Second

// RequestClient is a datagram socket bound to one server address. It sends
// request datagrams and waits a fixed time for each reply. It is not
// multiplexed: one Receive at a time.
type RequestClient struct {
	conn    *net.UDPConn
	timeout time.Duration

	mu  sync.Mutex
	buf []byte
}

// DialRequest opens a RequestClient to addr ("host:port").
func DialRequest(ctx context.Context, addr string, timeout time.Duration) (*RequestClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return newRequestClient(conn.(*net.UDPConn), timeout), nil
}

func newRequestClient(conn *net.UDPConn, timeout time.Duration) *RequestClient {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &RequestClient{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, datagramReadSize),
	}
}

// Send writes one request datagram. The size limit is checked before
// anything is written.
func (c *RequestClient) Send(proto *Protocol, p protocol.Packet, correlationID uint32) error {
	b, err := protocol.EncodeRequest(proto.Tag(), correlationID, p)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to send %s datagram: %w", p.Tag(), err)
	}
	return nil
}

// Receive waits for one reply and decodes it with proto's registry.
func (c *RequestClient) Receive(proto *Protocol) (protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag, section, err := c.read(time.Now().Add(c.timeout))
	if err != nil {
		return nil, err
	}
	return decodeReply(proto, tag, section)
}

// ReceiveAs waits for one reply of the packet type made by factory.
func (c *RequestClient) ReceiveAs(factory protocol.Factory) (protocol.Packet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tag, section, err := c.read(time.Now().Add(c.timeout))
	if err != nil {
		return nil, err
	}
	sample := factory()
	if tag != sample.Tag() {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrUnexpectedReply, tag, sample.Tag())
	}
	payload, err := protocol.DatagramPayload(section, sample.ConstantSize(), sample.Size())
	if err != nil {
		return nil, err
	}
	return protocol.Decode(factory, payload)
}

// Request sends p outside any session (correlation id 0) and decodes the
// reply with proto's registry.
func (c *RequestClient) Request(proto *Protocol, p protocol.Packet) (protocol.Packet, error) {
	if err := c.Send(proto, p, 0); err != nil {
		return nil, err
	}
	return c.Receive(proto)
}

// read returns the tag and payload section of one datagram. A zero
// deadline blocks until a datagram arrives or the socket is closed.
func (c *RequestClient) read(deadline time.Time) (protocol.Tag, []byte, error) {
	c.conn.SetReadDeadline(deadline)
	n, err := c.conn.Read(c.buf)
	if err != nil {
		if isTimeout(err) {
			return 0, nil, ErrReplyTimeout
		}
		if errors.Is(err, net.ErrClosed) {
			return 0, nil, ErrTransportClosed
		}
		return 0, nil, err
	}
	if n > protocol.MaxDatagramSize {
		return 0, nil, fmt.Errorf("%w: received %d bytes", protocol.ErrDatagramTooLarge, n)
	}
	tag, section, err := protocol.ParseReplyTag(c.buf[:n])
	if err != nil {
		return 0, nil, err
	}
	// The buffer is reused by the next read.
	return tag, append([]byte(nil), section...), nil
}

func decodeReply(proto *Protocol, tag protocol.Tag, section []byte) (protocol.Packet, error) {
	entry, ok := proto.entry(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %s in protocol %s", ErrUnknownPacket, tag, proto.Name())
	}
	payload, err := protocol.DatagramPayload(section, entry.constant, entry.size)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(entry.factory, payload)
}

// Timeout returns the fixed receive timeout.
func (c *RequestClient) Timeout() time.Duration {
	return c.timeout
}

func (c *RequestClient) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

func (c *RequestClient) RemoteAddr() *net.UDPAddr {
	return c.conn.RemoteAddr().(*net.UDPAddr)
}

// Close closes the socket.
func (c *RequestClient) Close() error {
	return c.conn.Close()
}
