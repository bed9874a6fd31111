package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/protocol"
)

// ClientConfig configures Dial.
type ClientConfig struct {
	// Identity is announced in the handshake. An empty UUID gets a random one.
	Identity Identity

	// DatagramAddr is the server's datagram address; empty disables the
	// unreliable transport.
	DatagramAddr string

	MaxPacketSize  int
	Timeouts       Timeouts
	RequestTimeout time.Duration
}

// DefaultClientConfig returns a config with default limits and timeouts.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxPacketSize:  protocol.DefaultMaxPacketSize,
		Timeouts:       DefaultTimeouts(),
		RequestTimeout: DefaultRequestTimeout,
	}
}

// Client is the peer side of one session: a handshaken stream connection
// with its own read loop and, optionally, a datagram socket.
type Client struct {
	proto  *Protocol
	cfg    ClientConfig
	stream *streamConn
	udp    *RequestClient
	logger zerolog.Logger

	id     uint32
	server Identity

	reqMu   sync.Mutex
	waiting atomic.Bool
	replies chan protocol.Packet

	closed atomic.Bool
	done   chan struct{}
	errMu  sync.Mutex
	err    error
}

// Dial connects to a server, runs the client handshake for proto and
// starts the read loops.
func Dial(ctx context.Context, addr string, proto *Protocol, cfg ClientConfig) (*Client, error) {
	if !proto.Transports().Has(Reliable) {
		return nil, fmt.Errorf("%w: %s has no reliable transport", ErrUnknownProtocol, proto.Name())
	}
	proto.seal()

	if cfg.Identity.UUID == "" {
		cfg.Identity.UUID = uuid.NewString()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	stream := newStreamConn(conn, cfg.MaxPacketSize, cfg.Timeouts)
	stream.setState(StateHandshaking)
	if cfg.Timeouts.Handshake > 0 {
		conn.SetDeadline(time.Now().Add(cfg.Timeouts.Handshake))
	}

	hs := newHandshake(0, cfg.Identity, stream.br, conn)
	err = hs.Send(protocol.NewWriter().WriteUint32(uint32(proto.Tag())))
	if err == nil {
		hs.CorrelationID = hs.Reader().ReadUint32()
		err = hs.Reader().Err()
	}
	if err == nil {
		err = proto.Handshaker().ClientHandshake(hs)
	}
	if err != nil {
		stream.close()
		return nil, fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	conn.SetDeadline(time.Time{})

	c := &Client{
		proto:   proto,
		cfg:     cfg,
		stream:  stream,
		id:      hs.CorrelationID,
		server:  hs.Remote,
		replies: make(chan protocol.Packet, 1),
		done:    make(chan struct{}),
		logger: log.With().
			Str("component", "client").
			Str("remote", addr).
			Str("session", FormatID(hs.CorrelationID)).
			Str("protocol", proto.Name()).
			Logger(),
	}

	if cfg.DatagramAddr != "" && proto.Transports().Has(Unreliable) {
		udp, err := c.dialDatagram(conn.LocalAddr(), cfg.DatagramAddr)
		if err != nil {
			c.logger.Warn().Err(err).Msg("datagram transport unavailable")
		} else {
			c.udp = udp
		}
	}

	stream.setState(StateStreaming)
	stream.markReady()
	c.logger.Info().Str("server", c.server.Name).Msg("connected")

	go c.run()
	if c.udp != nil {
		go c.datagramLoop()
	}
	return c, nil
}

// dialDatagram binds the UDP socket to the TCP connection's local port when
// that port is free, so the server sees one address for both transports.
func (c *Client) dialDatagram(local net.Addr, remote string) (*RequestClient, error) {
	raddr, err := net.ResolveUDPAddr("udp", remote)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", remote, err)
	}

	if tcp, ok := local.(*net.TCPAddr); ok {
		laddr := &net.UDPAddr{IP: tcp.IP, Port: tcp.Port, Zone: tcp.Zone}
		conn, err := net.DialUDP("udp", laddr, raddr)
		if err == nil {
			return newRequestClient(conn, c.cfg.RequestTimeout), nil
		}
		c.logger.Debug().Err(err).Msg("local port busy for datagrams, using an ephemeral port")
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial datagram socket %s: %w", remote, err)
	}
	return newRequestClient(conn, c.cfg.RequestTimeout), nil
}

func (c *Client) run() {
	err := c.stream.readLoop(c.proto, c.closed.Load, c.dispatch, c.logger)

	switch {
	case err == nil, c.closed.Load():
		c.logger.Debug().AnErr("cause", err).Msg("stream ended")
	default:
		c.logger.Warn().Err(err).Msg("connection lost")
	}

	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()

	c.stream.close()
	if c.udp != nil {
		c.udp.Close()
	}
	close(c.done)
}

func (c *Client) dispatch(p protocol.Packet) error {
	ctx := &Context{
		Client:    c,
		Protocol:  c.proto,
		Transport: Reliable,
		Remote:    c.stream.conn.RemoteAddr(),
		reply:     c.Send,
	}
	err := invoke(ctx, p)
	if err == nil || errors.Is(err, ErrHandlerPanic) {
		return err
	}
	c.logger.Warn().Err(err).Msg("packet handler failed")
	return nil
}

func (c *Client) datagramLoop() {
	for {
		tag, section, err := c.udp.read(time.Time{})
		if err != nil {
			if c.closed.Load() || errors.Is(err, ErrTransportClosed) {
				return
			}
			c.logger.Debug().Err(err).Msg("datagram dropped")
			continue
		}
		p, err := decodeReply(c.proto, tag, section)
		if err != nil {
			c.logger.Debug().Err(err).Msg("datagram dropped")
			continue
		}

		if c.waiting.Load() {
			select {
			case c.replies <- p:
				continue
			default:
			}
		}

		ctx := &Context{
			Client:    c,
			Protocol:  c.proto,
			Transport: Unreliable,
			Remote:    c.udp.RemoteAddr(),
			reply: func(r protocol.Packet) error {
				return c.udp.Send(c.proto, r, c.id)
			},
		}
		if err := invoke(ctx, p); err != nil {
			c.logger.Warn().Err(err).Msg("datagram handler failed")
		}
	}
}

// Send writes p over the reliable transport.
func (c *Client) Send(p protocol.Packet) error {
	return c.stream.send(p)
}

// SendUnreliable sends p as a datagram carrying this session's correlation
// id. With expectReply it waits up to the request timeout for the next
// datagram from the server and returns it.
func (c *Client) SendUnreliable(p protocol.Packet, expectReply bool) (protocol.Packet, error) {
	if c.udp == nil {
		return nil, ErrNoDatagramSocket
	}
	if c.closed.Load() {
		return nil, ErrTransportClosed
	}
	if !expectReply {
		return nil, c.udp.Send(c.proto, p, c.id)
	}

	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	select {
	case <-c.replies:
	default:
	}
	c.waiting.Store(true)
	defer c.waiting.Store(false)

	if err := c.udp.Send(c.proto, p, c.id); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.udp.Timeout())
	defer timer.Stop()
	select {
	case reply := <-c.replies:
		return reply, nil
	case <-timer.C:
		return nil, ErrReplyTimeout
	case <-c.done:
		return nil, ErrTransportClosed
	}
}

// Close ends the session. It is idempotent.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.stream.close()
	if c.udp != nil {
		c.udp.Close()
	}
	return nil
}

// Done is closed once the read loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the read loop exited; nil for a clean close.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) CorrelationID() uint32 { return c.id }
func (c *Client) ServerName() string    { return c.server.Name }
func (c *Client) ServerMotd() string    { return c.server.Motd }
func (c *Client) Identity() Identity    { return c.cfg.Identity }
func (c *Client) Protocol() *Protocol   { return c.proto }
func (c *Client) State() State          { return c.stream.State() }
func (c *Client) Stats() Stats          { return c.stream.stats() }

// LocalAddr returns the local TCP address.
func (c *Client) LocalAddr() net.Addr {
	return c.stream.conn.LocalAddr()
}

// DatagramLocalAddr returns the local UDP address, or nil without one.
func (c *Client) DatagramLocalAddr() *net.UDPAddr {
	if c.udp == nil {
		return nil
	}
	return c.udp.LocalAddr()
}
