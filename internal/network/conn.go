package network

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/uniport-net/uniport/internal/protocol"
)

// Timeouts bound every blocking step of a stream connection.
type Timeouts struct {
	Handshake time.Duration
	Read      time.Duration
	Write     time.Duration
	Poll      time.Duration
	KeepAlive time.Duration
}

// DefaultTimeouts mirrors the configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Handshake: 10 * time.Second,
		Read:      60 * time.Second,
		Write:     10 * time.Second,
		Poll:      250 * time.Millisecond,
		KeepAlive: 5 * time.Second,
	}
}

// Stats are the traffic counters of one stream connection.
type Stats struct {
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	PacketsIn  uint64 `json:"packets_in"`
	PacketsOut uint64 `json:"packets_out"`
}

// streamConn is the reliable half shared by server sessions and clients:
// a net.Conn with framing, a serialised send path and a read loop.
type streamConn struct {
	conn     net.Conn
	br       *bufio.Reader
	frames   *protocol.FrameReader
	timeouts Timeouts

	sendMu    sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
	state     atomic.Int32

	lastActivity atomic.Int64
	bytesIn      atomic.Uint64
	bytesOut     atomic.Uint64
	packetsIn    atomic.Uint64
	packetsOut   atomic.Uint64
}

func newStreamConn(conn net.Conn, maxPacketSize int, timeouts Timeouts) *streamConn {
	br := bufio.NewReader(conn)
	c := &streamConn{
		conn:     conn,
		br:       br,
		frames:   protocol.NewFrameReader(br, maxPacketSize),
		timeouts: timeouts,
		ready:    make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.touch()
	return c
}

func (c *streamConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *streamConn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *streamConn) State() State {
	return State(c.state.Load())
}

// markReady releases senders blocked on the handshake.
func (c *streamConn) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

// close is idempotent and reports whether this call closed the socket.
func (c *streamConn) close() bool {
	closed := false
	c.closeOnce.Do(func() {
		closed = true
		c.setState(StateClosed)
		close(c.done)
		c.conn.Close()
	})
	return closed
}

func (c *streamConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// send blocks until the handshake has finished, then writes one frame under
// the send lock. Encoding errors leave the connection open; write errors
// close it.
func (c *streamConn) send(p protocol.Packet) error {
	select {
	case <-c.ready:
	case <-c.done:
		return ErrTransportClosed
	}

	frame, err := protocol.EncodeFrame(p)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrTransportClosed
	}

	if c.timeouts.Write > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.timeouts.Write))
	}
	n, err := c.conn.Write(frame)
	c.bytesOut.Add(uint64(n))
	if err != nil {
		c.close()
		return fmt.Errorf("%w: failed to write %s: %v", ErrTransportClosed, p.Tag(), err)
	}
	c.packetsOut.Add(1)
	c.touch()
	return nil
}

func (c *streamConn) stats() Stats {
	return Stats{
		BytesIn:    c.bytesIn.Load(),
		BytesOut:   c.bytesOut.Load(),
		PacketsIn:  c.packetsIn.Load(),
		PacketsOut: c.packetsOut.Load(),
	}
}

// readLoop decodes packets until the connection fails or stop reports true.
// Waiting for a tag uses a short poll deadline; idle polls send keep-alives
// at most once per keep-alive interval so a dead peer surfaces as a write
// error. A decoded packet is handed to dispatch, whose error ends the loop.
// A clean EOF from the peer returns nil.
func (c *streamConn) readLoop(proto *Protocol, stop func() bool, dispatch func(protocol.Packet) error, logger zerolog.Logger) error {
	poll := c.timeouts.Poll
	if poll <= 0 {
		poll = DefaultTimeouts().Poll
	}
	interval := c.timeouts.KeepAlive
	if interval <= 0 {
		interval = DefaultTimeouts().KeepAlive
	}
	keepAlive := rate.NewLimiter(rate.Every(interval), 1)
	keepAlive.Allow() // first keep-alive after one full interval

	for {
		if stop() || c.isClosed() {
			return nil
		}

		c.conn.SetReadDeadline(time.Now().Add(poll))
		if _, err := c.frames.PeekTag(); err != nil {
			if isTimeout(err) {
				if keepAlive.Allow() {
					if err := c.send(KeepAlive{}); err != nil {
						return err
					}
					logger.Trace().Msg("keep-alive sent")
				}
				continue
			}
			return cleanEOF(err)
		}

		if c.timeouts.Read > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.timeouts.Read))
		} else {
			c.conn.SetReadDeadline(time.Time{})
		}

		tag, err := c.frames.ReadTag()
		if err != nil {
			return cleanEOF(err)
		}
		entry, ok := proto.entry(tag)
		if !ok {
			return fmt.Errorf("%w: %s in protocol %s", ErrUnknownPacket, tag, proto.Name())
		}
		payload, err := c.frames.ReadPayload(entry.constant, entry.size)
		if err != nil {
			return err
		}
		p, err := protocol.Decode(entry.factory, payload)
		if err != nil {
			return err
		}

		read := protocol.TagSize + len(payload)
		if !entry.constant {
			read += protocol.LengthPrefixSize
		}
		c.bytesIn.Add(uint64(read))
		c.packetsIn.Add(1)
		c.touch()

		if tag == KeepAliveTag {
			logger.Trace().Msg("keep-alive received")
			continue
		}
		if err := dispatch(p); err != nil {
			return err
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func cleanEOF(err error) error {
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// invoke runs the packet's handler, if any. A panic is converted into an
// ErrHandlerPanic error; handler errors are returned wrapped.
func invoke(ctx *Context, p protocol.Packet) (err error) {
	h, ok := p.(Handler)
	if !ok {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, p.Tag(), r)
		}
	}()
	if err := h.OnReceive(ctx); err != nil {
		return fmt.Errorf("%s handler: %w", p.Tag(), err)
	}
	return nil
}
