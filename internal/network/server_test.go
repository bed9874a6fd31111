package network

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/uniport-net/uniport/internal/protocol"
)

// pong is the constant-size, empty packet of the PING protocol.
type pong struct {
	protocol.Empty
	hits *atomic.Int32
}

func (*pong) Tag() protocol.Tag { return protocol.TagOf("PONG") }

func (p *pong) OnReceive(ctx *Context) error {
	if ctx.Server != nil {
		p.hits.Add(1)
	}
	return nil
}

// nudge carries one u32 over datagrams and answers with value+1.
type nudge struct {
	Value uint32
	seen  chan<- uint32
}

func (*nudge) Tag() protocol.Tag  { return protocol.TagOf("NUDG") }
func (*nudge) Size() int          { return 4 }
func (*nudge) ConstantSize() bool { return true }

func (n *nudge) Encode(w *protocol.Writer) error {
	w.WriteUint32(n.Value)
	return nil
}

func (n *nudge) Decode(r *protocol.Reader, _ int) error {
	n.Value = r.ReadUint32()
	return r.Err()
}

func (n *nudge) OnReceive(ctx *Context) error {
	if ctx.Server == nil {
		return nil
	}
	n.seen <- ctx.Session.ID()
	return ctx.Reply(&nudge{Value: n.Value + 1})
}

// scout is allowed without a session.
type scout struct {
	protocol.Empty
}

func (*scout) Tag() protocol.Tag      { return protocol.TagOf("SCOT") }
func (*scout) AllowSessionless() bool { return true }

func (*scout) OnReceive(ctx *Context) error {
	return ctx.Reply(&nudge{Value: 7})
}

// blob is a length-prefixed packet used for oversize checks.
type blob struct {
	protocol.Variable
	Data string
}

func (*blob) Tag() protocol.Tag { return protocol.TagOf("BLOB") }

func (b *blob) Encode(w *protocol.Writer) error {
	w.WriteString(b.Data)
	return w.Err()
}

func (b *blob) Decode(r *protocol.Reader, _ int) error {
	b.Data = r.ReadString()
	return r.Err()
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.BindAddress = "127.0.0.1"
	opts.Timeouts.Handshake = 2 * time.Second
	opts.Timeouts.Poll = 20 * time.Millisecond
	opts.Timeouts.KeepAlive = time.Minute
	return opts
}

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Identity = Identity{Name: "tester"}
	cfg.Timeouts.Poll = 20 * time.Millisecond
	cfg.Timeouts.KeepAlive = time.Minute
	cfg.RequestTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, srv *Server, reliablePort, datagramPort int) {
	t.Helper()
	if err := srv.Start(context.Background(), reliablePort, datagramPort); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
}

func dial(t *testing.T, srv *Server, proto *Protocol, cfg ClientConfig) *Client {
	t.Helper()
	c, err := Dial(context.Background(), srv.ReliableAddr().String(), proto, cfg)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func pingProtocol(hits *atomic.Int32) *Protocol {
	p := NewProtocol("PING", protocol.TagOf("PING"), Reliable, nil)
	p.Register(func() protocol.Packet { return &pong{hits: hits} })
	return p
}

func TestPingPongScenario(t *testing.T) {
	var hits atomic.Int32
	serverProto := pingProtocol(&hits)
	clientProto := pingProtocol(new(atomic.Int32))

	srv := NewServer(testOptions(), serverProto)
	startServer(t, srv, 0, -1)
	if srv.DatagramAddr() != nil {
		t.Fatalf("datagram socket bound for a reliable-only protocol")
	}

	c := dial(t, srv, clientProto, testClientConfig())
	if c.CorrelationID() == 0 {
		t.Fatalf("client received zero correlation id")
	}
	if err := c.Send(&pong{}); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "PONG handler", func() bool { return hits.Load() == 1 })

	sess, ok := srv.Session(c.CorrelationID())
	if !ok {
		t.Fatalf("session %08x not registered", c.CorrelationID())
	}
	// Four tag bytes and nothing else: no length prefix for a constant-size packet.
	if got := sess.Stats().BytesIn; got != protocol.TagSize {
		t.Fatalf("server read %d bytes for PONG, want %d", got, protocol.TagSize)
	}
	if hits.Load() != 1 {
		t.Fatalf("counter=%d want 1", hits.Load())
	}
}

func TestTagShadowingLastRegistrationWins(t *testing.T) {
	var first, second atomic.Int32
	proto := NewProtocol("PING", protocol.TagOf("PING"), Reliable, nil)
	proto.Register(func() protocol.Packet { return &pong{hits: &first} })
	proto.Register(func() protocol.Packet { return &pong{hits: &second} })

	if proto.PacketCount() != 2 {
		t.Fatalf("packet count=%d want 2 (PONG and keep-alive)", proto.PacketCount())
	}
	factory, ok := proto.Lookup(protocol.TagOf("PONG"))
	if !ok {
		t.Fatalf("PONG not registered")
	}
	if factory().(*pong).hits != &second {
		t.Fatalf("first registration still active")
	}
	if _, ok := proto.Lookup(KeepAliveTag); !ok {
		t.Fatalf("keep-alive not registered")
	}
}

func TestRegisterAfterStartPanics(t *testing.T) {
	proto := pingProtocol(new(atomic.Int32))
	srv := NewServer(testOptions(), proto)
	startServer(t, srv, 0, -1)

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic registering on a sealed protocol")
		}
	}()
	proto.Register(func() protocol.Packet { return &blob{} })
}

func correlationProtocol(seen chan<- uint32) *Protocol {
	p := NewProtocol("CORR", protocol.TagOf("CORR"), Reliable|Unreliable, nil)
	p.Register(func() protocol.Packet { return &nudge{seen: seen} })
	p.Register(func() protocol.Packet { return &scout{} })
	p.Register(func() protocol.Packet { return &blob{} })
	return p
}

func startCorrelationServer(t *testing.T, opts Options) (*Server, chan uint32) {
	t.Helper()
	seen := make(chan uint32, 8)
	srv := NewServer(opts, correlationProtocol(seen))
	startServer(t, srv, 0, 0)
	return srv, seen
}

func expectNothing(t *testing.T, seen <-chan uint32) {
	t.Helper()
	select {
	case id := <-seen:
		t.Fatalf("datagram dispatched to session %08x, want dropped", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestHandshakeCorrelation(t *testing.T) {
	srv, seen := startCorrelationServer(t, testOptions())

	cfg := testClientConfig()
	cfg.DatagramAddr = srv.DatagramAddr().String()
	c := dial(t, srv, correlationProtocol(nil), cfg)

	reply, err := c.SendUnreliable(&nudge{Value: 41}, true)
	if err != nil {
		t.Fatalf("send unreliable: %v", err)
	}
	if got := reply.(*nudge).Value; got != 42 {
		t.Fatalf("reply value=%d want 42", got)
	}
	select {
	case id := <-seen:
		if id != c.CorrelationID() {
			t.Fatalf("datagram matched session %08x, want %08x", id, c.CorrelationID())
		}
	case <-time.After(time.Second):
		t.Fatalf("datagram with the session's id was not dispatched")
	}

	// Same address, wrong id.
	wrong := c.CorrelationID() + 1
	if wrong == 0 {
		wrong = 1
	}
	raw, err := net.DialUDP("udp", nil, srv.DatagramAddr())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer raw.Close()
	b, err := protocol.EncodeRequest(protocol.TagOf("CORR"), wrong, &nudge{Value: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := raw.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectNothing(t, seen)
}

func TestStrictDatagramPortRejectsOtherPorts(t *testing.T) {
	opts := testOptions()
	opts.StrictDatagramPort = true
	srv, seen := startCorrelationServer(t, opts)

	c := dial(t, srv, correlationProtocol(nil), testClientConfig())

	// Right id and IP, but not the session's TCP source port.
	raw, err := net.DialUDP("udp", nil, srv.DatagramAddr())
	if err != nil {
		t.Fatalf("dial udp: %v", err)
	}
	defer raw.Close()
	b, err := protocol.EncodeRequest(protocol.TagOf("CORR"), c.CorrelationID(), &nudge{Value: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw.Write(b)
	expectNothing(t, seen)
}

func TestSessionlessDatagrams(t *testing.T) {
	srv, seen := startCorrelationServer(t, testOptions())
	proto := correlationProtocol(nil)

	rc, err := DialRequest(context.Background(), srv.DatagramAddr().String(), 300*time.Millisecond)
	if err != nil {
		t.Fatalf("dial request: %v", err)
	}
	defer rc.Close()

	reply, err := rc.Request(proto, &scout{})
	if err != nil {
		t.Fatalf("scout: %v", err)
	}
	if reply.(*nudge).Value != 7 {
		t.Fatalf("unexpected scout reply %+v", reply)
	}

	if err := rc.Send(proto, &scout{}, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	typed, err := rc.ReceiveAs(func() protocol.Packet { return &nudge{} })
	if err != nil {
		t.Fatalf("receive as nudge: %v", err)
	}
	if typed.(*nudge).Value != 7 {
		t.Fatalf("typed reply value=%d want 7", typed.(*nudge).Value)
	}

	if err := rc.Send(proto, &scout{}, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := rc.ReceiveAs(func() protocol.Packet { return &blob{} }); !errors.Is(err, ErrUnexpectedReply) {
		t.Fatalf("expected ErrUnexpectedReply, got %v", err)
	}

	// A session-bound packet type without a session is dropped.
	if err := rc.Send(proto, &nudge{Value: 1}, 0); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := rc.Receive(proto); !errors.Is(err, ErrReplyTimeout) {
		t.Fatalf("expected ErrReplyTimeout, got %v", err)
	}
	expectNothing(t, seen)
}

func TestOversizedDatagramFailsBeforeWrite(t *testing.T) {
	sink, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer sink.Close()

	rc, err := DialRequest(context.Background(), sink.LocalAddr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial request: %v", err)
	}
	defer rc.Close()

	proto := correlationProtocol(nil)
	big := &blob{Data: strings.Repeat("x", protocol.MaxDatagramSize)}
	if err := rc.Send(proto, big, 1); !errors.Is(err, protocol.ErrDatagramTooLarge) {
		t.Fatalf("expected ErrDatagramTooLarge, got %v", err)
	}

	sink.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1024)
	if n, _, err := sink.ReadFromUDP(buf); err == nil {
		t.Fatalf("%d bytes reached the socket", n)
	}
}

func TestUnknownTagClosesOnlyThatConnection(t *testing.T) {
	var hits atomic.Int32
	srv := NewServer(testOptions(), pingProtocol(&hits))
	startServer(t, srv, 0, -1)

	good := dial(t, srv, pingProtocol(new(atomic.Int32)), testClientConfig())

	bad, err := net.Dial("tcp", srv.ReliableAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer bad.Close()
	tag := protocol.TagOf("PING").Bytes()
	bad.Write(tag[:])
	var id [4]byte
	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(bad, id[:]); err != nil {
		t.Fatalf("read correlation id: %v", err)
	}
	if binary.BigEndian.Uint32(id[:]) == 0 {
		t.Fatalf("zero correlation id")
	}
	waitFor(t, "two sessions", func() bool { return srv.Count() == 2 })

	unknown := protocol.TagOf("ZZZZ").Bytes()
	bad.Write(append(unknown[:], 0, 0, 0, 0))

	bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadAll(bad); err != nil && isTimeout(err) {
		t.Fatalf("connection with unknown tag was not closed")
	}
	waitFor(t, "bad session removal", func() bool { return srv.Count() == 1 })

	if err := good.Send(&pong{}); err != nil {
		t.Fatalf("healthy client send: %v", err)
	}
	waitFor(t, "healthy PONG", func() bool { return hits.Load() == 1 })
}

func TestUnknownProtocolRejected(t *testing.T) {
	srv := NewServer(testOptions(), pingProtocol(new(atomic.Int32)))
	startServer(t, srv, 0, -1)

	other := NewProtocol("NOPE", protocol.TagOf("NOPE"), Reliable, nil)
	if _, err := Dial(context.Background(), srv.ReliableAddr().String(), other, testClientConfig()); err == nil {
		t.Fatalf("expected handshake failure for unknown protocol")
	}
	if srv.Count() != 0 {
		t.Fatalf("count=%d want 0", srv.Count())
	}
}

func TestIdentityHandshake(t *testing.T) {
	newProto := func() *Protocol {
		p := NewProtocol("IDNT", protocol.TagOf("IDNT"), Reliable, IdentityHandshake{})
		p.Register(func() protocol.Packet { return &pong{hits: new(atomic.Int32)} })
		return p
	}
	opts := testOptions()
	opts.Name = "arena"
	opts.Motd = "be nice"
	srv := NewServer(opts, newProto())
	joined := make(chan *Session, 1)
	left := make(chan *Session, 1)
	srv.OnJoin = func(s *Session) { joined <- s }
	srv.OnLeave = func(s *Session) { left <- s }
	startServer(t, srv, 0, -1)

	cfg := testClientConfig()
	cfg.Identity = Identity{Name: "ana", UUID: uuid.NewString()}
	c := dial(t, srv, newProto(), cfg)

	if c.ServerName() != "arena" || c.ServerMotd() != "be nice" {
		t.Fatalf("server identity=%q/%q", c.ServerName(), c.ServerMotd())
	}
	var sess *Session
	select {
	case sess = <-joined:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnJoin not called")
	}
	if sess.ID() != c.CorrelationID() || sess.Name() != "ana" || sess.Identity().UUID != cfg.Identity.UUID {
		t.Fatalf("session identity mismatch: %+v", sess.Info())
	}

	c.Close()
	select {
	case s := <-left:
		if s != sess {
			t.Fatalf("OnLeave for a different session")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("OnLeave not called")
	}
	if srv.Count() != 0 {
		t.Fatalf("count=%d after leave", srv.Count())
	}
}

func TestIdentityHandshakeRejectsBadUUID(t *testing.T) {
	newProto := func() *Protocol {
		return NewProtocol("IDNT", protocol.TagOf("IDNT"), Reliable, IdentityHandshake{})
	}
	srv := NewServer(testOptions(), newProto())
	var joins atomic.Int32
	srv.OnJoin = func(*Session) { joins.Add(1) }
	startServer(t, srv, 0, -1)

	cfg := testClientConfig()
	cfg.Identity = Identity{Name: "ana", UUID: "not-a-uuid"}
	c, err := Dial(context.Background(), srv.ReliableAddr().String(), newProto(), cfg)
	if err != nil {
		// The server may close before the client finishes writing.
		return
	}
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("rejected client stayed connected")
	}
	if joins.Load() != 0 || srv.Count() != 0 {
		t.Fatalf("rejected peer joined: joins=%d count=%d", joins.Load(), srv.Count())
	}
}

func TestAcceptsPeerFiltersConnections(t *testing.T) {
	srv := NewServer(testOptions(), pingProtocol(new(atomic.Int32)))
	srv.AcceptsPeer = func(net.Addr) bool { return false }
	startServer(t, srv, 0, -1)

	if _, err := Dial(context.Background(), srv.ReliableAddr().String(), pingProtocol(new(atomic.Int32)), testClientConfig()); err == nil {
		t.Fatalf("filtered peer completed the handshake")
	}
}

func TestDatagramBindFailureRollsBackReliable(t *testing.T) {
	busy, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	srv := NewServer(testOptions(), correlationProtocol(nil))
	err = srv.Start(context.Background(), 0, busy.LocalAddr().(*net.UDPAddr).Port)
	if err == nil {
		srv.Close()
		t.Fatalf("start succeeded on a datagram port already in use")
	}
	if srv.ReliableAddr() != nil {
		t.Fatalf("reliable listener left open after datagram bind failure")
	}
}

func TestSecondServerCannotShareDatagramPort(t *testing.T) {
	first, _ := startCorrelationServer(t, testOptions())
	port := first.DatagramAddr().Port

	second := NewServer(testOptions(), correlationProtocol(nil))
	if err := second.Start(context.Background(), 0, port); err == nil {
		second.Close()
		t.Fatalf("second server bound datagram port %d held by the first", port)
	}
	if second.ReliableAddr() != nil || second.DatagramAddr() != nil {
		t.Fatalf("second server kept sockets after a failed start")
	}

	// The failed attempt does not free the port up for a retry either.
	if err := second.Start(context.Background(), 0, port); err == nil {
		second.Close()
		t.Fatalf("retry bound datagram port %d held by the first", port)
	}
}

func TestCloseReachesConnectionsInHandshake(t *testing.T) {
	proto := NewProtocol("IDNT", protocol.TagOf("IDNT"), Reliable, IdentityHandshake{})
	opts := testOptions()
	opts.Timeouts.Handshake = 5 * time.Second
	srv := NewServer(opts, proto)
	startServer(t, srv, 0, -1)

	conn, err := net.Dial("tcp", srv.ReliableAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	tag := protocol.TagOf("IDNT").Bytes()
	conn.Write(tag[:])

	// The correlation id arrives before the handshaker waits for our identity.
	var id [4]byte
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, id[:]); err != nil {
		t.Fatalf("read correlation id: %v", err)
	}

	start := time.Now()
	srv.Close()
	srv.Wait()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("close and wait took %s with a stalled handshake", elapsed)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadAll(conn); err != nil && isTimeout(err) {
		t.Fatalf("stalled connection was not closed")
	}
	if srv.Count() != 0 {
		t.Fatalf("count=%d after close", srv.Count())
	}
}

func TestBadLengthPrefixClosesOnlyThatSession(t *testing.T) {
	cases := []struct {
		name   string
		length uint32
	}{
		{"oversized", 1 << 20},
		{"negative", 0xffffffff},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := testOptions()
			opts.MaxPacketSize = 64
			srv := NewServer(opts, correlationProtocol(nil))
			startServer(t, srv, 0, -1)

			good := dial(t, srv, correlationProtocol(nil), testClientConfig())

			bad, err := net.Dial("tcp", srv.ReliableAddr().String())
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			defer bad.Close()
			tag := protocol.TagOf("CORR").Bytes()
			bad.Write(tag[:])
			var id [4]byte
			bad.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.ReadFull(bad, id[:]); err != nil {
				t.Fatalf("read correlation id: %v", err)
			}
			waitFor(t, "two sessions", func() bool { return srv.Count() == 2 })

			frame := protocol.TagOf("BLOB").Bytes()
			header := binary.BigEndian.AppendUint32(frame[:], tc.length)
			bad.Write(header)

			bad.SetReadDeadline(time.Now().Add(2 * time.Second))
			if _, err := io.ReadAll(bad); err != nil && isTimeout(err) {
				t.Fatalf("connection with a bad length prefix was not closed")
			}
			waitFor(t, "bad session removal", func() bool { return srv.Count() == 1 })

			sess, ok := srv.Session(good.CorrelationID())
			if !ok {
				t.Fatalf("healthy session removed")
			}
			if err := good.Send(&blob{Data: "still here"}); err != nil {
				t.Fatalf("healthy client send: %v", err)
			}
			waitFor(t, "healthy packet", func() bool { return sess.Stats().PacketsIn > 0 })
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	srv := NewServer(testOptions(), pingProtocol(new(atomic.Int32)))
	startServer(t, srv, 0, -1)
	c := dial(t, srv, pingProtocol(new(atomic.Int32)), testClientConfig())
	waitFor(t, "session", func() bool { return srv.Count() == 1 })

	srv.Close()
	srv.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("client not disconnected by server close")
	}
	srv.Wait()
	if err := srv.Start(context.Background(), 0, -1); !errors.Is(err, ErrAlreadyStarted) && !errors.Is(err, ErrServerClosed) {
		t.Fatalf("restart after close: %v", err)
	}
}

func TestKickClosesSession(t *testing.T) {
	srv := NewServer(testOptions(), pingProtocol(new(atomic.Int32)))
	startServer(t, srv, 0, -1)
	c := dial(t, srv, pingProtocol(new(atomic.Int32)), testClientConfig())
	waitFor(t, "session", func() bool { return srv.Count() == 1 })

	if !srv.Kick(c.CorrelationID()) {
		t.Fatalf("kick reported unknown session")
	}
	if srv.Kick(c.CorrelationID() + 1) {
		t.Fatalf("kick of an unknown id succeeded")
	}
	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("kicked client still connected")
	}
	waitFor(t, "removal", func() bool { return srv.Count() == 0 })
}

func TestKeepAliveIsSentWhenIdle(t *testing.T) {
	opts := testOptions()
	opts.Timeouts.KeepAlive = 50 * time.Millisecond
	srv := NewServer(opts, pingProtocol(new(atomic.Int32)))
	startServer(t, srv, 0, -1)

	c := dial(t, srv, pingProtocol(new(atomic.Int32)), testClientConfig())
	waitFor(t, "keep-alive", func() bool { return c.Stats().PacketsIn > 0 })
	if c.State() != StateStreaming {
		t.Fatalf("client state=%s after keep-alive", c.State())
	}
}

func TestBroadcastIsolatesFailingPeer(t *testing.T) {
	var hits atomic.Int32
	proto := pingProtocol(&hits)
	srv := NewServer(testOptions(), proto)

	var peers []net.Conn
	for _, id := range []uint32{1, 2, 3} {
		sess, peer := pipeSession(t, srv, proto, id)
		srv.registry.Register(sess)
		peers = append(peers, peer)
	}

	received := make(chan protocol.Tag, 2)
	for i, peer := range peers {
		if i == 1 {
			peer.Close()
			continue
		}
		go func(c net.Conn) {
			var tag [protocol.TagSize]byte
			if _, err := io.ReadFull(c, tag[:]); err == nil {
				received <- protocol.TagFromBytes(tag[:])
			}
			io.Copy(io.Discard, c)
		}(peer)
	}

	report := srv.Broadcast(&pong{})
	if report.Delivered != 2 || report.Failed != 1 {
		t.Fatalf("report=%+v want 2 delivered, 1 failed", report)
	}
	if len(report.FailedIDs) != 1 || report.FailedIDs[0] != FormatID(2) {
		t.Fatalf("failed ids=%v", report.FailedIDs)
	}
	failed, _ := srv.Session(2)
	if !failed.IsClosed() {
		t.Fatalf("failing session left open")
	}
	healthy, _ := srv.Session(3)
	if healthy.IsClosed() {
		t.Fatalf("healthy session closed")
	}

	for i := 0; i < 2; i++ {
		select {
		case tag := <-received:
			if tag != protocol.TagOf("PONG") {
				t.Fatalf("healthy peer received %s, want PONG", tag)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of 2 healthy peers received the broadcast", i)
		}
	}
}

func TestReuseAddrLeavesDatagramSocketsExclusive(t *testing.T) {
	lc := ReuseAddrListenConfig()
	first, err := lc.ListenPacket(context.Background(), "udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer first.Close()

	second, err := lc.ListenPacket(context.Background(), "udp", first.LocalAddr().String())
	if err == nil {
		second.Close()
		t.Fatalf("two datagram sockets shared %s", first.LocalAddr())
	}
}
