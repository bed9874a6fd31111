// Package network implements the Uniport networking core: protocols and
// their handshake, the reliable (TCP) and unreliable (UDP) server, the
// peer-side client and a one-shot datagram request client.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/metrics"
	"github.com/uniport-net/uniport/internal/protocol"
)

// Options configures a Server.
type Options struct {
	Name          string
	Motd          string
	BindAddress   string
	MaxPacketSize int
	BucketCount   int
	Timeouts      Timeouts

	// CloseReliableOnDatagramFailure closes the TCP listener when the UDP
	// socket cannot be bound, so Start fails as a whole.
	CloseReliableOnDatagramFailure bool

	// StrictDatagramPort requires datagrams to come from the session's TCP
	// source port as well as its IP.
	StrictDatagramPort bool

	LogRejections bool
}

// DefaultOptions returns options matching the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Name:                           "Uniport",
		MaxPacketSize:                  protocol.DefaultMaxPacketSize,
		BucketCount:                    DefaultBucketCount,
		Timeouts:                       DefaultTimeouts(),
		CloseReliableOnDatagramFailure: true,
		LogRejections:                  true,
	}
}

// OptionsFromConfig maps the server configuration section onto Options.
func OptionsFromConfig(c config.ServerConfig) Options {
	return Options{
		Name:          c.Name,
		Motd:          c.Motd,
		BindAddress:   c.BindAddress,
		MaxPacketSize: c.MaxPacketSize,
		BucketCount:   c.BucketCount,
		Timeouts: Timeouts{
			Handshake: c.HandshakeTimeout(),
			Read:      c.ReadTimeout(),
			Write:     c.WriteTimeout(),
			Poll:      c.PollInterval(),
			KeepAlive: c.KeepAliveInterval(),
		},
		CloseReliableOnDatagramFailure: c.CloseReliableOnDatagramFailure,
		StrictDatagramPort:             c.StrictDatagramPort,
		LogRejections:                  c.LogRejections,
	}
}

// BroadcastReport summarises one broadcast.
type BroadcastReport struct {
	Delivered int      `json:"delivered"`
	Failed    int      `json:"failed"`
	FailedIDs []string `json:"failed_ids,omitempty"`
}

// Server accepts reliable connections and datagrams for a set of protocols.
//
// AcceptsPeer, OnJoin and OnLeave must be set before Start.
type Server struct {
	opts      Options
	protocols map[protocol.Tag]*Protocol
	registry  *SessionRegistry
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// AcceptsPeer filters peers before any handshake or datagram parsing.
	AcceptsPeer func(addr net.Addr) bool
	// OnJoin runs on the session's goroutine once it is streaming.
	OnJoin func(s *Session)
	// OnLeave runs once per joined session after it left the registry.
	OnLeave func(s *Session)

	mu       sync.Mutex
	started  bool
	listener net.Listener
	udp      *net.UDPConn
	// pending holds accepted connections that are not registered yet.
	pending map[net.Conn]struct{}

	shutdown  atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewServer creates a server for the given protocols.
func NewServer(opts Options, protocols ...*Protocol) *Server {
	if opts.MaxPacketSize <= 0 {
		opts.MaxPacketSize = protocol.DefaultMaxPacketSize
	}
	s := &Server{
		opts:      opts,
		protocols: make(map[protocol.Tag]*Protocol),
		registry:  NewSessionRegistry(opts.BucketCount),
		pending:   make(map[net.Conn]struct{}),
		logger:    log.With().Str("component", "server").Logger(),
		done:      make(chan struct{}),
	}
	for _, p := range protocols {
		s.protocols[p.Tag()] = p
	}
	return s
}

// AddProtocol registers another protocol. It fails once the server started.
func (s *Server) AddProtocol(p *Protocol) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}
	s.protocols[p.Tag()] = p
	return nil
}

// SetMetrics attaches Prometheus collectors. Call before Start.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

func (s *Server) serves(t Transport) bool {
	for _, p := range s.protocols {
		if p.Transports().Has(t) {
			return true
		}
	}
	return false
}

// Start binds the reliable listener and the datagram socket, each only if
// some protocol uses that transport and its port is not negative, and runs
// each in its own goroutine. Bind errors are returned synchronously.
// Cancelling ctx closes the server.
func (s *Server) Start(ctx context.Context, reliablePort, datagramPort int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}
	if s.shutdown.Load() {
		return ErrServerClosed
	}

	wantReliable := reliablePort >= 0 && s.serves(Reliable)
	wantDatagram := datagramPort >= 0 && s.serves(Unreliable)
	if !wantReliable && !wantDatagram {
		return ErrNoTransports
	}

	for _, p := range s.protocols {
		p.seal()
	}

	if wantReliable {
		// SO_REUSEADDR allows immediate rebinding after a restart
		lc := ReuseAddrListenConfig()
		addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(reliablePort))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to start reliable listener on %s: %w", addr, err)
		}
		s.listener = ln
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("reliable listener started")
	}

	if wantDatagram {
		// No SO_REUSEADDR here: on UDP it would let a second server share
		// the port instead of failing to bind.
		var lc net.ListenConfig
		addr := net.JoinHostPort(s.opts.BindAddress, strconv.Itoa(datagramPort))
		pc, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			err = fmt.Errorf("failed to start datagram listener on %s: %w", addr, err)
			if s.listener == nil {
				return err
			}
			if s.opts.CloseReliableOnDatagramFailure {
				s.listener.Close()
				s.listener = nil
				return err
			}
			s.logger.Error().Err(err).Msg("continuing with reliable transport only")
		} else {
			s.udp = pc.(*net.UDPConn)
			s.logger.Info().Str("addr", s.udp.LocalAddr().String()).Msg("datagram listener started")
		}
	}

	s.started = true

	if s.listener != nil {
		s.wg.Add(1)
		go s.acceptLoop(s.listener)
	}
	if s.udp != nil {
		s.wg.Add(1)
		go s.datagramLoop(s.udp)
	}

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Msg("reliable listener stopping")
				return
			}
			s.logger.Error().Err(err).Msg("failed to accept connection")
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.logger.Debug().Str("remote", conn.RemoteAddr().String()).Msg("new connection")

		if !s.trackPending(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// trackPending records an accepted connection until it is registered, so
// Close can reach it mid-handshake. It reports false once shut down.
func (s *Server) trackPending(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.pending[conn] = struct{}{}
	return true
}

func (s *Server) untrackPending(conn net.Conn) {
	s.mu.Lock()
	delete(s.pending, conn)
	s.mu.Unlock()
}

func (s *Server) reject(conn net.Conn, reason string) {
	if s.opts.LogRejections {
		s.logger.Info().
			Str("remote", conn.RemoteAddr().String()).
			Str("reason", reason).
			Msg("connection rejected")
	}
	conn.Close()
}

// handleConnection runs AwaitingTag, Handshaking and Streaming for one
// accepted connection, then removes the session.
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	pending := true
	defer func() {
		if pending {
			s.untrackPending(conn)
		}
	}()

	if s.AcceptsPeer != nil && !s.AcceptsPeer(conn.RemoteAddr()) {
		s.reject(conn, "filtered")
		return
	}

	stream := newStreamConn(conn, s.opts.MaxPacketSize, s.opts.Timeouts)
	if s.opts.Timeouts.Handshake > 0 {
		conn.SetDeadline(time.Now().Add(s.opts.Timeouts.Handshake))
	}

	tag, err := stream.frames.ReadTag()
	if err != nil {
		s.logger.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("failed to read protocol tag")
		conn.Close()
		return
	}
	proto, ok := s.protocols[tag]
	if !ok || !proto.Transports().Has(Reliable) {
		s.reject(conn, fmt.Sprintf("unknown protocol %s", tag))
		return
	}

	id, err := s.registry.Allocate()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to allocate correlation id")
		conn.Close()
		return
	}

	sess := newSession(s, stream, proto, id)
	stream.setState(StateHandshaking)

	hs := newHandshake(id, Identity{Name: s.opts.Name, Motd: s.opts.Motd}, stream.br, conn)
	err = hs.Send(protocol.NewWriter().WriteUint32(id))
	if err == nil {
		err = proto.Handshaker().ServerHandshake(hs)
	}
	if err != nil {
		s.registry.Release(id)
		stream.close()
		s.metrics.Handshake(metrics.HandshakeRejected)
		if s.opts.LogRejections {
			sess.logger.Info().Err(err).Msg("handshake failed")
		}
		return
	}
	conn.SetDeadline(time.Time{})

	sess.setIdentity(hs.Remote)
	sess.logger = sess.logger.With().Str("name", hs.Remote.Name).Logger()
	s.registry.Register(sess)
	s.untrackPending(conn)
	pending = false
	stream.setState(StateStreaming)
	stream.markReady()
	s.metrics.Handshake(metrics.HandshakeAccepted)
	s.metrics.SessionOpened()
	sess.logger.Info().Msg("peer joined")

	// A server closed during the handshake never ran CloseAll on this one.
	if s.shutdown.Load() {
		stream.close()
	} else if s.OnJoin != nil {
		s.safeCallback("join", sess, s.OnJoin)
	}

	err = stream.readLoop(proto, s.shutdown.Load, func(p protocol.Packet) error {
		return s.dispatchStream(sess, p)
	}, sess.logger)

	switch {
	case err == nil, stream.isClosed():
		sess.logger.Debug().AnErr("cause", err).Msg("stream ended")
	case errors.Is(err, ErrUnknownPacket), errors.Is(err, ErrHandlerPanic):
		sess.logger.Error().Err(err).Msg("closing connection")
	default:
		sess.logger.Warn().Err(err).Msg("closing connection")
	}

	stream.close()
	if s.registry.Unregister(sess) {
		s.metrics.SessionClosed()
		sess.logger.Info().Msg("peer left")
		if s.OnLeave != nil {
			s.safeCallback("leave", sess, s.OnLeave)
		}
	}
}

func (s *Server) dispatchStream(sess *Session, p protocol.Packet) error {
	s.metrics.PacketReceived(sess.protocol.Name(), p.Tag().String(), "reliable")

	ctx := &Context{
		Server:    s,
		Session:   sess,
		Protocol:  sess.protocol,
		Transport: Reliable,
		Remote:    sess.RemoteAddr(),
		reply:     sess.Send,
	}
	err := invoke(ctx, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrHandlerPanic) {
		return err
	}
	sess.logger.Warn().Err(err).Msg("packet handler failed")
	return nil
}

func (s *Server) safeCallback(name string, sess *Session, fn func(*Session)) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error().Interface("panic", r).Str("callback", name).Msg("session callback panicked")
		}
	}()
	fn(sess)
}

// Broadcast sends p reliably to every session. A failing peer is logged,
// counted and closed; delivery to the others continues.
func (s *Server) Broadcast(p protocol.Packet) BroadcastReport {
	return s.BroadcastExcept(p, nil)
}

// BroadcastExcept is Broadcast skipping one session.
func (s *Server) BroadcastExcept(p protocol.Packet, except *Session) BroadcastReport {
	var report BroadcastReport
	for _, sess := range s.registry.Snapshot() {
		if sess == except {
			continue
		}
		if err := sess.Send(p); err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, FormatID(sess.id))
			s.metrics.BroadcastFailure()
			sess.logger.Warn().Err(err).Stringer("packet", p.Tag()).Msg("broadcast delivery failed")
			sess.Close()
			continue
		}
		report.Delivered++
	}
	return report
}

// BroadcastUnreliable sends p as a datagram to every session except one.
// Failures are counted but never close a session.
func (s *Server) BroadcastUnreliable(p protocol.Packet, except *Session) BroadcastReport {
	var report BroadcastReport
	for _, sess := range s.registry.Snapshot() {
		if sess == except {
			continue
		}
		if err := sess.SendUnreliable(p); err != nil {
			report.Failed++
			report.FailedIDs = append(report.FailedIDs, FormatID(sess.id))
			sess.logger.Debug().Err(err).Msg("unreliable broadcast delivery failed")
			continue
		}
		report.Delivered++
	}
	return report
}

// Kick closes the session with the given id.
func (s *Server) Kick(id uint32) bool {
	sess, ok := s.registry.Get(id)
	if !ok {
		return false
	}
	sess.logger.Info().Msg("kicking peer")
	sess.Close()
	return true
}

// Session returns a streaming session by correlation id.
func (s *Server) Session(id uint32) (*Session, bool) {
	return s.registry.Get(id)
}

// Sessions returns the streaming sessions ordered by connect time.
func (s *Server) Sessions() []*Session {
	return s.registry.Snapshot()
}

// Count returns the number of streaming sessions.
func (s *Server) Count() int {
	return s.registry.Count()
}

// Registry exposes the session registry.
func (s *Server) Registry() *SessionRegistry {
	return s.registry
}

func (s *Server) Name() string { return s.opts.Name }
func (s *Server) Motd() string { return s.opts.Motd }

// ReliableAddr returns the bound TCP address, or nil.
func (s *Server) ReliableAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// DatagramAddr returns the bound UDP address, or nil.
func (s *Server) DatagramAddr() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr().(*net.UDPAddr)
}

// Done is closed once Close has run.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until every server goroutine has exited.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Close stops the server: it marks shutdown, closes both sockets, every
// connection still in its handshake and every session. It is idempotent and safe for concurrent use.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.shutdown.Store(true)

		s.mu.Lock()
		if s.listener != nil {
			s.listener.Close()
		}
		if s.udp != nil {
			s.udp.Close()
		}
		for conn := range s.pending {
			conn.Close()
		}
		s.mu.Unlock()

		s.registry.CloseAll()
		close(s.done)
		s.logger.Info().Msg("server closed")
	})
	return nil
}
