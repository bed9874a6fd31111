package network

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/uniport-net/uniport/internal/protocol"
)

// Session is the server-side state of one connected reliable peer.
type Session struct {
	id       uint32
	server   *Server
	protocol *Protocol
	stream   *streamConn
	logger   zerolog.Logger

	connectedAt time.Time

	mu           sync.Mutex
	identity     Identity
	datagramAddr *net.UDPAddr
	attrs        map[string]interface{}
}

func newSession(s *Server, stream *streamConn, proto *Protocol, id uint32) *Session {
	return &Session{
		id:          id,
		server:      s,
		protocol:    proto,
		stream:      stream,
		connectedAt: time.Now(),
		attrs:       make(map[string]interface{}),
		logger: s.logger.With().
			Str("remote", stream.conn.RemoteAddr().String()).
			Str("session", fmt.Sprintf("%08x", id)).
			Str("protocol", proto.Name()).
			Logger(),
	}
}

// Send writes p over the reliable transport. It blocks until the handshake
// has completed and fails with ErrTransportClosed once the session is closed.
func (s *Session) Send(p protocol.Packet) error {
	if err := s.stream.send(p); err != nil {
		return err
	}
	s.server.metrics.PacketSent("reliable")
	return nil
}

// SendUnreliable sends p as a reply datagram to the peer's last datagram
// source, or to its TCP address when none has been seen yet.
func (s *Session) SendUnreliable(p protocol.Packet) error {
	if s.stream.isClosed() {
		return ErrTransportClosed
	}
	return s.server.writeDatagram(p, s.datagramTarget())
}

func (s *Session) datagramTarget() *net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.datagramAddr != nil {
		return s.datagramAddr
	}
	if tcp, ok := s.stream.conn.RemoteAddr().(*net.TCPAddr); ok {
		return &net.UDPAddr{IP: tcp.IP, Port: tcp.Port, Zone: tcp.Zone}
	}
	return nil
}

func (s *Session) noteDatagram(addr *net.UDPAddr) {
	s.mu.Lock()
	s.datagramAddr = addr
	s.mu.Unlock()
	s.stream.touch()
}

// matches reports whether a datagram from addr may belong to this session.
func (s *Session) matches(addr *net.UDPAddr, strictPort bool) bool {
	tcp, ok := s.stream.conn.RemoteAddr().(*net.TCPAddr)
	if !ok || !tcp.IP.Equal(addr.IP) {
		return false
	}
	return !strictPort || tcp.Port == addr.Port
}

// Close closes the connection. The session's read loop then unregisters it
// and fires the leave callback.
func (s *Session) Close() error {
	if s.stream.close() {
		s.logger.Debug().Msg("session closed")
	}
	return nil
}

func (s *Session) setIdentity(id Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = id
}

// Set stores an application value on the session.
func (s *Session) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attrs[key] = value
}

// Get returns an application value stored with Set.
func (s *Session) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

func (s *Session) ID() uint32 {
	return s.id
}

func (s *Session) Identity() Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) Name() string {
	return s.Identity().Name
}

func (s *Session) Protocol() *Protocol {
	return s.protocol
}

func (s *Session) State() State {
	return s.stream.State()
}

func (s *Session) IsClosed() bool {
	return s.stream.isClosed()
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.stream.done
}

func (s *Session) RemoteAddr() net.Addr {
	return s.stream.conn.RemoteAddr()
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// LastActivity returns the time of the last read or write on either transport.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.stream.lastActivity.Load())
}

func (s *Session) Stats() Stats {
	return s.stream.stats()
}

// MaxPacketSize returns the length-prefix limit applied to this peer.
func (s *Session) MaxPacketSize() int {
	return s.stream.frames.MaxPacketSize()
}

// Info is a JSON-friendly snapshot of a session.
type Info struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	UUID         string    `json:"uuid"`
	Protocol     string    `json:"protocol"`
	Remote       string    `json:"remote"`
	State        State     `json:"state"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActivity time.Time `json:"last_activity"`
	Stats        Stats     `json:"stats"`
}

// Info returns a snapshot of the session for display.
func (s *Session) Info() Info {
	id := s.Identity()
	return Info{
		ID:           FormatID(s.id),
		Name:         id.Name,
		UUID:         id.UUID,
		Protocol:     s.protocol.Name(),
		Remote:       s.RemoteAddr().String(),
		State:        s.State(),
		ConnectedAt:  s.connectedAt,
		LastActivity: s.LastActivity(),
		Stats:        s.Stats(),
	}
}
