package network

import (
	"errors"
	"net"

	"github.com/uniport-net/uniport/internal/metrics"
	"github.com/uniport-net/uniport/internal/protocol"
)

// datagramReadSize leaves room to detect datagrams above the limit.
const datagramReadSize = 2048

// datagramLoop is the single reader of the server's UDP socket.
func (s *Server) datagramLoop(conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, datagramReadSize)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if s.shutdown.Load() || errors.Is(err, net.ErrClosed) {
				s.logger.Debug().Msg("datagram listener stopping")
				return
			}
			s.logger.Error().Err(err).Msg("datagram read error")
			continue
		}
		s.handleDatagram(buf[:n], addr)
	}
}

func (s *Server) dropDatagram(addr *net.UDPAddr, reason string, err error) {
	s.metrics.DatagramDropped(reason)
	s.logger.Debug().
		Str("remote", addr.String()).
		Str("reason", reason).
		AnErr("error", err).
		Msg("datagram dropped")
}

// handleDatagram resolves protocol, packet type and session for one inbound
// datagram, decodes it and runs its handler. Anything malformed is dropped.
func (s *Server) handleDatagram(b []byte, addr *net.UDPAddr) {
	if s.AcceptsPeer != nil && !s.AcceptsPeer(addr) {
		s.dropDatagram(addr, metrics.DropFiltered, nil)
		return
	}
	if len(b) > protocol.MaxDatagramSize {
		s.dropDatagram(addr, metrics.DropOversized, nil)
		return
	}

	header, section, err := protocol.ParseRequestHeader(b)
	if err != nil {
		s.dropDatagram(addr, metrics.DropShort, err)
		return
	}

	proto, ok := s.protocols[header.Protocol]
	if !ok || !proto.Transports().Has(Unreliable) {
		s.dropDatagram(addr, metrics.DropUnknownProtocol, nil)
		return
	}
	entry, ok := proto.entry(header.Packet)
	if !ok {
		s.dropDatagram(addr, metrics.DropUnknownPacket, nil)
		return
	}

	var sess *Session
	if header.CorrelationID != 0 {
		sess = s.registry.Lookup(header.CorrelationID, addr, s.opts.StrictDatagramPort)
		if sess == nil || sess.protocol != proto {
			s.dropDatagram(addr, metrics.DropUnknownSession, nil)
			return
		}
	}

	payload, err := protocol.DatagramPayload(section, entry.constant, entry.size)
	if err != nil {
		s.dropDatagram(addr, metrics.DropMalformed, err)
		return
	}
	p, err := protocol.Decode(entry.factory, payload)
	if err != nil {
		s.dropDatagram(addr, metrics.DropMalformed, err)
		return
	}

	if sess == nil {
		if sl, ok := p.(Sessionless); !ok || !sl.AllowSessionless() {
			s.dropDatagram(addr, metrics.DropUnknownSession, nil)
			return
		}
	} else {
		sess.noteDatagram(addr)
	}

	s.metrics.PacketReceived(proto.Name(), p.Tag().String(), "unreliable")

	ctx := &Context{
		Server:    s,
		Session:   sess,
		Protocol:  proto,
		Transport: Unreliable,
		Remote:    addr,
		reply: func(reply protocol.Packet) error {
			return s.writeDatagram(reply, addr)
		},
	}
	if err := invoke(ctx, p); err != nil {
		logger := s.logger
		if sess != nil {
			logger = sess.logger
		}
		if errors.Is(err, ErrHandlerPanic) {
			logger.Error().Err(err).Msg("datagram handler panicked")
			if sess != nil {
				sess.Close()
			}
			return
		}
		logger.Warn().Err(err).Msg("datagram handler failed")
	}
}

// writeDatagram sends p in the reply layout to addr. Oversized packets are
// rejected before the socket is touched.
func (s *Server) writeDatagram(p protocol.Packet, addr *net.UDPAddr) error {
	s.mu.Lock()
	conn := s.udp
	s.mu.Unlock()
	if conn == nil {
		return ErrNoDatagramSocket
	}
	if addr == nil {
		return ErrTransportClosed
	}

	b, err := protocol.EncodeReply(p)
	if err != nil {
		s.logger.Error().Err(err).Stringer("packet", p.Tag()).Msg("refusing to send datagram")
		return err
	}
	if _, err := conn.WriteToUDP(b, addr); err != nil {
		return err
	}
	s.metrics.PacketSent("unreliable")
	return nil
}
