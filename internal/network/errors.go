package network

import "errors"

var (
	ErrTransportClosed   = errors.New("network: transport closed")
	ErrHandshakeRejected = errors.New("network: handshake rejected")
	ErrUnknownProtocol   = errors.New("network: unknown protocol")
	ErrUnknownPacket     = errors.New("network: unknown packet tag")
	ErrHandlerPanic      = errors.New("network: packet handler panicked")
	ErrReplyTimeout      = errors.New("network: timed out waiting for reply")
	ErrUnexpectedReply   = errors.New("network: unexpected reply packet")
	ErrNoDatagramSocket  = errors.New("network: no datagram socket")
	ErrServerClosed      = errors.New("network: server closed")
	ErrAlreadyStarted    = errors.New("network: server already started")
	ErrNoTransports      = errors.New("network: no protocol registered for any enabled transport")
)
