package protocol

import "errors"

var (
	ErrTruncated        = errors.New("protocol: truncated data")
	ErrNegativeLength   = errors.New("protocol: negative length prefix")
	ErrPacketTooLarge   = errors.New("protocol: packet too large")
	ErrSizeMismatch     = errors.New("protocol: constant-size packet encoded to a different size")
	ErrDatagramTooLarge = errors.New("protocol: datagram exceeds maximum size")
	ErrShortDatagram    = errors.New("protocol: datagram shorter than header")
	ErrStringTooLong    = errors.New("protocol: string too long")
)
