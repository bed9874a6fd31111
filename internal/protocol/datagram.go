package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaxDatagramSize is a conservative, non-fragmenting UDP payload bound.
const MaxDatagramSize = 512

// DatagramHeaderSize covers protocol tag, packet tag and correlation id.
const DatagramHeaderSize = 12

// DatagramHeader prefixes every peer-to-server datagram.
type DatagramHeader struct {
	Protocol      Tag
	Packet        Tag
	CorrelationID uint32
}

// EncodeRequest builds [protocol tag][packet tag][correlation id][payload].
// It fails with ErrDatagramTooLarge before anything reaches a socket.
func EncodeRequest(protocolTag Tag, correlationID uint32, p Packet) ([]byte, error) {
	w := NewWriter()
	w.WriteUint32(uint32(protocolTag))
	w.WriteUint32(uint32(p.Tag()))
	w.WriteUint32(correlationID)
	if err := appendDatagramPayload(w, p); err != nil {
		return nil, err
	}
	return checkDatagram(w.Build(), p)
}

// EncodeReply builds [packet tag][payload], the server-to-peer layout.
func EncodeReply(p Packet) ([]byte, error) {
	w := NewWriter()
	w.WriteUint32(uint32(p.Tag()))
	if err := appendDatagramPayload(w, p); err != nil {
		return nil, err
	}
	return checkDatagram(w.Build(), p)
}

func appendDatagramPayload(w *Writer, p Packet) error {
	payload, err := EncodePayload(p)
	if err != nil {
		return err
	}
	if !p.ConstantSize() {
		w.WriteUint32(uint32(len(payload)))
	}
	w.WriteRaw(payload)
	return nil
}

func checkDatagram(b []byte, p Packet) ([]byte, error) {
	if len(b) > MaxDatagramSize {
		return nil, fmt.Errorf("%w: %s needs %d bytes (max %d)", ErrDatagramTooLarge, p.Tag(), len(b), MaxDatagramSize)
	}
	return b, nil
}

// ParseRequestHeader splits a peer datagram into header and payload section.
func ParseRequestHeader(b []byte) (DatagramHeader, []byte, error) {
	if len(b) < DatagramHeaderSize {
		return DatagramHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(b))
	}
	return DatagramHeader{
		Protocol:      TagFromBytes(b[0:4]),
		Packet:        TagFromBytes(b[4:8]),
		CorrelationID: binary.BigEndian.Uint32(b[8:12]),
	}, b[DatagramHeaderSize:], nil
}

// ParseReplyTag splits a server datagram into packet tag and payload section.
func ParseReplyTag(b []byte) (Tag, []byte, error) {
	if len(b) < TagSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortDatagram, len(b))
	}
	return TagFromBytes(b), b[TagSize:], nil
}

// DatagramPayload extracts the payload from the section following the tags.
// Constant-size packets trust the declared size; otherwise only the
// in-datagram length prefix is trusted.
func DatagramPayload(section []byte, constant bool, size int) ([]byte, error) {
	if constant {
		if len(section) < size {
			return nil, fmt.Errorf("%w: need %d payload bytes, have %d", ErrTruncated, size, len(section))
		}
		return section[:size], nil
	}
	if len(section) < LengthPrefixSize {
		return nil, fmt.Errorf("%w: missing length prefix", ErrTruncated)
	}
	length := int32(binary.BigEndian.Uint32(section))
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, length)
	}
	rest := section[LengthPrefixSize:]
	if int(length) > len(rest) {
		return nil, fmt.Errorf("%w: length prefix %d exceeds %d remaining bytes", ErrTruncated, length, len(rest))
	}
	return rest[:length], nil
}
