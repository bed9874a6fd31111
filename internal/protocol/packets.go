// Package protocol implements the binary wire format shared by every Uniport
// transport: 4-byte type tags, the Packet contract, big-endian payload
// encoding, stream framing and datagram layout. All integers are big-endian.
package protocol

// Packet is one typed unit of application data.
//
// Encode writes the payload only; framing (tag and optional length prefix)
// is applied by WriteFrame / AppendFrame and the datagram helpers.
// Decode fills the receiver from exactly size payload bytes and must not
// have side effects beyond mutating the receiver.
type Packet interface {
	// Tag identifies the packet type on the wire.
	Tag() Tag

	// Size is the payload size in bytes, or -1 when unknown.
	Size() int

	// ConstantSize reports whether every instance is exactly Size() bytes.
	// Constant-size packets are framed without a length prefix.
	ConstantSize() bool

	Encode(w *Writer) error
	Decode(r *Reader, size int) error
}

// Factory creates a fresh, zero-valued packet instance used as a decode target.
type Factory func() Packet

// Variable can be embedded by packets whose payload is length-prefixed.
type Variable struct{}

// Size returns -1.
func (Variable) Size() int { return -1 }

// ConstantSize returns false.
func (Variable) ConstantSize() bool { return false }

// Empty can be embedded by packets with no payload at all.
type Empty struct{}

func (Empty) Size() int                     { return 0 }
func (Empty) ConstantSize() bool            { return true }
func (Empty) Encode(*Writer) error          { return nil }
func (Empty) Decode(_ *Reader, _ int) error { return nil }

// Length prefix and tag sizes on the wire.
const (
	TagSize          = 4
	LengthPrefixSize = 4
)

// DefaultMaxPacketSize bounds a length-prefixed payload on the stream transport.
const DefaultMaxPacketSize = 1 << 20
