package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// EncodePayload encodes p and enforces the constant-size contract.
func EncodePayload(p Packet) ([]byte, error) {
	w := NewWriter()
	if err := p.Encode(w); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.Tag(), err)
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", p.Tag(), err)
	}
	if p.ConstantSize() && w.Len() != p.Size() {
		return nil, fmt.Errorf("%w: %s declared %d bytes, encoded %d", ErrSizeMismatch, p.Tag(), p.Size(), w.Len())
	}
	return w.Build(), nil
}

// AppendFrame appends [tag][length unless constant-size][payload] to w.
func AppendFrame(w *Writer, p Packet) error {
	payload, err := EncodePayload(p)
	if err != nil {
		return err
	}
	w.WriteUint32(uint32(p.Tag()))
	if !p.ConstantSize() {
		w.WriteUint32(uint32(len(payload)))
	}
	w.WriteRaw(payload)
	return nil
}

// EncodeFrame returns the complete stream frame for p.
func EncodeFrame(p Packet) ([]byte, error) {
	w := NewWriter()
	if err := AppendFrame(w, p); err != nil {
		return nil, err
	}
	return w.Build(), nil
}

// WriteFrame writes one framed packet to w in a single Write call.
func WriteFrame(w io.Writer, p Packet) error {
	frame, err := EncodeFrame(p)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", p.Tag(), err)
	}
	return nil
}

// FrameReader reads framed packets from a buffered stream. Constant-size
// payloads are read into a reusable scratch buffer that grows to the
// largest constant size seen.
type FrameReader struct {
	r             *bufio.Reader
	maxPacketSize int
	scratch       []byte
}

// NewFrameReader creates a FrameReader bounded by maxPacketSize.
// A non-positive maxPacketSize selects DefaultMaxPacketSize.
func NewFrameReader(r *bufio.Reader, maxPacketSize int) *FrameReader {
	if maxPacketSize <= 0 {
		maxPacketSize = DefaultMaxPacketSize
	}
	return &FrameReader{r: r, maxPacketSize: maxPacketSize}
}

// MaxPacketSize returns the length-prefix limit.
func (f *FrameReader) MaxPacketSize() int {
	return f.maxPacketSize
}

// ScratchSize returns the capacity of the reusable constant-size buffer.
func (f *FrameReader) ScratchSize() int {
	return cap(f.scratch)
}

// PeekTag waits for a full tag without consuming it. A timeout leaves any
// partially received bytes buffered for the next call.
func (f *FrameReader) PeekTag() (Tag, error) {
	b, err := f.r.Peek(TagSize)
	if err != nil {
		return 0, err
	}
	return TagFromBytes(b), nil
}

// ReadTag consumes the next tag.
func (f *FrameReader) ReadTag() (Tag, error) {
	var b [TagSize]byte
	if _, err := io.ReadFull(f.r, b[:]); err != nil {
		return 0, err
	}
	return TagFromBytes(b[:]), nil
}

// ReadPayload reads the payload that follows a tag. For constant-size types
// no length prefix is read and the returned slice aliases the scratch buffer
// until the next call; otherwise a length prefix is read and validated
// against the configured maximum.
func (f *FrameReader) ReadPayload(constant bool, size int) ([]byte, error) {
	if constant {
		if size > cap(f.scratch) {
			f.scratch = make([]byte, size)
		}
		buf := f.scratch[:size]
		if _, err := io.ReadFull(f.r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(f.r, prefix[:]); err != nil {
		return nil, err
	}
	length := int32(binary.BigEndian.Uint32(prefix[:]))
	if length < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeLength, length)
	}
	if int(length) > f.maxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPacketTooLarge, length, f.maxPacketSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(f.r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Decode decodes payload into a fresh packet from factory.
func Decode(factory Factory, payload []byte) (Packet, error) {
	p := factory()
	if err := p.Decode(NewBytesReader(payload), len(payload)); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", p.Tag(), err)
	}
	return p, nil
}
