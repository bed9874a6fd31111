package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Reader decodes big-endian values from a byte source. Read methods return
// zero values after the first failure; check Err once decoding is done.
type Reader struct {
	r         io.Reader
	remaining int // -1 when the source length is unknown
	err       error
	scratch   [8]byte
}

// NewReader wraps a stream of unknown length.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, remaining: -1}
}

// NewBytesReader reads from an in-memory payload.
func NewBytesReader(b []byte) *Reader {
	return &Reader{r: bytes.NewReader(b), remaining: len(b)}
}

// Err returns the first error encountered.
func (r *Reader) Err() error {
	return r.err
}

// Remaining returns the number of unread bytes, or -1 for streams.
func (r *Reader) Remaining() int {
	return r.remaining
}

func (r *Reader) fill(n int) []byte {
	if r.err != nil {
		return nil
	}
	buf := r.scratch[:n]
	if !r.read(buf) {
		return nil
	}
	return buf
}

func (r *Reader) read(buf []byte) bool {
	if r.remaining >= 0 && len(buf) > r.remaining {
		r.err = fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, len(buf), r.remaining)
		return false
	}
	if _, err := io.ReadFull(r.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = fmt.Errorf("%w: %v", ErrTruncated, err)
		}
		r.err = err
		return false
	}
	if r.remaining >= 0 {
		r.remaining -= len(buf)
	}
	return true
}

func (r *Reader) ReadUint8() uint8 {
	b := r.fill(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) ReadBool() bool {
	return r.ReadUint8() != 0
}

func (r *Reader) ReadUint16() uint16 {
	b := r.fill(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *Reader) ReadUint32() uint32 {
	b := r.fill(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *Reader) ReadInt32() int32 {
	return int32(r.ReadUint32())
}

func (r *Reader) ReadInt64() int64 {
	b := r.fill(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (r *Reader) ReadFloat32() float32 {
	return math.Float32frombits(r.ReadUint32())
}

func (r *Reader) ReadFloat64() float64 {
	b := r.fill(8)
	if b == nil {
		return 0
	}
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}

// ReadString reads a u16 length followed by that many UTF-8 bytes.
func (r *Reader) ReadString() string {
	n := int(r.ReadUint16())
	if r.err != nil {
		return ""
	}
	return string(r.ReadRaw(n))
}

// ReadBytes reads a u32 length followed by that many bytes. The result is
// a fresh copy.
func (r *Reader) ReadBytes() []byte {
	n := r.ReadInt32()
	if r.err != nil {
		return nil
	}
	if n < 0 {
		r.err = fmt.Errorf("%w: %d", ErrNegativeLength, n)
		return nil
	}
	limit := DefaultMaxPacketSize
	if r.remaining >= 0 {
		limit = r.remaining
	}
	if int(n) > limit {
		r.err = fmt.Errorf("%w: byte field of %d bytes (max %d)", ErrPacketTooLarge, n, limit)
		return nil
	}
	return r.ReadRaw(int(n))
}

// ReadRaw reads exactly n bytes into a fresh slice.
func (r *Reader) ReadRaw(n int) []byte {
	if r.err != nil {
		return nil
	}
	buf := make([]byte, n)
	if n == 0 {
		return buf
	}
	if !r.read(buf) {
		return nil
	}
	return buf
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) {
	r.ReadRaw(n)
}
