package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// MaxStringLength is the largest string WriteString accepts (u16 length prefix).
const MaxStringLength = math.MaxUint16

// Writer builds big-endian packet payloads. Write methods chain; the first
// failure is kept and reported by Err.
type Writer struct {
	buf bytes.Buffer
	err error
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer {
	return &Writer{}
}

// Reset clears the writer for reuse.
func (w *Writer) Reset() {
	w.buf.Reset()
	w.err = nil
}

// WriteUint8 writes a single byte.
func (w *Writer) WriteUint8(v uint8) *Writer {
	w.buf.WriteByte(v)
	return w
}

// WriteBool writes 1 for true and 0 for false.
func (w *Writer) WriteBool(v bool) *Writer {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

func (w *Writer) WriteUint16(v uint16) *Writer {
	w.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return w
}

func (w *Writer) WriteUint32(v uint32) *Writer {
	w.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	return w
}

func (w *Writer) WriteInt32(v int32) *Writer {
	return w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) *Writer {
	w.buf.Write(binary.BigEndian.AppendUint64(nil, uint64(v)))
	return w
}

func (w *Writer) WriteFloat32(v float32) *Writer {
	return w.WriteUint32(math.Float32bits(v))
}

func (w *Writer) WriteFloat64(v float64) *Writer {
	w.buf.Write(binary.BigEndian.AppendUint64(nil, math.Float64bits(v)))
	return w
}

// WriteString writes a u16 length followed by the UTF-8 bytes of s.
func (w *Writer) WriteString(s string) *Writer {
	if len(s) > MaxStringLength {
		w.fail(fmt.Errorf("%w: %d bytes (max %d)", ErrStringTooLong, len(s), MaxStringLength))
		return w
	}
	w.WriteUint16(uint16(len(s)))
	w.buf.WriteString(s)
	return w
}

// WriteBytes writes a u32 length followed by data.
func (w *Writer) WriteBytes(data []byte) *Writer {
	w.WriteUint32(uint32(len(data)))
	w.buf.Write(data)
	return w
}

// WriteRaw writes data with no length prefix.
func (w *Writer) WriteRaw(data []byte) *Writer {
	w.buf.Write(data)
	return w
}

// Build returns the bytes written so far. The slice aliases the writer's
// buffer until the next write or Reset.
func (w *Writer) Build() []byte {
	return w.buf.Bytes()
}

// Len returns the number of bytes written so far.
func (w *Writer) Len() int {
	return w.buf.Len()
}

// Err returns the first error recorded by a write method.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

// String returns a hex dump of the current payload for debugging.
func (w *Writer) String() string {
	data := w.buf.Bytes()
	return fmt.Sprintf("Writer[%d bytes]: %x", len(data), data)
}
