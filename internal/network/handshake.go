package network

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/uniport-net/uniport/internal/protocol"
)

// Identity describes one side of a connection as exchanged in a handshake.
type Identity struct {
	Name string `json:"name"`
	UUID string `json:"uuid,omitempty"`
	Motd string `json:"motd,omitempty"`
}

// Handshake is the state available to a Handshaker. The correlation id has
// already been exchanged when the handshaker runs.
type Handshake struct {
	CorrelationID uint32

	// Local is what this side announces; Remote is filled in by the handshaker.
	Local  Identity
	Remote Identity

	r *protocol.Reader
	w io.Writer
}

func newHandshake(id uint32, local Identity, r io.Reader, w io.Writer) *Handshake {
	return &Handshake{
		CorrelationID: id,
		Local:         local,
		r:             protocol.NewReader(r),
		w:             w,
	}
}

// Reader decodes values sent by the other side.
func (h *Handshake) Reader() *protocol.Reader {
	return h.r
}

// Send writes everything accumulated in w in a single write.
func (h *Handshake) Send(w *protocol.Writer) error {
	if err := w.Err(); err != nil {
		return err
	}
	if _, err := h.w.Write(w.Build()); err != nil {
		return fmt.Errorf("handshake write: %w", err)
	}
	return nil
}

// Handshaker runs the protocol-specific exchange after the correlation id.
// Returning an error closes the connection without streaming.
type Handshaker interface {
	ServerHandshake(h *Handshake) error
	ClientHandshake(h *Handshake) error
}

// NoHandshake exchanges nothing beyond the correlation id.
type NoHandshake struct{}

func (NoHandshake) ServerHandshake(*Handshake) error { return nil }
func (NoHandshake) ClientHandshake(*Handshake) error { return nil }

// IdentityHandshake sends the server name and motd down and reads the
// peer's name and UUID back.
type IdentityHandshake struct {
	// MaxNameLength limits peer names in runes; zero means 32.
	MaxNameLength int
}

func (hs IdentityHandshake) ServerHandshake(h *Handshake) error {
	if err := h.Send(protocol.NewWriter().WriteString(h.Local.Name).WriteString(h.Local.Motd)); err != nil {
		return err
	}

	r := h.Reader()
	name := r.ReadString()
	id := r.ReadString()
	if err := r.Err(); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrHandshakeRejected)
	}
	max := hs.MaxNameLength
	if max <= 0 {
		max = 32
	}
	if len([]rune(name)) > max {
		return fmt.Errorf("%w: name longer than %d characters", ErrHandshakeRejected, max)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return fmt.Errorf("%w: invalid uuid %q", ErrHandshakeRejected, id)
	}

	h.Remote = Identity{Name: name, UUID: parsed.String()}
	return nil
}

func (IdentityHandshake) ClientHandshake(h *Handshake) error {
	r := h.Reader()
	name := r.ReadString()
	motd := r.ReadString()
	if err := r.Err(); err != nil {
		return fmt.Errorf("handshake read: %w", err)
	}
	h.Remote = Identity{Name: name, Motd: motd}

	id := h.Local.UUID
	if id == "" {
		id = uuid.NewString()
	}
	return h.Send(protocol.NewWriter().WriteString(h.Local.Name).WriteString(id))
}
