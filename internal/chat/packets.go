package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/protocol"
)

var (
	ErrEmptyMessage   = errors.New("chat: empty message")
	ErrMessageTooLong = errors.New("chat: message too long")
)

// ChatMessage is relayed by the server to every other peer with the sender
// name taken from the session.
type ChatMessage struct {
	protocol.Variable
	Sender string
	Text   string
	SentAt time.Time

	hooks *Hooks
}

func (*ChatMessage) Tag() protocol.Tag { return protocol.TagOf("MSG0") }

func (m *ChatMessage) Encode(w *protocol.Writer) error {
	w.WriteString(m.Sender).WriteString(m.Text).WriteInt64(unixMillis(m.SentAt))
	return w.Err()
}

func (m *ChatMessage) Decode(r *protocol.Reader, _ int) error {
	m.Sender = r.ReadString()
	m.Text = r.ReadString()
	m.SentAt = fromUnixMillis(r.ReadInt64())
	return r.Err()
}

func (m *ChatMessage) OnReceive(ctx *network.Context) error {
	if ctx.Server == nil {
		if m.hooks != nil && m.hooks.OnMessage != nil {
			m.hooks.OnMessage(*m)
		}
		return nil
	}

	text := strings.TrimSpace(m.Text)
	if text == "" {
		return ErrEmptyMessage
	}
	if n := utf8.RuneCountInString(text); n > MaxTextLength {
		return fmt.Errorf("%w: %d characters", ErrMessageTooLong, n)
	}

	out := &ChatMessage{
		Sender: ctx.Session.Name(),
		Text:   text,
		SentAt: time.Now(),
	}
	report := ctx.BroadcastExcept(out)

	m.hooks.emit(events.Event{
		Type:   events.EventChatMessage,
		Source: "chat",
		Payload: events.ChatMessagePayload{
			CorrelationID: network.FormatID(ctx.Session.ID()),
			Sender:        out.Sender,
			Text:          out.Text,
			SentAt:        out.SentAt,
			Delivered:     report.Delivered,
		},
	})
	return nil
}

// Position is a best-effort entity position, normally sent unreliably.
// The server replaces Entity with the sender's correlation id before
// relaying it.
type Position struct {
	Entity  uint32
	X, Y, Z float32

	hooks *Hooks
}

func (*Position) Tag() protocol.Tag  { return protocol.TagOf("POS0") }
func (*Position) Size() int          { return 16 }
func (*Position) ConstantSize() bool { return true }

func (p *Position) Encode(w *protocol.Writer) error {
	w.WriteUint32(p.Entity).WriteFloat32(p.X).WriteFloat32(p.Y).WriteFloat32(p.Z)
	return w.Err()
}

func (p *Position) Decode(r *protocol.Reader, _ int) error {
	p.Entity = r.ReadUint32()
	p.X = r.ReadFloat32()
	p.Y = r.ReadFloat32()
	p.Z = r.ReadFloat32()
	return r.Err()
}

func (p *Position) OnReceive(ctx *network.Context) error {
	if ctx.Server == nil {
		if p.hooks != nil && p.hooks.OnPosition != nil {
			p.hooks.OnPosition(*p)
		}
		return nil
	}

	out := Position{Entity: ctx.Session.ID(), X: p.X, Y: p.Y, Z: p.Z}
	ctx.Session.Set(positionKey, out)
	ctx.Server.BroadcastUnreliable(&out, ctx.Session)
	return nil
}

// Discover asks a server for its ServerInfo without a session.
type Discover struct {
	protocol.Empty

	hooks *Hooks
}

func (*Discover) Tag() protocol.Tag      { return protocol.TagOf("DISC") }
func (*Discover) AllowSessionless() bool { return true }

func (d *Discover) OnReceive(ctx *network.Context) error {
	if ctx.Server == nil {
		return nil
	}
	return ctx.Reply(&ServerInfo{
		Name:    ctx.Server.Name(),
		Motd:    ctx.Server.Motd(),
		Players: uint32(ctx.Server.Count()),
		Version: d.hooks.Version,
	})
}

// ServerInfo answers Discover.
type ServerInfo struct {
	protocol.Variable
	Name    string `json:"name"`
	Motd    string `json:"motd"`
	Players uint32 `json:"players"`
	Version string `json:"version"`
}

func (*ServerInfo) Tag() protocol.Tag { return protocol.TagOf("INFO") }

func (i *ServerInfo) Encode(w *protocol.Writer) error {
	w.WriteString(i.Name).WriteString(i.Motd).WriteUint32(i.Players).WriteString(i.Version)
	return w.Err()
}

func (i *ServerInfo) Decode(r *protocol.Reader, _ int) error {
	i.Name = r.ReadString()
	i.Motd = r.ReadString()
	i.Players = r.ReadUint32()
	i.Version = r.ReadString()
	return r.Err()
}

// Notice is an operator announcement pushed to peers.
type Notice struct {
	protocol.Variable
	Text string

	hooks *Hooks
}

func (*Notice) Tag() protocol.Tag { return protocol.TagOf("NOTE") }

func (n *Notice) Encode(w *protocol.Writer) error {
	w.WriteString(n.Text)
	return w.Err()
}

func (n *Notice) Decode(r *protocol.Reader, _ int) error {
	n.Text = r.ReadString()
	return r.Err()
}

// OnReceive only runs on clients; peers cannot announce.
func (n *Notice) OnReceive(ctx *network.Context) error {
	if ctx.Server != nil {
		return nil
	}
	if n.hooks != nil && n.hooks.OnNotice != nil {
		n.hooks.OnNotice(n.Text)
	}
	return nil
}
