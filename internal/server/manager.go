// Package server hosts the networking core inside the daemon: it owns the
// network server, persists the session history, enforces bans and carries
// out operator actions coming from the console and the admin API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/chat"
	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/db"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/filter"
	"github.com/uniport-net/uniport/internal/metrics"
	"github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/protocol"
)

var (
	ErrSessionNotFound   = errors.New("server: session not found")
	ErrEmptyAnnouncement = errors.New("server: empty announcement")
)

// Manager is the central orchestrator around the network server.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	store    *db.Store
	filter   *filter.PeerFilter
	net      *network.Server
	logger   zerolog.Logger

	version   string
	startedAt time.Time
}

// Status is a snapshot of the running server for the console and the API.
type Status struct {
	Name         string        `json:"name"`
	Motd         string        `json:"motd"`
	Version      string        `json:"version"`
	Sessions     int           `json:"sessions"`
	ReliableAddr string        `json:"reliable_addr,omitempty"`
	DatagramAddr string        `json:"datagram_addr,omitempty"`
	Uptime       time.Duration `json:"uptime_ns"`
}

// NewManager builds the network server for the CHAT protocol and wires it
// to the filter, the store and the event bus. m may be nil.
func NewManager(cfg *config.Config, eventBus *events.EventBus, store *db.Store, m *metrics.Metrics, version string) (*Manager, error) {
	if store == nil {
		return nil, errors.New("server: a store is required")
	}
	peerFilter, err := filter.New(cfg.GetApplicationData().Filter, store)
	if err != nil {
		return nil, fmt.Errorf("failed to build peer filter: %w", err)
	}

	proto := chat.NewProtocol(&chat.Hooks{Events: eventBus, Version: version})
	srv := network.NewServer(network.OptionsFromConfig(cfg.GetServer()), proto)
	srv.SetMetrics(m)

	mgr := &Manager{
		cfg:      cfg,
		eventBus: eventBus,
		store:    store,
		filter:   peerFilter,
		net:      srv,
		logger:   log.With().Str("component", "manager").Logger(),
		version:  version,
	}
	srv.AcceptsPeer = peerFilter.Accepts
	srv.OnJoin = mgr.onJoin
	srv.OnLeave = mgr.onLeave

	mgr.subscribeEvents()
	return mgr, nil
}

// subscribeEvents registers the manager's event handlers on the EventBus.
func (m *Manager) subscribeEvents() {
	m.eventBus.Subscribe(events.EventConfigChanged, "manager.configChanged", m.onConfigChanged)
	m.eventBus.Subscribe(events.EventShutdown, "manager.shutdown", m.onShutdown)
}

// Start closes history rows left open by an earlier run and starts the
// network server on the configured ports. The server stops when ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	n, err := m.store.CloseOpenSessions(time.Now())
	if err != nil {
		m.logger.Warn().Err(err).Msg("failed to close stale history rows")
	} else if n > 0 {
		m.logger.Info().Int64("rows", n).Msg("closed history rows from previous run")
	}

	sc := m.cfg.GetServer()
	if err := m.net.Start(ctx, sc.ReliablePort, sc.DatagramPort); err != nil {
		return err
	}
	m.startedAt = time.Now()

	ev := m.logger.Info().Str("name", sc.Name)
	if addr := m.net.ReliableAddr(); addr != nil {
		ev = ev.Str("reliable", addr.String())
	}
	if addr := m.net.DatagramAddr(); addr != nil {
		ev = ev.Str("datagram", addr.String())
	}
	ev.Msg("server listening")
	return nil
}

func peerPayload(s *network.Session, at time.Time) events.PeerPayload {
	id := s.Identity()
	return events.PeerPayload{
		CorrelationID: network.FormatID(s.ID()),
		Name:          id.Name,
		UUID:          id.UUID,
		Remote:        s.RemoteAddr().String(),
		Protocol:      s.Protocol().Name(),
		At:            at,
	}
}

func (m *Manager) onJoin(s *network.Session) {
	p := peerPayload(s, s.ConnectedAt())
	_, err := m.store.RecordJoin(db.SessionRecord{
		CorrelationID: p.CorrelationID,
		Name:          p.Name,
		UUID:          p.UUID,
		Remote:        p.Remote,
		Protocol:      p.Protocol,
		JoinedAt:      p.At,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("session", p.CorrelationID).Msg("failed to record join")
	}
	m.eventBus.Emit(context.Background(), events.Event{Type: events.EventPeerJoined, Source: "manager", Payload: p})
}

func (m *Manager) onLeave(s *network.Session) {
	p := peerPayload(s, time.Now())
	if err := m.store.RecordLeave(p.CorrelationID, p.At); err != nil {
		m.logger.Warn().Err(err).Str("session", p.CorrelationID).Msg("failed to record leave")
	}
	m.eventBus.Emit(context.Background(), events.Event{Type: events.EventPeerLeft, Source: "manager", Payload: p})
}

func (m *Manager) onConfigChanged(_ context.Context, event events.Event) error {
	if err := m.filter.Update(m.cfg.GetApplicationData().Filter); err != nil {
		return fmt.Errorf("failed to reload filter: %w", err)
	}
	m.logger.Debug().Interface("change", event.Payload).Msg("filter reloaded")
	return nil
}

func (m *Manager) onShutdown(context.Context, events.Event) error {
	m.logger.Info().Msg("shutdown event received, closing server")
	return m.net.Close()
}

// Kick closes one session. A non-empty reason is sent to the peer as a
// notice first.
func (m *Manager) Kick(id uint32, reason string, source string) error {
	sess, ok := m.net.Session(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, network.FormatID(id))
	}
	if reason != "" {
		m.sendNotice(sess, "kicked: "+reason)
	}
	m.net.Kick(id)

	m.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventKick,
		Source:  source,
		Payload: events.KickPayload{CorrelationID: id, Reason: reason},
	})
	return nil
}

// noticeSender is the part of a session used to warn a peer before it is
// disconnected.
type noticeSender interface {
	ID() uint32
	Send(p protocol.Packet) error
}

// sendNotice is best effort: the peer is disconnected either way.
func (m *Manager) sendNotice(sess noticeSender, text string) {
	if err := sess.Send(&chat.Notice{Text: text}); err != nil {
		m.logger.Debug().
			Err(err).
			Str("session", network.FormatID(sess.ID())).
			Msg("notice not delivered")
	}
}

// Ban stores a ban for ip and kicks every session connected from it. A
// zero d bans permanently. It returns the ban and the number of sessions
// kicked.
func (m *Manager) Ban(ip, reason string, d time.Duration, source string) (db.Ban, int, error) {
	ban, err := m.store.AddBan(ip, reason, d)
	if err != nil {
		return db.Ban{}, 0, err
	}

	target := net.ParseIP(ban.IP)
	kicked := 0
	for _, sess := range m.net.Sessions() {
		if peer := filter.AddrIP(sess.RemoteAddr()); peer != nil && peer.Equal(target) {
			m.sendNotice(sess, "banned: "+reason)
			if m.net.Kick(sess.ID()) {
				kicked++
			}
		}
	}

	m.logger.Info().
		Str("ip", ban.IP).
		Str("reason", reason).
		Time("expires_at", ban.ExpiresAt).
		Int("kicked", kicked).
		Str("source", source).
		Msg("peer banned")
	m.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventBan,
		Source:  source,
		Payload: events.BanPayload{IP: ban.IP, Reason: ban.Reason, ExpiresAt: ban.ExpiresAt},
	})
	return ban, kicked, nil
}

// Unban removes a stored ban.
func (m *Manager) Unban(ip string) error {
	if err := m.store.RemoveBan(ip); err != nil {
		return err
	}
	m.logger.Info().Str("ip", ip).Msg("ban removed")
	return nil
}

// Bans lists the active bans.
func (m *Manager) Bans() ([]db.Ban, error) {
	return m.store.ListBans(time.Now())
}

// History returns the most recent session history rows.
func (m *Manager) History(limit int) ([]db.SessionRecord, error) {
	return m.store.RecentSessions(limit)
}

// Announce sends an operator notice to every peer.
func (m *Manager) Announce(text, source string) (network.BroadcastReport, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return network.BroadcastReport{}, ErrEmptyAnnouncement
	}
	report := chat.Announce(m.net, text)
	m.logger.Info().
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Str("source", source).
		Msg("announcement sent")
	m.eventBus.Emit(context.Background(), events.Event{
		Type:    events.EventBroadcast,
		Source:  source,
		Payload: events.BroadcastPayload{Text: text},
	})
	return report, nil
}

// Sessions returns a snapshot of every streaming session.
func (m *Manager) Sessions() []network.Info {
	sessions := m.net.Sessions()
	out := make([]network.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}

// SessionInfo returns a snapshot of one session.
func (m *Manager) SessionInfo(id uint32) (network.Info, bool) {
	s, ok := m.net.Session(id)
	if !ok {
		return network.Info{}, false
	}
	return s.Info(), true
}

// Status returns a snapshot of the running server.
func (m *Manager) Status() Status {
	sc := m.cfg.GetServer()
	st := Status{
		Name:     sc.Name,
		Motd:     sc.Motd,
		Version:  m.version,
		Sessions: m.net.Count(),
	}
	if addr := m.net.ReliableAddr(); addr != nil {
		st.ReliableAddr = addr.String()
	}
	if addr := m.net.DatagramAddr(); addr != nil {
		st.DatagramAddr = addr.String()
	}
	if !m.startedAt.IsZero() {
		st.Uptime = time.Since(m.startedAt)
	}
	return st
}

// Network returns the underlying network server.
func (m *Manager) Network() *network.Server {
	return m.net
}

// Version returns the version announced in discovery replies.
func (m *Manager) Version() string {
	return m.version
}

// Close stops the network server and waits for its goroutines.
func (m *Manager) Close() error {
	err := m.net.Close()
	m.net.Wait()
	return err
}
