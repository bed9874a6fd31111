// Package health runs periodic checks against the running server: a
// datagram self-test, host resource sampling, stale session cleanup and
// the heartbeat.
package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/uniport-net/uniport/internal/chat"
	"github.com/uniport-net/uniport/internal/config"
	"github.com/uniport-net/uniport/internal/events"
	"github.com/uniport-net/uniport/internal/network"
	"github.com/uniport-net/uniport/internal/util"
)

// Check statuses.
const (
	StatusOK      = "ok"
	StatusWarning = "warning"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ResourceThreshold is the CPU and memory percentage that raises a warning.
const ResourceThreshold = 90.0

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Manager runs the health checks on their configured intervals and keeps
// the latest result of each.
type Manager struct {
	cfg      *config.Config
	eventBus *events.EventBus
	server   *network.Server
	logger   zerolog.Logger

	startedAt time.Time

	// sample is replaced in tests.
	sample func() (util.ResourceUsage, error)

	mu      sync.RWMutex
	results map[string]CheckResult
	usage   util.ResourceUsage
}

// NewManager creates a health check manager for a started server.
func NewManager(cfg *config.Config, eventBus *events.EventBus, server *network.Server) *Manager {
	return &Manager{
		cfg:       cfg,
		eventBus:  eventBus,
		server:    server,
		logger:    util.ComponentLogger("health"),
		startedAt: time.Now(),
		sample: func() (util.ResourceUsage, error) {
			return util.SampleResources(time.Second, ".")
		},
		results: make(map[string]CheckResult),
	}
}

type check struct {
	name     string
	interval int
	fn       func(context.Context) CheckResult
}

func (m *Manager) checks() []check {
	timers := m.cfg.GetApplicationData().Timers
	return []check{
		{"datagram_self_test", timers.SelfTestInterval, m.checkDatagramListener},
		{"resources", timers.ResourceCheckInterval, m.checkResources},
		{"stale_sessions", timers.ResourceCheckInterval, m.checkStaleSessions},
	}
}

// Start runs every check once, then on its interval, plus the heartbeat.
// It blocks until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := m.checks()
	for _, c := range checks {
		if c.interval <= 0 {
			continue
		}
		go m.loop(ctx, time.Duration(c.interval)*time.Second, func() { m.run(ctx, c) })
	}

	if interval := m.cfg.GetApplicationData().Timers.HeartbeatInterval; interval > 0 {
		go m.loop(ctx, time.Duration(interval)*time.Second, func() { m.heartbeat(ctx) })
	}

	m.logger.Info().Int("checks", len(checks)).Msg("health check manager started")
	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

func (m *Manager) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (m *Manager) run(ctx context.Context, c check) CheckResult {
	res := c.fn(ctx)
	res.Name = c.name
	res.CheckedAt = time.Now()

	m.mu.Lock()
	m.results[c.name] = res
	m.mu.Unlock()

	ev := m.logger.Debug()
	if res.Status == StatusWarning || res.Status == StatusFailed {
		ev = m.logger.Warn()
	}
	ev.Str("check", c.name).Str("status", res.Status).Msg(res.Message)
	return res
}

// RunAll runs every check once and returns the results.
func (m *Manager) RunAll(ctx context.Context) []CheckResult {
	var out []CheckResult
	for _, c := range m.checks() {
		out = append(out, m.run(ctx, c))
	}
	return out
}

// Results returns the latest result of every check that has run.
func (m *Manager) Results() []CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]CheckResult, 0, len(m.results))
	for _, c := range m.checks() {
		if r, ok := m.results[c.name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Usage returns the last resource sample.
func (m *Manager) Usage() util.ResourceUsage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage
}

// Uptime returns the time since the manager was created.
func (m *Manager) Uptime() time.Duration {
	return time.Since(m.startedAt)
}

// probeAddr turns the bound datagram address into one the probe can reach.
func probeAddr(addr *net.UDPAddr) string {
	ip := addr.IP
	if ip == nil || ip.IsUnspecified() {
		ip = net.IPv4(127, 0, 0, 1)
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(addr.Port))
}

// checkDatagramListener sends a sessionless Discover to the server's own
// datagram socket and expects a ServerInfo back.
func (m *Manager) checkDatagramListener(ctx context.Context) CheckResult {
	addr := m.server.DatagramAddr()
	if addr == nil {
		return CheckResult{Status: StatusSkipped, Message: "datagram transport not running"}
	}

	rc, err := network.DialRequest(ctx, probeAddr(addr), 2*time.Second)
	if err != nil {
		return CheckResult{Status: StatusFailed, Message: err.Error()}
	}
	defer rc.Close()

	start := time.Now()
	reply, err := rc.Request(chat.NewProtocol(nil), &chat.Discover{})
	if err != nil {
		return CheckResult{Status: StatusFailed, Message: fmt.Sprintf("discover probe failed: %v", err)}
	}
	info, ok := reply.(*chat.ServerInfo)
	if !ok {
		return CheckResult{Status: StatusFailed, Message: fmt.Sprintf("unexpected reply %s", reply.Tag())}
	}
	return CheckResult{
		Status:  StatusOK,
		Message: fmt.Sprintf("%s answered in %s with %d players", info.Name, time.Since(start).Round(time.Microsecond), info.Players),
	}
}

// checkResources samples host load and raises an MQTT alert above the
// threshold.
func (m *Manager) checkResources(ctx context.Context) CheckResult {
	usage, err := m.sample()
	if err != nil {
		return CheckResult{Status: StatusFailed, Message: err.Error()}
	}

	m.mu.Lock()
	m.usage = usage
	m.mu.Unlock()

	msg := fmt.Sprintf("cpu %.1f%%, memory %.1f%%", usage.CPUPercent, usage.MemoryPercent)
	if usage.CPUPercent < ResourceThreshold && usage.MemoryPercent < ResourceThreshold {
		return CheckResult{Status: StatusOK, Message: msg}
	}

	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventNotifyMQTT,
		Source: "health",
		Payload: events.NotifyMQTTPayload{
			Topic: "alerts",
			Data:  usage,
		},
	})
	return CheckResult{Status: StatusWarning, Message: "high load: " + msg}
}

// checkStaleSessions closes sessions without any traffic for two read
// timeouts.
func (m *Manager) checkStaleSessions(context.Context) CheckResult {
	timeout := 2 * m.cfg.GetServer().ReadTimeout()
	if timeout <= 0 {
		return CheckResult{Status: StatusSkipped, Message: "read timeout disabled"}
	}
	closed := m.server.Registry().CloseStale(timeout)
	if closed > 0 {
		return CheckResult{Status: StatusWarning, Message: fmt.Sprintf("closed %d stale sessions", closed)}
	}
	return CheckResult{Status: StatusOK, Message: fmt.Sprintf("%d sessions active", m.server.Count())}
}

func (m *Manager) heartbeat(ctx context.Context) {
	m.eventBus.Emit(ctx, events.Event{
		Type:   events.EventHeartbeat,
		Source: "health",
		Payload: events.HeartbeatPayload{
			Sessions: m.server.Count(),
			Uptime:   m.Uptime().Seconds(),
			At:       time.Now(),
		},
	})
}
