// Package filter decides which peer addresses may talk to the server.
package filter

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/uniport-net/uniport/internal/config"
)

// BanChecker reports persisted bans. *db.Store implements it.
type BanChecker interface {
	IsBanned(ip string, now time.Time) (bool, error)
}

// PeerFilter applies the configured deny and allow lists, then the
// persisted bans. The deny list wins; a non-empty allow list admits only
// the addresses it contains.
type PeerFilter struct {
	mu    sync.RWMutex
	allow []*net.IPNet
	deny  []*net.IPNet
	bans  BanChecker

	logger zerolog.Logger
}

// New builds a filter from the configured lists. bans may be nil.
func New(cfg config.FilterConfig, bans BanChecker) (*PeerFilter, error) {
	f := &PeerFilter{
		bans:   bans,
		logger: log.With().Str("component", "filter").Logger(),
	}
	if err := f.Update(cfg); err != nil {
		return nil, err
	}
	return f, nil
}

// Update replaces the allow and deny lists.
func (f *PeerFilter) Update(cfg config.FilterConfig) error {
	allow, err := parseNets(cfg.Allow)
	if err != nil {
		return fmt.Errorf("allow list: %w", err)
	}
	deny, err := parseNets(cfg.Deny)
	if err != nil {
		return fmt.Errorf("deny list: %w", err)
	}

	f.mu.Lock()
	f.allow, f.deny = allow, deny
	f.mu.Unlock()
	return nil
}

// parseNets accepts CIDRs and single addresses.
func parseNets(entries []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if _, n, err := net.ParseCIDR(e); err == nil {
			nets = append(nets, n)
			continue
		}
		ip := net.ParseIP(e)
		if ip == nil {
			return nil, fmt.Errorf("invalid address or CIDR %q", e)
		}
		bits := 128
		if ip4 := ip.To4(); ip4 != nil {
			ip, bits = ip4, 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

func contains(nets []*net.IPNet, ip net.IP) bool {
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// AddrIP extracts the IP of a TCP or UDP address.
func AddrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return net.ParseIP(host)
}

// Accepts reports whether addr may connect or send datagrams. A failing
// ban lookup admits the peer.
func (f *PeerFilter) Accepts(addr net.Addr) bool {
	ip := AddrIP(addr)
	if ip == nil {
		return false
	}

	f.mu.RLock()
	denied := contains(f.deny, ip)
	allowed := len(f.allow) == 0 || contains(f.allow, ip)
	f.mu.RUnlock()

	if denied || !allowed {
		return false
	}
	if f.bans == nil {
		return true
	}

	banned, err := f.bans.IsBanned(ip.String(), time.Now())
	if err != nil {
		f.logger.Warn().Err(err).Str("ip", ip.String()).Msg("ban lookup failed")
		return true
	}
	return !banned
}
