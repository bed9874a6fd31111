package network

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultBucketCount is the number of correlation-id buckets.
const DefaultBucketCount = 512

// SessionRegistry tracks streaming sessions in two views: a flat set for
// iteration and broadcast, and buckets keyed by correlation id for datagram
// lookup. Both views change together, always taking the set lock before a
// bucket lock.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[uint32]*Session
	reserved map[uint32]struct{}
	buckets  []sessionBucket
}

type sessionBucket struct {
	mu       sync.RWMutex
	sessions []*Session
}

// NewSessionRegistry creates a registry. bucketCount < 1 selects the default.
func NewSessionRegistry(bucketCount int) *SessionRegistry {
	if bucketCount < 1 {
		bucketCount = DefaultBucketCount
	}
	return &SessionRegistry{
		sessions: make(map[uint32]*Session),
		reserved: make(map[uint32]struct{}),
		buckets:  make([]sessionBucket, bucketCount),
	}
}

func (r *SessionRegistry) bucket(id uint32) *sessionBucket {
	return &r.buckets[id%uint32(len(r.buckets))]
}

// Allocate reserves a random, non-zero correlation id not used by any live
// or handshaking session. Release or Register must follow.
func (r *SessionRegistry) Allocate() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var b [4]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("failed to generate correlation id: %w", err)
		}
		id := binary.BigEndian.Uint32(b[:])
		if id == 0 {
			continue
		}
		if _, used := r.sessions[id]; used {
			continue
		}
		if _, used := r.reserved[id]; used {
			continue
		}
		r.reserved[id] = struct{}{}
		return id, nil
	}
}

// Release frees a reserved id whose handshake failed.
func (r *SessionRegistry) Release(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reserved, id)
}

// Register adds a session to both views.
func (r *SessionRegistry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.reserved, s.id)
	r.sessions[s.id] = s

	b := r.bucket(s.id)
	b.mu.Lock()
	b.sessions = append(b.sessions, s)
	b.mu.Unlock()

	log.Debug().Str("session", FormatID(s.id)).Msg("session registered")
}

// Unregister removes a session from both views and frees its id. It reports
// whether the session was present.
func (r *SessionRegistry) Unregister(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		return false
	}
	delete(r.sessions, s.id)

	b := r.bucket(s.id)
	b.mu.Lock()
	for i, candidate := range b.sessions {
		if candidate == s {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	log.Debug().Str("session", FormatID(s.id)).Msg("session unregistered")
	return true
}

// Get returns the session with the given id.
func (r *SessionRegistry) Get(id uint32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Lookup finds the session a datagram from addr with correlation id id
// belongs to. Only the id's bucket is searched.
func (r *SessionRegistry) Lookup(id uint32, addr *net.UDPAddr, strictPort bool) *Session {
	b := r.bucket(id)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.sessions {
		if s.id == id && s.matches(addr, strictPort) {
			return s
		}
	}
	return nil
}

// Snapshot returns the sessions ordered by connect time. The slice is a
// copy and safe to iterate while sessions join or leave.
func (r *SessionRegistry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].connectedAt.Before(out[j].connectedAt)
	})
	return out
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// BucketCount returns the number of buckets.
func (r *SessionRegistry) BucketCount() int {
	return len(r.buckets)
}

// CloseAll closes every registered session.
func (r *SessionRegistry) CloseAll() {
	for _, s := range r.Snapshot() {
		s.Close()
	}
}

// CloseStale closes sessions idle for longer than timeout and returns how
// many were closed.
func (r *SessionRegistry) CloseStale(timeout time.Duration) int {
	cutoff := time.Now().Add(-timeout)
	closed := 0
	for _, s := range r.Snapshot() {
		if s.LastActivity().Before(cutoff) {
			log.Warn().
				Str("session", FormatID(s.id)).
				Time("last_activity", s.LastActivity()).
				Msg("closing stale session")
			s.Close()
			closed++
		}
	}
	return closed
}

// FormatID renders a correlation id as 8 hex digits.
func FormatID(id uint32) string {
	return fmt.Sprintf("%08x", id)
}

// ParseID parses a correlation id written by FormatID.
func ParseID(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return uint32(v), nil
}
