package db

import (
	"database/sql"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidIP   = errors.New("db: invalid ip address")
	ErrBanNotFound = errors.New("db: ban not found")
)

// Store holds bans and the session history. Timestamps are stored as unix
// milliseconds; zero means unset.
type Store struct {
	db *Database
}

// Ban blocks one IP address until ExpiresAt. A zero ExpiresAt never expires.
type Ban struct {
	IP        string    `json:"ip"`
	Reason    string    `json:"reason"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Permanent reports whether the ban has no expiry.
func (b Ban) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// SessionRecord is one row of the session history.
type SessionRecord struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Name          string    `json:"name"`
	UUID          string    `json:"uuid"`
	Remote        string    `json:"remote"`
	Protocol      string    `json:"protocol"`
	JoinedAt      time.Time `json:"joined_at"`
	LeftAt        time.Time `json:"left_at"`
}

// schema lists the migrations in order. Append new steps; never edit an
// applied one.
var schema = []string{
	`CREATE TABLE bans (
		ip TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE sessions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		uuid TEXT NOT NULL DEFAULT '',
		remote TEXT NOT NULL DEFAULT '',
		protocol TEXT NOT NULL DEFAULT '',
		joined_at INTEGER NOT NULL,
		left_at INTEGER NOT NULL DEFAULT 0
	);`,
	`CREATE INDEX idx_sessions_correlation_id ON sessions(correlation_id);
	CREATE INDEX idx_sessions_joined_at ON sessions(joined_at);`,
}

// NewStore opens the database at path and brings its schema up to date.
func NewStore(path string) (*Store, error) {
	database, err := OpenDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{db: database}, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func normalizeIP(ip string) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidIP, ip)
	}
	return parsed.String(), nil
}

// AddBan bans ip for d, or permanently when d is zero. An existing ban for
// the same address is replaced.
func (s *Store) AddBan(ip, reason string, d time.Duration) (Ban, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return Ban{}, err
	}
	now := time.Now()
	ban := Ban{IP: ip, Reason: reason, CreatedAt: now}
	if d > 0 {
		ban.ExpiresAt = now.Add(d)
	}

	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO bans (ip, reason, expires_at, created_at) VALUES (?, ?, ?, ?)",
		ban.IP, ban.Reason, toMillis(ban.ExpiresAt), toMillis(ban.CreatedAt))
	if err != nil {
		return Ban{}, fmt.Errorf("failed to store ban: %w", err)
	}

	log.Info().
		Str("ip", ban.IP).
		Str("reason", reason).
		Dur("duration", d).
		Msg("ban added")
	return ban, nil
}

// RemoveBan lifts the ban on ip.
func (s *Store) RemoveBan(ip string) error {
	ip, err := normalizeIP(ip)
	if err != nil {
		return err
	}
	res, err := s.db.Exec("DELETE FROM bans WHERE ip = ?", ip)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrBanNotFound, ip)
	}
	log.Info().Str("ip", ip).Msg("ban removed")
	return nil
}

// IsBanned reports whether ip has a ban that is active at now.
func (s *Store) IsBanned(ip string, now time.Time) (bool, error) {
	ip, err := normalizeIP(ip)
	if err != nil {
		return false, err
	}
	var count int
	err = s.db.QueryRow(
		"SELECT COUNT(*) FROM bans WHERE ip = ? AND (expires_at = 0 OR expires_at > ?)",
		ip, now.UnixMilli()).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("ban check failed: %w", err)
	}
	return count > 0, nil
}

// ListBans returns the bans active at now, newest first.
func (s *Store) ListBans(now time.Time) ([]Ban, error) {
	rows, err := s.db.Query(
		"SELECT ip, reason, expires_at, created_at FROM bans WHERE expires_at = 0 OR expires_at > ? ORDER BY created_at DESC",
		now.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bans := []Ban{}
	for rows.Next() {
		var b Ban
		var expires, created int64
		if err := rows.Scan(&b.IP, &b.Reason, &expires, &created); err != nil {
			return nil, err
		}
		b.ExpiresAt = fromMillis(expires)
		b.CreatedAt = fromMillis(created)
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// PruneExpiredBans deletes bans that expired before now.
func (s *Store) PruneExpiredBans(now time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM bans WHERE expires_at != 0 AND expires_at <= ?", now.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecordJoin inserts a history row for a joined session and returns its id.
func (s *Store) RecordJoin(r SessionRecord) (int64, error) {
	if r.JoinedAt.IsZero() {
		r.JoinedAt = time.Now()
	}
	res, err := s.db.Exec(
		`INSERT INTO sessions (correlation_id, name, uuid, remote, protocol, joined_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.CorrelationID, r.Name, r.UUID, r.Remote, r.Protocol, toMillis(r.JoinedAt))
	if err != nil {
		return 0, fmt.Errorf("failed to record join: %w", err)
	}
	return res.LastInsertId()
}

// RecordLeave closes the open history row of a correlation id.
func (s *Store) RecordLeave(correlationID string, at time.Time) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET left_at = ?
		 WHERE id = (SELECT id FROM sessions WHERE correlation_id = ? AND left_at = 0 ORDER BY joined_at DESC LIMIT 1)`,
		toMillis(at), correlationID)
	if err != nil {
		return fmt.Errorf("failed to record leave: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit history rows, newest first.
func (s *Store) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, correlation_id, name, uuid, remote, protocol, joined_at, left_at
		 FROM sessions ORDER BY joined_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []SessionRecord{}
	for rows.Next() {
		var r SessionRecord
		var joined, left int64
		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.Name, &r.UUID, &r.Remote, &r.Protocol, &joined, &left); err != nil {
			return nil, err
		}
		r.JoinedAt = fromMillis(joined)
		r.LeftAt = fromMillis(left)
		records = append(records, r)
	}
	return records, rows.Err()
}

// PruneHistory deletes finished sessions that joined before the cutoff.
func (s *Store) PruneHistory(before time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE left_at != 0 AND joined_at < ?", before.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CloseOpenSessions marks every unfinished row as left at the given time.
// Rows stay open when the process stops without a clean shutdown.
func (s *Store) CloseOpenSessions(at time.Time) (int64, error) {
	var affected int64
	err := s.db.Transaction(func(tx *sql.Tx) error {
		res, err := tx.Exec("UPDATE sessions SET left_at = ? WHERE left_at = 0", toMillis(at))
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
