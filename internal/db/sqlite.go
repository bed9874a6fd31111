// Package db persists bans and session history in SQLite through the
// pure-Go modernc.org/sqlite driver.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// busyTimeout is how long a statement waits on a locked database file, for
// example while an operator inspects it with the sqlite3 shell.
const busyTimeout = 5 * time.Second

// Database is a single-connection SQLite handle. Writes and transactions
// are serialised by mu; reads go straight to the pool.
type Database struct {
	mu   sync.Mutex
	conn *sql.DB
}

// dsn sets the pragmas through the driver's _pragma parameter so they apply
// to every connection the pool opens, not just the first one.
func dsn(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeout.Milliseconds())
}

// OpenDatabase opens or creates the database file, creating its directory.
func OpenDatabase(path string) (*Database, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// One writer at a time is all SQLite supports.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database %s unreachable: %w", path, err)
	}

	log.Info().Str("path", path).Msg("database opened")
	return &Database{conn: conn}, nil
}

// Migrate applies the steps the database has not seen yet, tracking progress
// in PRAGMA user_version. Each step runs in its own transaction, so a failed
// step leaves the earlier ones in place and is retried on the next open.
func (d *Database) Migrate(steps []string) error {
	var version int
	if err := d.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	if version > len(steps) {
		return fmt.Errorf("database schema version %d is newer than this build (%d)", version, len(steps))
	}

	for i := version; i < len(steps); i++ {
		next := i + 1
		err := d.Transaction(func(tx *sql.Tx) error {
			if _, err := tx.Exec(steps[i]); err != nil {
				return err
			}
			// PRAGMA does not take bind parameters.
			_, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", next))
			return err
		})
		if err != nil {
			return fmt.Errorf("schema step %d failed: %w", next, err)
		}
		log.Debug().Int("version", next).Msg("database schema migrated")
	}
	return nil
}

// SchemaVersion returns the applied migration count.
func (d *Database) SchemaVersion() (int, error) {
	var version int
	err := d.conn.QueryRow("PRAGMA user_version").Scan(&version)
	return version, err
}

func (d *Database) Close() error {
	return d.conn.Close()
}

func (d *Database) Exec(query string, args ...any) (sql.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn.Exec(query, args...)
}

func (d *Database) Query(query string, args ...any) (*sql.Rows, error) {
	return d.conn.Query(query, args...)
}

func (d *Database) QueryRow(query string, args ...any) *sql.Row {
	return d.conn.QueryRow(query, args...)
}

// Transaction runs fn in a transaction, committing when it returns nil.
func (d *Database) Transaction(fn func(tx *sql.Tx) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
