// Package receiver implements the rt-receiver daemon: the resume
// protocol client, a local SQLite cache of the operator's profile,
// subscriptions and ack cursors, the port-assignment engine, and the
// local TCP re-emission listeners (spec.md §4.3, §6).
package receiver

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/racewire/rt-relay/internal/protocol"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS profile (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	server_url TEXT NOT NULL,
	token      TEXT NOT NULL,
	log_level  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	forwarder_id        TEXT NOT NULL,
	reader_ip           TEXT NOT NULL,
	local_port_override INTEGER,
	PRIMARY KEY (forwarder_id, reader_ip)
);

CREATE TABLE IF NOT EXISTS cursors (
	forwarder_id TEXT NOT NULL,
	reader_ip    TEXT NOT NULL,
	stream_epoch INTEGER NOT NULL,
	last_seq     INTEGER NOT NULL,
	PRIMARY KEY (forwarder_id, reader_ip, stream_epoch)
);
`

// Profile is the operator-configured connection profile persisted
// across restarts.
type Profile struct {
	ServerURL string
	Token     string
	LogLevel  string
}

// Subscription is one stream the receiver has been assigned, with an
// optional pinned local port.
type Subscription struct {
	ForwarderID       string
	ReaderIP          string
	LocalPortOverride *int
}

// Cursor is one stream's last-applied epoch/seq, persisted so a
// restart resumes instead of redelivering already-applied events.
type Cursor struct {
	ForwarderID string
	ReaderIP    string
	StreamEpoch int64
	LastSeq     int64
}

// Cache is the receiver's embedded SQLite store.
type Cache struct {
	db *sql.DB
}

// Open creates the parent directory if needed and opens (or creates)
// the cache database at path, matching the forwarder journal's
// WAL-mode single-writer setup.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("receiver: creating cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("receiver: opening cache database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(cacheSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("receiver: creating cache schema: %w", err)
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// IntegrityCheck runs SQLite's own integrity check, surfacing silent
// corruption before the receiver trusts a stale profile or cursor.
func (c *Cache) IntegrityCheck() error {
	row := c.db.QueryRow(`PRAGMA integrity_check`)
	var result string
	if err := row.Scan(&result); err != nil {
		return fmt.Errorf("receiver: running integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("receiver: cache integrity check failed: %s", result)
	}
	return nil
}

// SaveProfile replaces the single persisted connection profile.
func (c *Cache) SaveProfile(serverURL, token, logLevel string) error {
	_, err := c.db.Exec(
		`INSERT INTO profile (id, server_url, token, log_level) VALUES (1, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET server_url = excluded.server_url, token = excluded.token, log_level = excluded.log_level`,
		serverURL, token, logLevel,
	)
	if err != nil {
		return fmt.Errorf("receiver: saving profile: %w", err)
	}
	return nil
}

// LoadProfile returns the persisted profile, or nil if none has been
// saved yet.
func (c *Cache) LoadProfile() (*Profile, error) {
	row := c.db.QueryRow(`SELECT server_url, token, log_level FROM profile WHERE id = 1`)
	var p Profile
	err := row.Scan(&p.ServerURL, &p.Token, &p.LogLevel)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receiver: loading profile: %w", err)
	}
	return &p, nil
}

// SaveSubscription upserts one stream subscription.
func (c *Cache) SaveSubscription(forwarderID, readerIP string, localPortOverride *int) error {
	_, err := c.db.Exec(
		`INSERT INTO subscriptions (forwarder_id, reader_ip, local_port_override) VALUES (?, ?, ?)
		 ON CONFLICT (forwarder_id, reader_ip) DO UPDATE SET local_port_override = excluded.local_port_override`,
		forwarderID, readerIP, localPortOverride,
	)
	if err != nil {
		return fmt.Errorf("receiver: saving subscription: %w", err)
	}
	return nil
}

// ReplaceSubscriptions atomically replaces every persisted
// subscription with subs, used when the operator re-pushes a full
// subscription list rather than adding one at a time.
func (c *Cache) ReplaceSubscriptions(subs []Subscription) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("receiver: beginning subscription replace: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM subscriptions`); err != nil {
		return fmt.Errorf("receiver: clearing subscriptions: %w", err)
	}
	for _, s := range subs {
		if _, err := tx.Exec(
			`INSERT INTO subscriptions (forwarder_id, reader_ip, local_port_override) VALUES (?, ?, ?)`,
			s.ForwarderID, s.ReaderIP, s.LocalPortOverride,
		); err != nil {
			return fmt.Errorf("receiver: inserting subscription: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("receiver: committing subscription replace: %w", err)
	}
	return nil
}

// LoadSubscriptions returns every persisted subscription.
func (c *Cache) LoadSubscriptions() ([]Subscription, error) {
	rows, err := c.db.Query(`SELECT forwarder_id, reader_ip, local_port_override FROM subscriptions`)
	if err != nil {
		return nil, fmt.Errorf("receiver: loading subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.ForwarderID, &s.ReaderIP, &s.LocalPortOverride); err != nil {
			return nil, fmt.Errorf("receiver: scanning subscription: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveCursor records (forwarderID, readerIP)'s applied position within
// epoch. The table's key includes stream_epoch, but a cursor is a
// single forward-moving position per stream, not a history: moving to
// a new epoch first clears any rows left over from older epochs, so
// at most one row per (forwarder_id, reader_ip) ever exists, and
// within one epoch last_seq is simply overwritten rather than
// maxed — the caller is the sole writer of its own progress and an
// epoch reset must be able to move the cursor back to zero.
func (c *Cache) SaveCursor(forwarderID, readerIP string, epoch, lastSeq int64) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("receiver: beginning cursor save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM cursors WHERE forwarder_id = ? AND reader_ip = ? AND stream_epoch != ?`,
		forwarderID, readerIP, epoch,
	); err != nil {
		return fmt.Errorf("receiver: clearing stale epoch cursor: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO cursors (forwarder_id, reader_ip, stream_epoch, last_seq) VALUES (?, ?, ?, ?)
		 ON CONFLICT (forwarder_id, reader_ip, stream_epoch) DO UPDATE SET last_seq = excluded.last_seq`,
		forwarderID, readerIP, epoch, lastSeq,
	); err != nil {
		return fmt.Errorf("receiver: saving cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("receiver: committing cursor save: %w", err)
	}
	return nil
}

// LoadCursors returns every persisted cursor.
func (c *Cache) LoadCursors() ([]Cursor, error) {
	rows, err := c.db.Query(`SELECT forwarder_id, reader_ip, stream_epoch, last_seq FROM cursors`)
	if err != nil {
		return nil, fmt.Errorf("receiver: loading cursors: %w", err)
	}
	defer rows.Close()

	var out []Cursor
	for rows.Next() {
		var cur Cursor
		if err := rows.Scan(&cur.ForwarderID, &cur.ReaderIP, &cur.StreamEpoch, &cur.LastSeq); err != nil {
			return nil, fmt.Errorf("receiver: scanning cursor: %w", err)
		}
		out = append(out, cur)
	}
	return out, rows.Err()
}

// LoadResumeCursors returns every persisted cursor as the
// ReceiverResumeEntry shape ReceiverHelloV12 sends on connect.
func (c *Cache) LoadResumeCursors() ([]protocol.ReceiverResumeEntry, error) {
	cursors, err := c.LoadCursors()
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ReceiverResumeEntry, 0, len(cursors))
	for _, cur := range cursors {
		out = append(out, protocol.ReceiverResumeEntry{
			ForwarderID: cur.ForwarderID,
			ReaderIP:    cur.ReaderIP,
			StreamEpoch: cur.StreamEpoch,
			LastSeq:     cur.LastSeq,
		})
	}
	return out, nil
}
