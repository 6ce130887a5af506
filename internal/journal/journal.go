// Package journal implements the forwarder's durable local store: a
// single-file, WAL-mode SQLite database recording every accepted chip
// read, the server's ack cursor per stream, and each stream's current
// epoch. It is the forwarder's source of truth for what has and has
// not been confirmed by the server, used to drive replay after a
// reconnect (spec.md §4.1, §6).
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/racewire/rt-relay/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
	stream_key       TEXT    NOT NULL,
	stream_epoch     INTEGER NOT NULL,
	seq              INTEGER NOT NULL,
	reader_timestamp TEXT    NOT NULL,
	raw_read_line    TEXT    NOT NULL,
	read_type        TEXT    NOT NULL,
	PRIMARY KEY (stream_key, stream_epoch, seq)
);

CREATE TABLE IF NOT EXISTS ack_cursor (
	stream_key  TEXT PRIMARY KEY,
	acked_epoch INTEGER NOT NULL DEFAULT 0,
	acked_seq   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS epoch_state (
	stream_key    TEXT PRIMARY KEY,
	current_epoch INTEGER NOT NULL DEFAULT 1
);
`

// Journal is the forwarder's embedded event store. All methods are
// safe for concurrent use: the underlying *sql.DB serializes writes
// from every TimingReader goroutine and the uplink.
type Journal struct {
	db *sql.DB
}

// Open creates the parent directory if needed and opens (or creates)
// the journal database at path in WAL mode, matching the teacher's
// practice in storage.go of creating the destination directory before
// writing into it.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: creating directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}
	// The embedded store is written from a single goroutine per
	// stream; cap at 1 writer connection to avoid SQLITE_BUSY under
	// modernc.org/sqlite's mutex-free driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: creating schema: %w", err)
	}

	return &Journal{db: db}, nil
}

// Close closes the underlying database handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// WriteAccepted records one journalled event. Writes are idempotent
// on the (stream_key, stream_epoch, seq) primary key: a duplicate
// write from a reader retry is silently ignored, mirroring the
// server's own ON CONFLICT DO NOTHING ingest semantics (spec.md §5).
func (j *Journal) WriteAccepted(streamKey string, streamEpoch int64, ev models.Event) error {
	_, err := j.db.Exec(
		`INSERT OR IGNORE INTO journal (stream_key, stream_epoch, seq, reader_timestamp, raw_read_line, read_type)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		streamKey, streamEpoch, ev.Seq, ev.ReaderTimestamp, ev.RawReadLine, string(ev.ReadType),
	)
	if err != nil {
		return fmt.Errorf("journal: writing event: %w", err)
	}
	return nil
}

// AckCursor returns the last epoch/seq pair the server has
// acknowledged for streamKey. A stream with no recorded cursor
// returns (0, 0, nil) — epoch 0 is never assigned to a real stream,
// so callers can treat it as "nothing acked yet".
func (j *Journal) AckCursor(streamKey string) (epoch, seq int64, err error) {
	row := j.db.QueryRow(`SELECT acked_epoch, acked_seq FROM ack_cursor WHERE stream_key = ?`, streamKey)
	err = row.Scan(&epoch, &seq)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("journal: reading ack cursor: %w", err)
	}
	return epoch, seq, nil
}

// SetAckCursor upserts streamKey's ack cursor. Callers are expected to
// only advance it; the journal does not itself enforce monotonicity so
// that a server-directed epoch reset can move the cursor backwards to
// a fresh epoch's zero point.
func (j *Journal) SetAckCursor(streamKey string, epoch, seq int64) error {
	_, err := j.db.Exec(
		`INSERT INTO ack_cursor (stream_key, acked_epoch, acked_seq) VALUES (?, ?, ?)
		 ON CONFLICT (stream_key) DO UPDATE SET acked_epoch = excluded.acked_epoch, acked_seq = excluded.acked_seq`,
		streamKey, epoch, seq,
	)
	if err != nil {
		return fmt.Errorf("journal: writing ack cursor: %w", err)
	}
	return nil
}

// AdvanceAckAndPrune advances streamKey's ack cursor to epoch/seq and
// deletes journalled rows at that epoch with seq <= seq, in the same
// transaction (spec.md §4.1: "the ack cursor is persisted in the same
// transaction as the delete") — a crash between the two would
// otherwise either replay already-acked rows or prune rows the ack
// cursor hasn't actually advanced past yet.
func (j *Journal) AdvanceAckAndPrune(streamKey string, epoch, seq int64) error {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("journal: beginning ack/prune tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO ack_cursor (stream_key, acked_epoch, acked_seq) VALUES (?, ?, ?)
		 ON CONFLICT (stream_key) DO UPDATE SET acked_epoch = excluded.acked_epoch, acked_seq = excluded.acked_seq`,
		streamKey, epoch, seq,
	); err != nil {
		return fmt.Errorf("journal: writing ack cursor: %w", err)
	}

	if _, err := tx.Exec(
		`DELETE FROM journal WHERE stream_key = ? AND stream_epoch = ? AND seq <= ?`,
		streamKey, epoch, seq,
	); err != nil {
		return fmt.Errorf("journal: pruning acked events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: committing ack/prune tx: %w", err)
	}
	return nil
}

// CurrentEpoch returns streamKey's active epoch, defaulting to 1 for a
// stream that has never been journalled before.
func (j *Journal) CurrentEpoch(streamKey string) (int64, error) {
	row := j.db.QueryRow(`SELECT current_epoch FROM epoch_state WHERE stream_key = ?`, streamKey)
	var epoch int64
	err := row.Scan(&epoch)
	if err == sql.ErrNoRows {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("journal: reading epoch state: %w", err)
	}
	return epoch, nil
}

// SetCurrentEpoch upserts streamKey's active epoch, used when the
// server directs an epoch reset or the forwarder detects a local
// continuity break (spec.md §4.2).
func (j *Journal) SetCurrentEpoch(streamKey string, epoch int64) error {
	_, err := j.db.Exec(
		`INSERT INTO epoch_state (stream_key, current_epoch) VALUES (?, ?)
		 ON CONFLICT (stream_key) DO UPDATE SET current_epoch = excluded.current_epoch`,
		streamKey, epoch,
	)
	if err != nil {
		return fmt.Errorf("journal: writing epoch state: %w", err)
	}
	return nil
}

// MaxSeq returns the highest seq journalled for streamKey in epoch, or
// 0 if nothing has been journalled yet. Used on startup to resume
// local seq assignment without re-reading every reader frame.
func (j *Journal) MaxSeq(streamKey string, epoch int64) (int64, error) {
	row := j.db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM journal WHERE stream_key = ? AND stream_epoch = ?`,
		streamKey, epoch,
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("journal: reading max seq: %w", err)
	}
	return seq, nil
}

// UnackedEvents returns streamKey's journalled events in epoch with
// seq strictly greater than afterSeq, ordered oldest first.
func (j *Journal) UnackedEvents(streamKey string, epoch, afterSeq int64) ([]models.Event, error) {
	rows, err := j.db.Query(
		`SELECT stream_epoch, seq, reader_timestamp, raw_read_line, read_type
		 FROM journal WHERE stream_key = ? AND stream_epoch = ? AND seq > ?
		 ORDER BY seq ASC`,
		streamKey, epoch, afterSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: querying unacked events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, streamKey)
}

// UnackedEventsAcrossEpochs returns every journalled event for
// streamKey in an epoch strictly greater than afterEpoch, ordered by
// epoch then seq. PendingEvents calls it with afterEpoch 0 to read the
// whole remaining backlog.
func (j *Journal) UnackedEventsAcrossEpochs(streamKey string, afterEpoch int64) ([]models.Event, error) {
	rows, err := j.db.Query(
		`SELECT stream_epoch, seq, reader_timestamp, raw_read_line, read_type
		 FROM journal WHERE stream_key = ? AND stream_epoch > ?
		 ORDER BY stream_epoch ASC, seq ASC`,
		streamKey, afterEpoch,
	)
	if err != nil {
		return nil, fmt.Errorf("journal: querying cross-epoch events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows, streamKey)
}

// DeleteAcked prunes journalled events in epoch with seq <= throughSeq,
// reclaiming space for events the server has durably confirmed.
func (j *Journal) DeleteAcked(streamKey string, epoch, throughSeq int64) error {
	_, err := j.db.Exec(
		`DELETE FROM journal WHERE stream_key = ? AND stream_epoch = ? AND seq <= ?`,
		streamKey, epoch, throughSeq,
	)
	if err != nil {
		return fmt.Errorf("journal: pruning acked events: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows, streamKey string) ([]models.Event, error) {
	var events []models.Event
	for rows.Next() {
		var ev models.Event
		var readType string
		if err := rows.Scan(&ev.StreamEpoch, &ev.Seq, &ev.ReaderTimestamp, &ev.RawReadLine, &readType); err != nil {
			return nil, fmt.Errorf("journal: scanning event row: %w", err)
		}
		ev.ReadType = models.ReadType(readType)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating event rows: %w", err)
	}
	return events, nil
}
