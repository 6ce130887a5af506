package repo

import (
	"database/sql"
	"fmt"
)

// ReceiverCursor is one receiver's durable high-water mark for a
// stream/epoch.
type ReceiverCursor struct {
	ReceiverID  string
	StreamID    string
	StreamEpoch int64
	LastSeq     int64
}

// ReceiverCursors is the receiver_cursors table's data access object.
type ReceiverCursors struct {
	db *sql.DB
}

// NewReceiverCursors builds a ReceiverCursors repo over db.
func NewReceiverCursors(db *sql.DB) *ReceiverCursors {
	return &ReceiverCursors{db: db}
}

// Advance upserts (receiverID, streamID, epoch)'s last_seq to
// max(existing, seq) — the monotonic upsert rule spec.md §3 states for
// ack cursors.
func (c *ReceiverCursors) Advance(receiverID, streamID string, epoch, seq int64) error {
	_, err := c.db.Exec(
		`INSERT INTO receiver_cursors (receiver_id, stream_id, stream_epoch, last_seq)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (receiver_id, stream_id, stream_epoch)
		 DO UPDATE SET last_seq = GREATEST(receiver_cursors.last_seq, excluded.last_seq), updated_at = now()`,
		receiverID, streamID, epoch, seq,
	)
	if err != nil {
		return fmt.Errorf("repo: advancing receiver cursor: %w", err)
	}
	return nil
}

// Get returns the durable cursor for (receiverID, streamID, epoch), or
// (0, nil) if none recorded yet.
func (c *ReceiverCursors) Get(receiverID, streamID string, epoch int64) (int64, error) {
	row := c.db.QueryRow(
		`SELECT last_seq FROM receiver_cursors WHERE receiver_id = $1 AND stream_id = $2 AND stream_epoch = $3`,
		receiverID, streamID, epoch,
	)
	var seq int64
	err := row.Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("repo: reading receiver cursor: %w", err)
	}
	return seq, nil
}

// MinUnackedBelow reports whether any receiver still has an
// outstanding cursor below maxSeq for (streamID, epoch) — used by the
// archival job to confirm an epoch is fully drained before archiving
// it (spec.md's archival description: only touch epochs every
// subscribed receiver has already fully acked).
func (c *ReceiverCursors) MinUnackedBelow(streamID string, epoch, maxSeq int64) (bool, error) {
	row := c.db.QueryRow(
		`SELECT EXISTS(
			SELECT 1 FROM receiver_cursors
			WHERE stream_id = $1 AND stream_epoch = $2 AND last_seq < $3
		 )`,
		streamID, epoch, maxSeq,
	)
	var exists bool
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("repo: checking unacked cursors: %w", err)
	}
	return exists, nil
}
