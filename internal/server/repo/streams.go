// Package repo holds the server's Postgres-backed data access types:
// one file per table, grounded on the relational layout spec.md §6
// names directly (streams, events, receiver_cursors, device_tokens,
// forwarder_races, stream_epoch_races).
package repo

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stream is one row of the streams table: the server's canonical
// record of a (forwarder_id, reader_ip) stream key.
type Stream struct {
	StreamID        string
	ForwarderID     string
	ReaderIP        string
	StreamEpoch     int64
	AckedThroughSeq int64
	CreatedAt       time.Time
}

// Streams is the streams table's data access object.
type Streams struct {
	db *sql.DB
}

// NewStreams builds a Streams repo over db.
func NewStreams(db *sql.DB) *Streams {
	return &Streams{db: db}
}

// GetOrCreate resolves the stream row for (forwarderID, readerIP),
// allocating a new UUID v4 stream_id and inserting a fresh row at
// epoch 1 on first contact (spec.md §4.2).
func (s *Streams) GetOrCreate(forwarderID, readerIP string) (*Stream, error) {
	stream, err := s.Get(forwarderID, readerIP)
	if err == nil {
		return stream, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	streamID := uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO streams (stream_id, forwarder_id, reader_ip, stream_epoch, acked_through_seq)
		 VALUES ($1, $2, $3, 1, 0)
		 ON CONFLICT (forwarder_id, reader_ip) DO NOTHING`,
		streamID, forwarderID, readerIP,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: inserting stream: %w", err)
	}

	return s.Get(forwarderID, readerIP)
}

// Get fetches the stream row for (forwarderID, readerIP), returning
// sql.ErrNoRows if it has never been seen before.
func (s *Streams) Get(forwarderID, readerIP string) (*Stream, error) {
	row := s.db.QueryRow(
		`SELECT stream_id, forwarder_id, reader_ip, stream_epoch, acked_through_seq, created_at
		 FROM streams WHERE forwarder_id = $1 AND reader_ip = $2`,
		forwarderID, readerIP,
	)

	var st Stream
	if err := row.Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.StreamEpoch, &st.AckedThroughSeq, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// GetByID fetches a stream row by its stream_id.
func (s *Streams) GetByID(streamID string) (*Stream, error) {
	row := s.db.QueryRow(
		`SELECT stream_id, forwarder_id, reader_ip, stream_epoch, acked_through_seq, created_at
		 FROM streams WHERE stream_id = $1`,
		streamID,
	)

	var st Stream
	if err := row.Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.StreamEpoch, &st.AckedThroughSeq, &st.CreatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

// SetEpoch persists a new stream_epoch for streamID, used on epoch
// arbitration (forwarder-advanced or sequence-regression cases) and
// on operator-initiated reset. acked_through_seq is reset to 0 since
// the new epoch starts its own seq numbering from scratch.
func (s *Streams) SetEpoch(streamID string, epoch int64) error {
	_, err := s.db.Exec(
		`UPDATE streams SET stream_epoch = $2, acked_through_seq = 0 WHERE stream_id = $1`,
		streamID, epoch,
	)
	if err != nil {
		return fmt.Errorf("repo: setting stream epoch: %w", err)
	}
	return nil
}

// AdvanceAcked raises acked_through_seq for streamID at the given
// epoch to max(current, seq); a stale or duplicate ingest never moves
// it backwards.
func (s *Streams) AdvanceAcked(streamID string, epoch, seq int64) error {
	_, err := s.db.Exec(
		`UPDATE streams SET acked_through_seq = GREATEST(acked_through_seq, $3)
		 WHERE stream_id = $1 AND stream_epoch = $2`,
		streamID, epoch, seq,
	)
	if err != nil {
		return fmt.Errorf("repo: advancing acked_through_seq: %w", err)
	}
	return nil
}

// All lists every known stream, used to seed the in-memory registry on
// startup.
func (s *Streams) All() ([]Stream, error) {
	rows, err := s.db.Query(
		`SELECT stream_id, forwarder_id, reader_ip, stream_epoch, acked_through_seq, created_at FROM streams`,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: listing streams: %w", err)
	}
	defer rows.Close()

	var out []Stream
	for rows.Next() {
		var st Stream
		if err := rows.Scan(&st.StreamID, &st.ForwarderID, &st.ReaderIP, &st.StreamEpoch, &st.AckedThroughSeq, &st.CreatedAt); err != nil {
			return nil, fmt.Errorf("repo: scanning stream row: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
