package repo

import (
	"database/sql"
	"fmt"

	"github.com/racewire/rt-relay/internal/models"
)

// Events is the events table's data access object.
type Events struct {
	db *sql.DB
}

// NewEvents builds an Events repo over db.
func NewEvents(db *sql.DB) *Events {
	return &Events{db: db}
}

// IngestResult reports how many rows a batch insert actually wrote,
// letting the caller tell a fresh insert from a pure-duplicate retry.
type IngestResult struct {
	Inserted   int
	Duplicates int
}

// InsertBatch appends events for streamID/epoch with
// ON CONFLICT (stream_id, stream_epoch, seq) DO NOTHING — the
// at-least-once dedup boundary spec.md §4.2 describes. Runs inside one
// transaction so a partial batch failure never leaves half the batch
// committed.
func (e *Events) InsertBatch(streamID string, epoch int64, events []models.Event) (IngestResult, error) {
	var result IngestResult

	tx, err := e.db.Begin()
	if err != nil {
		return result, fmt.Errorf("repo: beginning ingest tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO events (stream_id, stream_epoch, seq, reader_timestamp, raw_read_line, read_type)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (stream_id, stream_epoch, seq) DO NOTHING`,
	)
	if err != nil {
		return result, fmt.Errorf("repo: preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		res, err := stmt.Exec(streamID, epoch, ev.Seq, ev.ReaderTimestamp, ev.RawReadLine, string(ev.ReadType))
		if err != nil {
			return result, fmt.Errorf("repo: inserting event seq=%d: %w", ev.Seq, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return result, fmt.Errorf("repo: reading rows affected: %w", err)
		}
		if n > 0 {
			result.Inserted++
		} else {
			result.Duplicates++
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("repo: committing ingest tx: %w", err)
	}
	return result, nil
}

// MaxSeq returns the highest seq recorded for streamID at epoch, or 0
// if none.
func (e *Events) MaxSeq(streamID string, epoch int64) (int64, error) {
	row := e.db.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE stream_id = $1 AND stream_epoch = $2`,
		streamID, epoch,
	)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("repo: reading max seq: %w", err)
	}
	return seq, nil
}

// Since returns events for streamID/epoch with seq > afterSeq, ordered
// oldest first, capped at limit rows. Used by AllForEpoch to read a
// whole epoch for archival.
func (e *Events) Since(streamID string, epoch, afterSeq int64, limit int) ([]models.Event, error) {
	rows, err := e.db.Query(
		`SELECT stream_epoch, seq, reader_timestamp, raw_read_line, read_type
		 FROM events WHERE stream_id = $1 AND stream_epoch = $2 AND seq > $3
		 ORDER BY seq ASC LIMIT $4`,
		streamID, epoch, afterSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: querying events since: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var readType string
		if err := rows.Scan(&ev.StreamEpoch, &ev.Seq, &ev.ReaderTimestamp, &ev.RawReadLine, &readType); err != nil {
			return nil, fmt.Errorf("repo: scanning event: %w", err)
		}
		ev.ReadType = models.ReadType(readType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// SinceEpoch returns events for streamID at epoch > fromEpoch, or at
// epoch == fromEpoch with seq > fromSeq, ordered oldest first by
// epoch then seq, capped at limit rows. Pass toEpoch < 0 for no upper
// bound (serves Race mode's "epoch >= earliest" replay); pass
// toEpoch == fromEpoch to pin the query to exactly that one epoch
// (serves TargetedReplay, which names a single stream_epoch).
func (e *Events) SinceEpoch(streamID string, fromEpoch, fromSeq, toEpoch int64, limit int) ([]models.Event, error) {
	rows, err := e.db.Query(
		`SELECT stream_epoch, seq, reader_timestamp, raw_read_line, read_type
		 FROM events
		 WHERE stream_id = $1
		   AND (stream_epoch > $2 OR (stream_epoch = $2 AND seq > $3))
		   AND ($4 < 0 OR stream_epoch <= $4)
		 ORDER BY stream_epoch ASC, seq ASC
		 LIMIT $5`,
		streamID, fromEpoch, fromSeq, toEpoch, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: querying events since epoch: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var ev models.Event
		var readType string
		if err := rows.Scan(&ev.StreamEpoch, &ev.Seq, &ev.ReaderTimestamp, &ev.RawReadLine, &readType); err != nil {
			return nil, fmt.Errorf("repo: scanning event: %w", err)
		}
		ev.ReadType = models.ReadType(readType)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteThrough deletes events for streamID/epoch with seq <= throughSeq,
// used by the cold-archival job after a successful upload.
func (e *Events) DeleteThrough(streamID string, epoch, throughSeq int64) (int64, error) {
	res, err := e.db.Exec(
		`DELETE FROM events WHERE stream_id = $1 AND stream_epoch = $2 AND seq <= $3`,
		streamID, epoch, throughSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("repo: deleting archived events: %w", err)
	}
	return res.RowsAffected()
}

// AllForEpoch returns every event for streamID/epoch ordered by seq,
// used by the cold-archival job to build the archive payload.
func (e *Events) AllForEpoch(streamID string, epoch int64) ([]models.Event, error) {
	return e.Since(streamID, epoch, 0, 1<<31-1)
}
