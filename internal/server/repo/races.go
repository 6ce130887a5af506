package repo

import (
	"database/sql"
	"fmt"
)

// Races resolves a receiver's Race-mode resume request to the set of
// streams and the earliest epoch associated with a race.
type Races struct {
	db *sql.DB
}

// NewRaces builds a Races repo over db.
func NewRaces(db *sql.DB) *Races {
	return &Races{db: db}
}

// StreamsForRace lists the (forwarder_id, reader_ip) pairs assigned to
// raceID.
func (r *Races) StreamsForRace(raceID string) ([]StreamKeyPair, error) {
	rows, err := r.db.Query(
		`SELECT forwarder_id, reader_ip FROM forwarder_races WHERE race_id = $1`,
		raceID,
	)
	if err != nil {
		return nil, fmt.Errorf("repo: listing race streams: %w", err)
	}
	defer rows.Close()

	var out []StreamKeyPair
	for rows.Next() {
		var p StreamKeyPair
		if err := rows.Scan(&p.ForwarderID, &p.ReaderIP); err != nil {
			return nil, fmt.Errorf("repo: scanning race stream: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StreamKeyPair is a bare (forwarder_id, reader_ip) pair, returned by
// queries that don't need the full Stream row.
type StreamKeyPair struct {
	ForwarderID string
	ReaderIP    string
}

// EarliestEpoch returns the lowest stream_epoch still associated with
// raceID for streamID, or 0 if the stream has no race association
// recorded (callers then fall back to the stream's current epoch).
func (r *Races) EarliestEpoch(raceID, streamID string) (int64, error) {
	row := r.db.QueryRow(
		`SELECT COALESCE(MIN(stream_epoch), 0) FROM stream_epoch_races WHERE race_id = $1 AND stream_id = $2`,
		raceID, streamID,
	)
	var epoch int64
	if err := row.Scan(&epoch); err != nil {
		return 0, fmt.Errorf("repo: reading earliest race epoch: %w", err)
	}
	return epoch, nil
}
