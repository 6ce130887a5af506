package server

import (
	"fmt"
	"sync"

	"github.com/racewire/rt-relay/internal/models"
	"github.com/racewire/rt-relay/internal/server/repo"
)

// StreamEntry is the registry's in-memory view of one stream, kept in
// sync with the streams table.
type StreamEntry struct {
	StreamID        string
	ForwarderID     string
	ReaderIP        string
	StreamEpoch     int64
	AckedThroughSeq int64
}

// Registry is the server's read-mostly in-memory stream map, backed by
// the streams table. Writes are infrequent — only on first contact or
// an epoch change — so a single RWMutex is sufficient (spec.md §5:
// "the stream registry is a read-mostly in-memory map behind a
// reader-writer lock").
type Registry struct {
	streams *repo.Streams

	mu      sync.RWMutex
	byKey   map[models.StreamKey]*StreamEntry
	byID    map[string]*StreamEntry
}

// NewRegistry builds an empty Registry over the streams repo.
func NewRegistry(streams *repo.Streams) *Registry {
	return &Registry{
		streams: streams,
		byKey:   make(map[models.StreamKey]*StreamEntry),
		byID:    make(map[string]*StreamEntry),
	}
}

// Preload seeds the registry from every row already in the streams
// table, called once at startup so a restart doesn't pay a database
// round trip for every stream on the first hello after a restart.
func (r *Registry) Preload() error {
	rows, err := r.streams.All()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range rows {
		entry := &StreamEntry{
			StreamID:        row.StreamID,
			ForwarderID:     row.ForwarderID,
			ReaderIP:        row.ReaderIP,
			StreamEpoch:     row.StreamEpoch,
			AckedThroughSeq: row.AckedThroughSeq,
		}
		key := models.StreamKey{ForwarderID: row.ForwarderID, ReaderIP: row.ReaderIP}
		r.byKey[key] = entry
		r.byID[row.StreamID] = entry
	}
	return nil
}

// Resolve returns the registry entry for (forwarderID, readerIP),
// allocating a new stream_id on first contact.
func (r *Registry) Resolve(forwarderID, readerIP string) (*StreamEntry, error) {
	key := models.StreamKey{ForwarderID: forwarderID, ReaderIP: readerIP}

	r.mu.RLock()
	entry, ok := r.byKey[key]
	r.mu.RUnlock()
	if ok {
		return entry, nil
	}

	row, err := r.streams.GetOrCreate(forwarderID, readerIP)
	if err != nil {
		return nil, fmt.Errorf("registry: resolving stream: %w", err)
	}

	entry = &StreamEntry{
		StreamID:        row.StreamID,
		ForwarderID:     row.ForwarderID,
		ReaderIP:        row.ReaderIP,
		StreamEpoch:     row.StreamEpoch,
		AckedThroughSeq: row.AckedThroughSeq,
	}

	r.mu.Lock()
	r.byKey[key] = entry
	r.byID[row.StreamID] = entry
	r.mu.Unlock()

	return entry, nil
}

// ByID returns the registry entry for streamID, if known.
func (r *Registry) ByID(streamID string) (*StreamEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[streamID]
	return entry, ok
}

// Arbitrate applies spec.md §4.2's four epoch-arbitration rules given
// the forwarder's advertised (fEpoch, fLastJournalled) for entry, and
// returns the accepted epoch and the acked_through_seq the forwarder
// should resume from. Any epoch change is persisted before returning.
func (r *Registry) Arbitrate(entry *StreamEntry, fEpoch, fLastJournalled int64) (acceptedEpoch, ackedThroughSeq int64, err error) {
	r.mu.RLock()
	sEpoch, sAcked := entry.StreamEpoch, entry.AckedThroughSeq
	r.mu.RUnlock()

	switch {
	case fEpoch < sEpoch:
		// Rule 1: forwarder's view is stale.
		return sEpoch, sAcked, nil

	case fEpoch > sEpoch:
		// Rule 2: forwarder advanced locally (reader replacement).
		if err := r.setEpoch(entry, fEpoch); err != nil {
			return 0, 0, err
		}
		return fEpoch, 0, nil

	case fLastJournalled < sAcked:
		// Rule 3: sequence regression — forwarder lost its journal.
		newEpoch := sEpoch + 1
		if err := r.setEpoch(entry, newEpoch); err != nil {
			return 0, 0, err
		}
		return newEpoch, 0, nil

	default:
		// Rule 4: normal resume.
		return sEpoch, sAcked, nil
	}
}

func (r *Registry) setEpoch(entry *StreamEntry, epoch int64) error {
	if err := r.streams.SetEpoch(entry.StreamID, epoch); err != nil {
		return err
	}
	r.mu.Lock()
	entry.StreamEpoch = epoch
	entry.AckedThroughSeq = 0
	r.mu.Unlock()
	return nil
}

// ResetEpoch applies an operator-initiated epoch bump (admin.go),
// always incrementing by one regardless of the forwarder's current
// view, per spec.md §4.2's "Operator-initiated epoch reset".
func (r *Registry) ResetEpoch(streamID string) (newEpoch int64, err error) {
	r.mu.RLock()
	entry, ok := r.byID[streamID]
	r.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("registry: unknown stream_id %q", streamID)
	}

	r.mu.RLock()
	newEpoch = entry.StreamEpoch + 1
	r.mu.RUnlock()

	if err := r.setEpoch(entry, newEpoch); err != nil {
		return 0, err
	}
	return newEpoch, nil
}

// RecordIngest advances entry's acked_through_seq after a successful
// ingest, both in memory and durably.
func (r *Registry) RecordIngest(entry *StreamEntry, epoch, maxSeq int64) error {
	if err := r.streams.AdvanceAcked(entry.StreamID, epoch, maxSeq); err != nil {
		return err
	}
	r.mu.Lock()
	if epoch == entry.StreamEpoch && maxSeq > entry.AckedThroughSeq {
		entry.AckedThroughSeq = maxSeq
	}
	r.mu.Unlock()
	return nil
}

// Snapshot returns a point-in-time copy of every registered stream,
// used by the stats reporter and the archival job's candidate scan.
func (r *Registry) Snapshot() []StreamEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]StreamEntry, 0, len(r.byID))
	for _, entry := range r.byID {
		out = append(out, *entry)
	}
	return out
}
