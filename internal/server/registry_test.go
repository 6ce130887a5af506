package server

import (
	"testing"

	"github.com/racewire/rt-relay/internal/models"
	"github.com/racewire/rt-relay/internal/server/repo"
)

// newTestRegistry builds a Registry whose Streams repo has a nil *sql.DB.
// Only Arbitrate's rules that never touch the database (forwarder-stale,
// normal-resume) are exercised against it directly; the epoch-changing
// rules write to the database and have no test here.
func newTestRegistry() *Registry {
	return NewRegistry(repo.NewStreams(nil))
}

func TestArbitrateForwarderStaleAdoptsServerEpoch(t *testing.T) {
	r := newTestRegistry()
	entry := &StreamEntry{StreamID: "s1", StreamEpoch: 5, AckedThroughSeq: 100}

	epoch, acked, err := r.Arbitrate(entry, 3, 50)
	if err != nil {
		t.Fatalf("Arbitrate error: %v", err)
	}
	if epoch != 5 || acked != 100 {
		t.Fatalf("expected (5, 100), got (%d, %d)", epoch, acked)
	}
}

func TestArbitrateNormalResume(t *testing.T) {
	r := newTestRegistry()
	entry := &StreamEntry{StreamID: "s1", StreamEpoch: 5, AckedThroughSeq: 100}

	epoch, acked, err := r.Arbitrate(entry, 5, 120)
	if err != nil {
		t.Fatalf("Arbitrate error: %v", err)
	}
	if epoch != 5 || acked != 100 {
		t.Fatalf("expected (5, 100), got (%d, %d)", epoch, acked)
	}
}

func TestSnapshotReflectsResolvedEntries(t *testing.T) {
	r := newTestRegistry()
	if len(r.Snapshot()) != 0 {
		t.Fatal("expected empty snapshot on a fresh registry")
	}

	key := models.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.5:9000"}
	entry := &StreamEntry{StreamID: "s1", ForwarderID: key.ForwarderID, ReaderIP: key.ReaderIP, StreamEpoch: 1}
	r.byKey[key] = entry
	r.byID["s1"] = entry

	snap := r.Snapshot()
	if len(snap) != 1 || snap[0].StreamID != "s1" {
		t.Fatalf("expected one entry s1, got %+v", snap)
	}
}
