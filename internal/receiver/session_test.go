package receiver

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/racewire/rt-relay/internal/protocol"
)

type fakeSink struct {
	delivered []string
}

func (f *fakeSink) Deliver(forwarderID, readerIP, rawReadLine string) {
	f.delivered = append(f.delivered, forwarderID+"/"+readerIP+":"+rawReadLine)
}

func testSession(t *testing.T, sink Sink) *Session {
	t.Helper()
	cache, err := Open(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })

	modeFn := func() protocol.ReceiverMode { return protocol.ReceiverMode{Kind: protocol.ReceiverModeLive} }
	return NewSession(nil, cache, sink, modeFn, slog.Default())
}

func TestApplyAndPersistDeliversEveryEvent(t *testing.T) {
	sink := &fakeSink{}
	s := testSession(t, sink)

	batch := protocol.ReceiverEventBatch{
		Events: []protocol.ReadEvent{
			{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 1, Seq: 1, RawReadLine: "line-1"},
			{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 1, Seq: 2, RawReadLine: "line-2"},
		},
	}

	entries, err := s.applyAndPersist(batch)
	if err != nil {
		t.Fatalf("applyAndPersist: %v", err)
	}
	if len(sink.delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(sink.delivered))
	}
	if len(entries) != 1 || entries[0].LastSeq != 2 {
		t.Fatalf("expected single entry with LastSeq 2, got %+v", entries)
	}
}

func TestApplyAndPersistTracksHighestSeqPerStream(t *testing.T) {
	sink := &fakeSink{}
	s := testSession(t, sink)

	batch := protocol.ReceiverEventBatch{
		Events: []protocol.ReadEvent{
			{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 1, Seq: 3, RawReadLine: "a"},
			{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 1, Seq: 1, RawReadLine: "b"},
			{ForwarderID: "fwd-2", ReaderIP: "10.0.0.2", StreamEpoch: 1, Seq: 5, RawReadLine: "c"},
		},
	}

	entries, err := s.applyAndPersist(batch)
	if err != nil {
		t.Fatalf("applyAndPersist: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 stream entries, got %d", len(entries))
	}

	byStream := make(map[string]int64)
	for _, e := range entries {
		byStream[e.ForwarderID] = e.LastSeq
	}
	if byStream["fwd-1"] != 3 {
		t.Errorf("expected fwd-1 high-water mark 3, got %d", byStream["fwd-1"])
	}
	if byStream["fwd-2"] != 5 {
		t.Errorf("expected fwd-2 high-water mark 5, got %d", byStream["fwd-2"])
	}
}

func TestApplyAndPersistPersistsCursorToCache(t *testing.T) {
	sink := &fakeSink{}
	s := testSession(t, sink)

	batch := protocol.ReceiverEventBatch{
		Events: []protocol.ReadEvent{
			{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 2, Seq: 9, RawReadLine: "a"},
		},
	}
	if _, err := s.applyAndPersist(batch); err != nil {
		t.Fatalf("applyAndPersist: %v", err)
	}

	cursors, err := s.cache.LoadCursors()
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	if len(cursors) != 1 || cursors[0].StreamEpoch != 2 || cursors[0].LastSeq != 9 {
		t.Fatalf("unexpected persisted cursor: %+v", cursors)
	}
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	b := initialBackoff
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
	}
	if b != maxBackoff {
		t.Errorf("expected backoff capped at %v, got %v", maxBackoff, b)
	}
}
