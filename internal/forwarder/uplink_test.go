package forwarder

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/racewire/rt-relay/internal/config"
	"github.com/racewire/rt-relay/internal/journal"
	"github.com/racewire/rt-relay/internal/models"
	"github.com/racewire/rt-relay/internal/protocol"
)

func testUplink(t *testing.T) (*Uplink, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("opening journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })

	cfg := &config.ForwarderConfig{
		Forwarder: config.ForwarderInfo{ID: "fwd-1"},
		Readers: []config.ReaderEntry{
			{ReaderIP: "10.0.0.1:5000"},
			{ReaderIP: "10.0.0.2:5000"},
		},
		Uplink: config.UplinkInfo{BatchMaxEntries: 2},
	}

	return NewUplink(cfg, j, NewReaderPool(16, slog.Default()), nil, slog.Default()), j
}

func TestToForwarderBatchEvents(t *testing.T) {
	key := models.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1:5000"}
	events := []models.Event{
		{StreamKey: key, StreamEpoch: 1, Seq: 1, ReaderTimestamp: "t1", RawReadLine: "r1", ReadType: models.ReadTypeRaw},
		{StreamKey: key, StreamEpoch: 1, Seq: 2, ReaderTimestamp: "t2", RawReadLine: "r2", ReadType: models.ReadTypeFSLS},
	}

	got := toForwarderBatchEvents(events)
	if len(got) != 2 {
		t.Fatalf("expected 2 batch events, got %d", len(got))
	}
	if got[0].Seq != 1 || got[0].ReadType != "RAW" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].Seq != 2 || got[1].ReadType != "FSLS" {
		t.Errorf("unexpected second event: %+v", got[1])
	}
}

func TestBuildHelloStreamsReflectsJournalState(t *testing.T) {
	u, j := testUplink(t)

	key1 := models.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1:5000"}.String()
	if err := j.SetCurrentEpoch(key1, 3); err != nil {
		t.Fatalf("setting epoch: %v", err)
	}
	if err := j.SetAckCursor(key1, 3, 42); err != nil {
		t.Fatalf("setting ack cursor: %v", err)
	}

	streams, err := u.buildHelloStreams()
	if err != nil {
		t.Fatalf("buildHelloStreams: %v", err)
	}
	if len(streams) != 2 {
		t.Fatalf("expected 2 streams, got %d", len(streams))
	}

	var found bool
	for _, s := range streams {
		if s.StreamKey == key1 {
			found = true
			if s.CurrentEpoch != 3 {
				t.Errorf("expected epoch 3, got %d", s.CurrentEpoch)
			}
			if s.LastJournalledSeq != 42 {
				t.Errorf("expected last seq 42, got %d", s.LastJournalledSeq)
			}
		}
	}
	if !found {
		t.Fatalf("stream %s missing from hello", key1)
	}
}

func TestReconcileEpochsAdoptsServerState(t *testing.T) {
	u, j := testUplink(t)
	key := models.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1:5000"}.String()

	hello := protocol.NewServerHello("sess-1", []protocol.ServerHelloStreamState{
		{StreamKey: key, AcceptedEpoch: 5, AckedThroughSeq: 7},
	})

	if err := u.reconcileEpochs(hello); err != nil {
		t.Fatalf("reconcileEpochs: %v", err)
	}

	epoch, err := j.CurrentEpoch(key)
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 5 {
		t.Errorf("expected epoch 5, got %d", epoch)
	}

	ackedEpoch, ackedSeq, err := j.AckCursor(key)
	if err != nil {
		t.Fatalf("AckCursor: %v", err)
	}
	if ackedEpoch != 5 || ackedSeq != 7 {
		t.Errorf("expected ack cursor (5,7), got (%d,%d)", ackedEpoch, ackedSeq)
	}
}

func TestApplyAckAdvancesCursorAndPrunesJournal(t *testing.T) {
	u, j := testUplink(t)
	key := models.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1:5000"}.String()

	for seq := int64(1); seq <= 3; seq++ {
		ev := models.Event{StreamEpoch: 1, Seq: seq, ReaderTimestamp: "t", RawReadLine: "r", ReadType: models.ReadTypeRaw}
		if err := j.WriteAccepted(key, 1, ev); err != nil {
			t.Fatalf("WriteAccepted: %v", err)
		}
	}

	ack := protocol.NewForwarderAck("sess-1", []protocol.ForwarderAckEntry{
		{StreamKey: key, StreamEpoch: 1, ThroughSeq: 2},
	})
	if err := u.applyAck(ack); err != nil {
		t.Fatalf("applyAck: %v", err)
	}

	epoch, seq, err := j.AckCursor(key)
	if err != nil {
		t.Fatalf("AckCursor: %v", err)
	}
	if epoch != 1 || seq != 2 {
		t.Errorf("expected cursor (1,2), got (%d,%d)", epoch, seq)
	}

	remaining, err := j.UnackedEvents(key, 1, 0)
	if err != nil {
		t.Fatalf("UnackedEvents: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Seq != 3 {
		t.Fatalf("expected only seq 3 remaining, got %+v", remaining)
	}
}

func TestApplyEpochResetBumpsEpochAndResetsCursor(t *testing.T) {
	u, j := testUplink(t)
	key := models.StreamKey{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1:5000"}

	if err := j.SetCurrentEpoch(key.String(), 1); err != nil {
		t.Fatalf("SetCurrentEpoch: %v", err)
	}
	if err := j.SetAckCursor(key.String(), 1, 10); err != nil {
		t.Fatalf("SetAckCursor: %v", err)
	}

	cmd := protocol.NewEpochResetCommand("sess-1", key.ForwarderID, key.ReaderIP, 2)
	if err := u.applyEpochReset(cmd); err != nil {
		t.Fatalf("applyEpochReset: %v", err)
	}

	epoch, err := j.CurrentEpoch(key.String())
	if err != nil {
		t.Fatalf("CurrentEpoch: %v", err)
	}
	if epoch != 2 {
		t.Errorf("expected epoch 2, got %d", epoch)
	}

	ackedEpoch, ackedSeq, err := j.AckCursor(key.String())
	if err != nil {
		t.Fatalf("AckCursor: %v", err)
	}
	if ackedEpoch != 2 || ackedSeq != 0 {
		t.Errorf("expected cursor reset to (2,0), got (%d,%d)", ackedEpoch, ackedSeq)
	}
}

func TestNextBackoffCapsAtMax(t *testing.T) {
	got := nextBackoff(20, 30)
	if got != 30 {
		t.Errorf("expected backoff capped at 30, got %d", got)
	}
	got = nextBackoff(5, 30)
	if got != 10 {
		t.Errorf("expected backoff doubled to 10, got %d", got)
	}
}
