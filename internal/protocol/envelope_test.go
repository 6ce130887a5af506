package protocol

import "testing"

func TestForwarderHelloRoundTrip(t *testing.T) {
	want := NewForwarderHello("fwd-1", []ForwarderStream{
		{StreamKey: "10.0.0.1:10000", CurrentEpoch: 3, LastJournalledSeq: 42},
	})

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	hello, ok := got.(ForwarderHello)
	if !ok {
		t.Fatalf("decoded type %T, want ForwarderHello", got)
	}
	if hello.ForwarderID != want.ForwarderID || len(hello.Streams) != 1 || hello.Streams[0] != want.Streams[0] {
		t.Errorf("round-trip mismatch: got %+v, want %+v", hello, want)
	}
}

func TestServerHelloRoundTrip(t *testing.T) {
	want := NewServerHello("sess-1", []ServerHelloStreamState{
		{StreamKey: "10.0.0.1:10000", AcceptedEpoch: 3, AckedThroughSeq: 42},
	})

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hello, ok := got.(ServerHello)
	if !ok {
		t.Fatalf("decoded type %T, want ServerHello", got)
	}
	if len(hello.PerStream) != 1 || hello.PerStream[0] != want.PerStream[0] {
		t.Errorf("per_stream mismatch: got %+v, want %+v", hello.PerStream, want.PerStream)
	}
}

func TestForwarderEventBatchRoundTrip(t *testing.T) {
	want := NewForwarderEventBatch("10.0.0.1:10000", 1, []ForwarderBatchEvent{
		{Seq: 1, ReaderTimestamp: "T1", RawReadLine: "line1", ReadType: "RAW"},
		{Seq: 2, ReaderTimestamp: "T2", RawReadLine: "line2FS", ReadType: "FSLS"},
	})

	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	batch, ok := got.(ForwarderEventBatch)
	if !ok {
		t.Fatalf("decoded type %T, want ForwarderEventBatch", got)
	}
	if batch.StreamKey != want.StreamKey || batch.StreamEpoch != want.StreamEpoch {
		t.Errorf("batch header mismatch: got %+v", batch)
	}
	if len(batch.Events) != 2 || batch.Events[1].Seq != 2 {
		t.Errorf("events mismatch: %+v", batch.Events)
	}
}

func TestForwarderAckRoundTrip(t *testing.T) {
	want := NewForwarderAck("sess-1", []ForwarderAckEntry{
		{StreamKey: "10.0.0.1:10000", StreamEpoch: 1, ThroughSeq: 7},
	})
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ack, ok := got.(ForwarderAck)
	if !ok || ack.SessionID != "sess-1" || len(ack.Entries) != 1 || ack.Entries[0].ThroughSeq != 7 {
		t.Errorf("got %+v, want matching ForwarderAck", got)
	}
}

func TestEpochResetCommandRoundTrip(t *testing.T) {
	want := NewEpochResetCommand("sess-1", "fwd-1", "10.0.0.1:10000", 3)
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != Message(want) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestReceiverHelloV12ModesRoundTrip(t *testing.T) {
	cases := []ReceiverMode{
		{Kind: ReceiverModeLive},
		{Kind: ReceiverModeRace, RaceID: "race-123", EarliestEpochOverride: &EarliestEpochOverride{EarliestEpoch: 42}},
		{Kind: ReceiverModeTargetedReplay, Targets: []ReplayTarget{
			{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 7, FromSeq: 1},
		}},
	}

	for _, mode := range cases {
		want := NewReceiverHelloV12("rx-1", mode, nil)
		data, err := Encode(want)
		if err != nil {
			t.Fatalf("encode mode %q: %v", mode.Kind, err)
		}
		got, err := Decode(data)
		if err != nil {
			t.Fatalf("decode mode %q: %v", mode.Kind, err)
		}
		hello, ok := got.(ReceiverHelloV12)
		if !ok {
			t.Fatalf("decoded type %T, want ReceiverHelloV12", got)
		}
		if hello.Mode.Kind != mode.Kind {
			t.Errorf("mode kind: got %q, want %q", hello.Mode.Kind, mode.Kind)
		}
	}
}

func TestReceiverEventBatchAndAckRoundTrip(t *testing.T) {
	batch := NewReceiverEventBatch([]ReadEvent{
		{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 1, Seq: 1, ReaderTimestamp: "T1", RawReadLine: "l1", ReadType: "RAW"},
	})
	data, err := Encode(batch)
	if err != nil {
		t.Fatalf("encode batch: %v", err)
	}
	if _, err := Decode(data); err != nil {
		t.Fatalf("decode batch: %v", err)
	}

	ack := NewReceiverAck("sess-2", []ReceiverAckEntry{{ForwarderID: "fwd-1", ReaderIP: "10.0.0.1", StreamEpoch: 1, LastSeq: 1}})
	data, err = Encode(ack)
	if err != nil {
		t.Fatalf("encode ack: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if _, ok := got.(ReceiverAck); !ok {
		t.Fatalf("decoded type %T, want ReceiverAck", got)
	}
}

func TestHeartbeatRoundTrip(t *testing.T) {
	want := NewHeartbeat("sess-1", "fwd-1", 1700000000, nil)
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != Message(want) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestHeartbeatRoundTripWithStats(t *testing.T) {
	want := NewHeartbeat("sess-1", "fwd-1", 1700000000, &HostStats{CPUPercent: 12.5, MemoryPercent: 40, DiskUsagePercent: 80, LoadAverage: 1.1})
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hb, ok := got.(Heartbeat)
	if !ok {
		t.Fatalf("decoded type %T, want Heartbeat", got)
	}
	if hb.Stats == nil || *hb.Stats != *want.Stats {
		t.Errorf("round-trip mismatch: got %+v, want %+v", hb.Stats, want.Stats)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	want := NewError("EPOCH_STALE", "forwarder epoch behind server", false)
	data, err := Encode(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != Message(want) {
		t.Errorf("round-trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestDecodeUnknownTypeErrors(t *testing.T) {
	_, err := Decode([]byte(`{"type":"SomethingFuture"}`))
	if err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

func TestDecodeMalformedJSONErrors(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed JSON")
	}
}
