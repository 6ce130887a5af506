// Package protocol defines the WebSocket wire format shared by the
// forwarder, server and receiver: a JSON envelope carrying a "type"
// discriminator plus one typed payload, mirroring the way the teacher's
// internal/protocol package multiplexes frames over a single connection
// by magic value, but JSON-over-text instead of binary-over-TCP. Field
// names below are canonical per the resume protocol's external
// interface: they must not change shape without a protocol version
// bump.
package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the envelope's "type" discriminator.
type MessageType string

const (
	TypeForwarderHello      MessageType = "ForwarderHello"
	TypeServerHello         MessageType = "ServerHello"
	TypeForwarderEventBatch MessageType = "ForwarderEventBatch"
	TypeForwarderAck        MessageType = "ForwarderAck"
	TypeEpochResetCommand   MessageType = "EpochResetCommand"
	TypeReceiverHelloV12    MessageType = "ReceiverHelloV12"
	TypeReceiverEventBatch  MessageType = "ReceiverEventBatch"
	TypeReceiverAck         MessageType = "ReceiverAck"
	TypeHeartbeat           MessageType = "Heartbeat"
	TypeError               MessageType = "Error"
)

// Message is implemented by every payload type. Kind returns the
// envelope discriminator the payload marshals under.
type Message interface {
	Kind() MessageType
}

// ReadEvent is one chip read as it travels to a receiver, attributed
// to the stream that produced it. A ReceiverEventBatch may fan out
// events from several streams in one frame, so each event carries its
// own stream identity; a ForwarderEventBatch instead factors the
// stream identity out to the envelope (see ForwarderEventBatch) since
// every event in it shares one stream and epoch.
type ReadEvent struct {
	ForwarderID     string `json:"forwarder_id"`
	ReaderIP        string `json:"reader_ip"`
	StreamEpoch     int64  `json:"stream_epoch"`
	Seq             int64  `json:"seq"`
	ReaderTimestamp string `json:"reader_timestamp"`
	RawReadLine     string `json:"raw_read_line"`
	ReadType        string `json:"read_type"`
}

// ForwarderHello is sent first on every forwarder uplink connection,
// immediately after the WebSocket upgrade (whose Authorization header
// carries the bearer token — the token is never repeated in the JSON
// body). It carries, per reader, the epoch/sequence the forwarder's
// journal last wrote, letting the server decide whether to resume,
// replay, or reset each stream.
type ForwarderHello struct {
	Type        MessageType       `json:"type"`
	ForwarderID string            `json:"forwarder_id"`
	Streams     []ForwarderStream `json:"streams"`
}

// ForwarderStream is one reader's resume position inside ForwarderHello.
type ForwarderStream struct {
	StreamKey         string `json:"stream_key"`
	CurrentEpoch      int64  `json:"current_epoch"`
	LastJournalledSeq int64  `json:"last_journalled_seq"`
}

func (ForwarderHello) Kind() MessageType { return TypeForwarderHello }

// ServerHelloStreamState is one stream's arbitrated position inside
// ServerHello: the epoch the server has accepted for it and the seq
// already durably acknowledged within that epoch.
type ServerHelloStreamState struct {
	StreamKey       string `json:"stream_key"`
	AcceptedEpoch   int64  `json:"accepted_epoch"`
	AckedThroughSeq int64  `json:"acked_through_seq"`
}

// ServerHello answers ForwarderHello, confirming the session and the
// arbitrated epoch/cursor for every stream the forwarder announced.
type ServerHello struct {
	Type      MessageType               `json:"type"`
	SessionID string                    `json:"session_id"`
	PerStream []ServerHelloStreamState  `json:"per_stream"`
}

func (ServerHello) Kind() MessageType { return TypeServerHello }

// ForwarderBatchEvent is one event inside a ForwarderEventBatch; the
// batch's StreamKey and StreamEpoch apply to every event in Events.
type ForwarderBatchEvent struct {
	Seq             int64  `json:"seq"`
	ReaderTimestamp string `json:"reader_timestamp"`
	RawReadLine     string `json:"raw_read_line"`
	ReadType        string `json:"read_type"`
}

// ForwarderEventBatch carries one or more contiguous chip reads from a
// single stream and epoch, uplinked by a forwarder either live or
// during replay.
type ForwarderEventBatch struct {
	Type        MessageType            `json:"type"`
	StreamKey   string                 `json:"stream_key"`
	StreamEpoch int64                  `json:"stream_epoch"`
	Events      []ForwarderBatchEvent  `json:"events"`
}

func (ForwarderEventBatch) Kind() MessageType { return TypeForwarderEventBatch }

// ForwarderAckEntry is one stream's durable high-water mark inside a
// ForwarderAck.
type ForwarderAckEntry struct {
	StreamKey   string `json:"stream_key"`
	StreamEpoch int64  `json:"stream_epoch"`
	ThroughSeq  int64  `json:"through_seq"`
}

// ForwarderAck is the server's acknowledgement of one or more
// ForwarderEventBatch frames, one entry per stream durably persisted.
type ForwarderAck struct {
	Type      MessageType         `json:"type"`
	SessionID string              `json:"session_id"`
	Entries   []ForwarderAckEntry `json:"entries"`
}

func (ForwarderAck) Kind() MessageType { return TypeForwarderAck }

// EpochResetCommand tells a forwarder that a stream's epoch has moved:
// the forwarder must close out its local journal epoch and start a new
// one before sending anything else for that reader.
type EpochResetCommand struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	ForwarderID    string      `json:"forwarder_id"`
	ReaderIP       string      `json:"reader_ip"`
	NewStreamEpoch int64       `json:"new_stream_epoch"`
}

func (EpochResetCommand) Kind() MessageType { return TypeEpochResetCommand }

// EarliestEpochOverride bounds a Race resume to events at or after a
// specific epoch, skipping any older continuity break.
type EarliestEpochOverride struct {
	EarliestEpoch int64 `json:"earliest_epoch"`
}

// ReplayTarget names one stream/epoch/seq a TargetedReplay resume wants
// re-delivered from.
type ReplayTarget struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
	StreamEpoch int64  `json:"stream_epoch"`
	FromSeq     int64  `json:"from_seq"`
}

// ReceiverMode selects how a receiver wants the server to position it
// in the event stream: Live (new events only), Race (everything from a
// race's start, optionally epoch-bounded), or TargetedReplay (specific
// stream/epoch/seq ranges).
type ReceiverMode struct {
	Kind                  string                 `json:"kind"`
	RaceID                string                 `json:"race_id,omitempty"`
	EarliestEpochOverride *EarliestEpochOverride `json:"earliest_epoch_override,omitempty"`
	Targets               []ReplayTarget         `json:"targets,omitempty"`
}

const (
	ReceiverModeLive           = "Live"
	ReceiverModeRace           = "Race"
	ReceiverModeTargetedReplay = "TargetedReplay"
)

// ReceiverResumeEntry is one stream's last-applied cursor, sent by the
// receiver so the server can skip events it already holds.
type ReceiverResumeEntry struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
	StreamEpoch int64  `json:"stream_epoch"`
	LastSeq     int64  `json:"last_seq"`
}

// ReceiverHelloV12 is the receiver's session-opening message, sent
// immediately after the WebSocket upgrade (whose Authorization header
// carries the bearer token). The V12 suffix carries over from the
// resume protocol's revision history and distinguishes it from an
// older, superseded hello shape.
type ReceiverHelloV12 struct {
	Type       MessageType           `json:"type"`
	ReceiverID string                `json:"receiver_id"`
	Mode       ReceiverMode          `json:"mode"`
	Resume     []ReceiverResumeEntry `json:"resume"`
}

func (ReceiverHelloV12) Kind() MessageType { return TypeReceiverHelloV12 }

// ReceiverEventBatch carries events fanned out to a receiver, possibly
// drawn from several streams in one frame.
type ReceiverEventBatch struct {
	Type   MessageType `json:"type"`
	Events []ReadEvent `json:"events"`
}

func (ReceiverEventBatch) Kind() MessageType { return TypeReceiverEventBatch }

// ReceiverAckEntry is one stream's applied high-water mark inside a
// ReceiverAck.
type ReceiverAckEntry struct {
	ForwarderID string `json:"forwarder_id"`
	ReaderIP    string `json:"reader_ip"`
	StreamEpoch int64  `json:"stream_epoch"`
	LastSeq     int64  `json:"last_seq"`
}

// ReceiverAck reports the receiver's applied high-water mark per
// stream, letting the server advance that receiver's durable cursor.
type ReceiverAck struct {
	Type      MessageType        `json:"type"`
	SessionID string             `json:"session_id"`
	Entries   []ReceiverAckEntry `json:"entries"`
}

func (ReceiverAck) Kind() MessageType { return TypeReceiverAck }

// Heartbeat keeps an otherwise idle session alive and, as the server's
// first reply to ReceiverHelloV12, confirms the session and device
// identity to the receiver that opened it.
type Heartbeat struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	DeviceID  string      `json:"device_id,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Stats     *HostStats  `json:"stats,omitempty"`
}

// HostStats is a forwarder's process/host resource snapshot, attached
// to its Heartbeat for operator visibility into a field box under
// resource pressure before it starts dropping reads.
type HostStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

func (Heartbeat) Kind() MessageType { return TypeHeartbeat }

// Error reports a fatal or advisory condition. Retryable false tells
// the peer to tear the session down instead of continuing to read.
type Error struct {
	Type      MessageType `json:"type"`
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
}

func (Error) Kind() MessageType { return TypeError }

// peekType is used only to read the discriminator before picking the
// concrete type to unmarshal into.
type peekType struct {
	Type MessageType `json:"type"`
}

// Encode marshals msg, whose Type field must already be stamped —
// construct messages through the New* helpers below, which do this
// for you.
func Encode(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode reads the envelope's "type" field and unmarshals the full
// payload into the matching concrete type, returned as a Message.
// An unrecognized type yields an error; callers are expected to log
// and skip rather than treat it as fatal, per the resume protocol's
// forward-compatibility stance.
func Decode(data []byte) (Message, error) {
	var p peekType
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("protocol: decoding envelope type: %w", err)
	}

	switch p.Type {
	case TypeForwarderHello:
		var m ForwarderHello
		return m, unmarshalInto(data, &m)
	case TypeServerHello:
		var m ServerHello
		return m, unmarshalInto(data, &m)
	case TypeForwarderEventBatch:
		var m ForwarderEventBatch
		return m, unmarshalInto(data, &m)
	case TypeForwarderAck:
		var m ForwarderAck
		return m, unmarshalInto(data, &m)
	case TypeEpochResetCommand:
		var m EpochResetCommand
		return m, unmarshalInto(data, &m)
	case TypeReceiverHelloV12:
		var m ReceiverHelloV12
		return m, unmarshalInto(data, &m)
	case TypeReceiverEventBatch:
		var m ReceiverEventBatch
		return m, unmarshalInto(data, &m)
	case TypeReceiverAck:
		var m ReceiverAck
		return m, unmarshalInto(data, &m)
	case TypeHeartbeat:
		var m Heartbeat
		return m, unmarshalInto(data, &m)
	case TypeError:
		var m Error
		return m, unmarshalInto(data, &m)
	default:
		return nil, fmt.Errorf("protocol: unknown message type %q", p.Type)
	}
}

func unmarshalInto[T any](data []byte, out *T) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("protocol: decoding payload: %w", err)
	}
	return nil
}

// NewForwarderHello builds a ForwarderHello with Type stamped.
func NewForwarderHello(forwarderID string, streams []ForwarderStream) ForwarderHello {
	return ForwarderHello{Type: TypeForwarderHello, ForwarderID: forwarderID, Streams: streams}
}

// NewServerHello builds a ServerHello with Type stamped.
func NewServerHello(sessionID string, perStream []ServerHelloStreamState) ServerHello {
	return ServerHello{Type: TypeServerHello, SessionID: sessionID, PerStream: perStream}
}

// NewForwarderEventBatch builds a ForwarderEventBatch with Type stamped.
func NewForwarderEventBatch(streamKey string, streamEpoch int64, events []ForwarderBatchEvent) ForwarderEventBatch {
	return ForwarderEventBatch{Type: TypeForwarderEventBatch, StreamKey: streamKey, StreamEpoch: streamEpoch, Events: events}
}

// NewForwarderAck builds a ForwarderAck with Type stamped.
func NewForwarderAck(sessionID string, entries []ForwarderAckEntry) ForwarderAck {
	return ForwarderAck{Type: TypeForwarderAck, SessionID: sessionID, Entries: entries}
}

// NewEpochResetCommand builds an EpochResetCommand with Type stamped.
func NewEpochResetCommand(sessionID, forwarderID, readerIP string, newEpoch int64) EpochResetCommand {
	return EpochResetCommand{
		Type:           TypeEpochResetCommand,
		SessionID:      sessionID,
		ForwarderID:    forwarderID,
		ReaderIP:       readerIP,
		NewStreamEpoch: newEpoch,
	}
}

// NewReceiverHelloV12 builds a ReceiverHelloV12 with Type stamped.
func NewReceiverHelloV12(receiverID string, mode ReceiverMode, resume []ReceiverResumeEntry) ReceiverHelloV12 {
	return ReceiverHelloV12{Type: TypeReceiverHelloV12, ReceiverID: receiverID, Mode: mode, Resume: resume}
}

// NewReceiverEventBatch builds a ReceiverEventBatch with Type stamped.
func NewReceiverEventBatch(events []ReadEvent) ReceiverEventBatch {
	return ReceiverEventBatch{Type: TypeReceiverEventBatch, Events: events}
}

// NewReceiverAck builds a ReceiverAck with Type stamped.
func NewReceiverAck(sessionID string, entries []ReceiverAckEntry) ReceiverAck {
	return ReceiverAck{Type: TypeReceiverAck, SessionID: sessionID, Entries: entries}
}

// NewHeartbeat builds a Heartbeat with Type stamped.
func NewHeartbeat(sessionID, deviceID string, timestamp int64, stats *HostStats) Heartbeat {
	return Heartbeat{Type: TypeHeartbeat, SessionID: sessionID, DeviceID: deviceID, Timestamp: timestamp, Stats: stats}
}

// NewError builds an Error with Type stamped.
func NewError(code, message string, retryable bool) Error {
	return Error{Type: TypeError, Code: code, Message: message, Retryable: retryable}
}
