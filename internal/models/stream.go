package models

import "fmt"

// StreamKey is the canonical identity of a stream: the pair of the
// forwarder's opaque device identifier and the reader's printable
// host:port. It is comparable and usable as a map key.
type StreamKey struct {
	ForwarderID string
	ReaderIP    string
}

// String renders the key for logging; it is not part of the wire format.
func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s", k.ForwarderID, k.ReaderIP)
}

// Event is one journalled/persisted/delivered chip read, attributed to a
// stream epoch and sequence number per spec.md §3.
type Event struct {
	StreamKey       StreamKey
	StreamEpoch     int64
	Seq             int64
	ReaderTimestamp string
	RawReadLine     string
	ReadType        ReadType
}
