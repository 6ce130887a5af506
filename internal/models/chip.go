// Package models holds the wire-adjacent data types shared across the
// forwarder, server and receiver: the stream identity, the per-epoch
// event, and the chip-read frame validator.
//
// The chip-read line itself is opaque to the core (spec.md §1, §6):
// the only validation performed here is the syntactic prefilter —
// frame length and, for the 40-byte variant, the FS/LS suffix case.
package models

import "errors"

// ReadType distinguishes a bare timing read from one carrying an
// FS (first-seen) / LS (last-seen) suffix.
type ReadType string

const (
	ReadTypeRaw  ReadType = "RAW"
	ReadTypeFSLS ReadType = "FSLS"
)

const (
	// BaseFrameLen is the length of a bare timing frame.
	BaseFrameLen = 38
	// SuffixFrameLen is the length of a frame carrying an FS/LS suffix.
	SuffixFrameLen = 40
)

var (
	// ErrInvalidFrameLength is returned when a reader frame is neither
	// 38 nor 40 bytes long.
	ErrInvalidFrameLength = errors.New("models: invalid chip-read frame length")
	// ErrInvalidSuffix is returned when a 40-byte frame's trailing two
	// bytes are not exactly "FS" or "LS" (uppercase; lowercase is
	// rejected, matching the reader firmware's own convention).
	ErrInvalidSuffix = errors.New("models: invalid chip-read suffix")
)

// ValidateFrame applies the syntactic prefilter spec.md §4.1/§6 requires:
// reject any frame whose length isn't 38 or 40 bytes, and — for 40-byte
// frames — whose last two bytes aren't the uppercase suffix "FS" or "LS".
// On success it returns the frame's ReadType; the frame's contents beyond
// length and suffix are never inspected.
func ValidateFrame(frame []byte) (ReadType, error) {
	switch len(frame) {
	case BaseFrameLen:
		return ReadTypeRaw, nil
	case SuffixFrameLen:
		suffix := string(frame[BaseFrameLen:])
		if suffix != "FS" && suffix != "LS" {
			return "", ErrInvalidSuffix
		}
		return ReadTypeFSLS, nil
	default:
		return "", ErrInvalidFrameLength
	}
}
