// Package ports maps subscribed streams to the local TCP ports a
// receiver re-emits their events on: by default the last octet of the
// reader's IP offset from 10000, or an explicit override, with
// colliding assignments marked degraded rather than silently
// overwriting one another.
package ports

import (
	"fmt"
	"net"
)

// basePort is added to a reader IP's last octet to derive its default
// local port (original_source/services/receiver/tests/port_mapping.rs:
// 192.168.1.100 -> 10100, 10.0.0.1 -> 10001, 10.0.0.0 -> 10000).
const basePort = 10000

// Subscription is one stream a receiver has been assigned, optionally
// pinned to an explicit local port instead of the default mapping.
type Subscription struct {
	ForwarderID       string
	ReaderIP          string
	LocalPortOverride *int
}

// StreamKey identifies a subscription's stream for the resolved port
// map's keys.
type StreamKey struct {
	ForwarderID string
	ReaderIP    string
}

// Key builds s's StreamKey.
func (s Subscription) Key() StreamKey {
	return StreamKey{ForwarderID: s.ForwarderID, ReaderIP: s.ReaderIP}
}

// Assignment is the resolved outcome for one stream: either a port to
// listen on, or a collision recording the port every colliding stream
// wanted.
type Assignment struct {
	Port      int
	Collision bool
	Wanted    int
}

// LastOctet parses the final dotted-decimal segment of an IPv4
// address, ignoring any trailing :port. Returns ok=false for anything
// that doesn't parse as an IPv4 address.
func LastOctet(ip string) (int, bool) {
	host := ip
	if h, _, err := net.SplitHostPort(ip); err == nil {
		host = h
	}

	parsed := net.ParseIP(host)
	if parsed == nil {
		return 0, false
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, false
	}
	return int(v4[3]), true
}

// DefaultPort maps readerIP to its default local port: 10000 plus its
// last octet.
func DefaultPort(readerIP string) (int, bool) {
	octet, ok := LastOctet(readerIP)
	if !ok {
		return 0, false
	}
	return basePort + octet, true
}

// ResolvePorts assigns a local port to every subscription, honoring
// LocalPortOverride where set and falling back to DefaultPort
// otherwise; a subscription with no override and no parseable IPv4
// reader_ip gets no entry in the result. Any port wanted by more than one subscription is
// reported as a collision for every subscription that wanted it,
// rather than silently picking a winner — a collision means the
// receiver cannot safely bind the port for any of them and the
// operator must assign explicit overrides.
func ResolvePorts(subs []Subscription) map[StreamKey]Assignment {
	wanted := make(map[StreamKey]int, len(subs))
	counts := make(map[int]int, len(subs))

	for _, s := range subs {
		var port int
		if s.LocalPortOverride != nil {
			port = *s.LocalPortOverride
		} else {
			p, ok := DefaultPort(s.ReaderIP)
			if !ok {
				continue
			}
			port = p
		}
		wanted[s.Key()] = port
		counts[port]++
	}

	result := make(map[StreamKey]Assignment, len(wanted))
	for key, port := range wanted {
		if counts[port] > 1 {
			result[key] = Assignment{Collision: true, Wanted: port}
		} else {
			result[key] = Assignment{Port: port}
		}
	}
	return result
}

// String renders k as "forwarder_id/reader_ip", matching
// models.StreamKey.String() for consistent logging.
func (k StreamKey) String() string {
	return fmt.Sprintf("%s/%s", k.ForwarderID, k.ReaderIP)
}
