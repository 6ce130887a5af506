package server

import "testing"

func TestRegisterForwarderSessionRejectsSecondClaimant(t *testing.T) {
	h := &Handler{forwarderSess: make(map[string]*forwarderSession)}

	first := &forwarderSession{forwarderID: "fwd-1", sessionID: "sess-1"}
	if !h.registerForwarderSession(first) {
		t.Fatal("first registration should succeed")
	}

	second := &forwarderSession{forwarderID: "fwd-1", sessionID: "sess-2"}
	if h.registerForwarderSession(second) {
		t.Fatal("second registration for the same forwarder_id should be rejected")
	}

	h.unregisterForwarderSession("fwd-1", "sess-1")
	if !h.registerForwarderSession(second) {
		t.Fatal("registration should succeed once the incumbent session unregisters")
	}
}

func TestUnregisterForwarderSessionIgnoresStaleSessionID(t *testing.T) {
	h := &Handler{forwarderSess: make(map[string]*forwarderSession)}

	first := &forwarderSession{forwarderID: "fwd-1", sessionID: "sess-1"}
	h.registerForwarderSession(first)

	// A stale unregister from a session that already lost the race
	// must not evict the current incumbent.
	h.unregisterForwarderSession("fwd-1", "sess-0")

	if _, ok := h.forwarderSess["fwd-1"]; !ok {
		t.Fatal("incumbent session should still be registered")
	}
}

func TestParseStreamKey(t *testing.T) {
	cases := []struct {
		in          string
		forwarderID string
		readerIP    string
		wantErr     bool
	}{
		{"fwd-1/10.0.0.5:9000", "fwd-1", "10.0.0.5:9000", false},
		{"fwd-1", "", "", true},
		{"", "", "", true},
	}

	for _, c := range cases {
		key, err := parseStreamKey(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("parseStreamKey(%q): expected error, got none", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseStreamKey(%q): unexpected error: %v", c.in, err)
			continue
		}
		if key.ForwarderID != c.forwarderID || key.ReaderIP != c.readerIP {
			t.Errorf("parseStreamKey(%q) = %+v, want {%s %s}", c.in, key, c.forwarderID, c.readerIP)
		}
	}
}
