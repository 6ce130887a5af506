package ports

import "testing"

func TestDefaultPort(t *testing.T) {
	cases := []struct {
		ip   string
		port int
		ok   bool
	}{
		{"192.168.1.100", 10100, true},
		{"10.0.0.1", 10001, true},
		{"10.0.0.255", 10255, true},
		{"10.0.0.0", 10000, true},
		{"not-an-ip", 0, false},
	}
	for _, c := range cases {
		port, ok := DefaultPort(c.ip)
		if ok != c.ok || port != c.port {
			t.Errorf("DefaultPort(%q) = (%d, %v), want (%d, %v)", c.ip, port, ok, c.port, c.ok)
		}
	}
}

func TestLastOctet(t *testing.T) {
	if o, ok := LastOctet("192.168.1.100"); !ok || o != 100 {
		t.Errorf("LastOctet(192.168.1.100) = (%d, %v), want (100, true)", o, ok)
	}
	if o, ok := LastOctet("10.0.0.1"); !ok || o != 1 {
		t.Errorf("LastOctet(10.0.0.1) = (%d, %v), want (1, true)", o, ok)
	}
	if _, ok := LastOctet("not-ip"); ok {
		t.Error("LastOctet(not-ip) should fail")
	}
	if _, ok := LastOctet("192.168.1"); ok {
		t.Error("LastOctet(192.168.1) should fail")
	}
}

func intPtr(n int) *int { return &n }

func TestResolvePortsOverrideUsedInsteadOfDefault(t *testing.T) {
	subs := []Subscription{{ForwarderID: "f", ReaderIP: "192.168.1.100", LocalPortOverride: intPtr(9999)}}
	r := ResolvePorts(subs)
	got := r[StreamKey{"f", "192.168.1.100"}]
	if got.Collision || got.Port != 9999 {
		t.Fatalf("expected assigned port 9999, got %+v", got)
	}
}

func TestResolvePortsTwoStreamsNoCollision(t *testing.T) {
	subs := []Subscription{
		{ForwarderID: "f", ReaderIP: "10.0.0.1"},
		{ForwarderID: "f", ReaderIP: "10.0.0.2"},
	}
	r := ResolvePorts(subs)
	if r[StreamKey{"f", "10.0.0.1"}].Port != 10001 {
		t.Fatalf("unexpected assignment: %+v", r[StreamKey{"f", "10.0.0.1"}])
	}
	if r[StreamKey{"f", "10.0.0.2"}].Port != 10002 {
		t.Fatalf("unexpected assignment: %+v", r[StreamKey{"f", "10.0.0.2"}])
	}
}

func TestResolvePortsCollisionMarksBothStreamsDegraded(t *testing.T) {
	subs := []Subscription{
		{ForwarderID: "f1", ReaderIP: "192.168.1.100"},
		{ForwarderID: "f2", ReaderIP: "10.0.0.100"},
	}
	r := ResolvePorts(subs)
	a := r[StreamKey{"f1", "192.168.1.100"}]
	b := r[StreamKey{"f2", "10.0.0.100"}]
	if !a.Collision || a.Wanted != 10100 {
		t.Fatalf("expected collision on 10100, got %+v", a)
	}
	if !b.Collision || b.Wanted != 10100 {
		t.Fatalf("expected collision on 10100, got %+v", b)
	}
}

func TestResolvePortsNonCollidingStreamsUnaffected(t *testing.T) {
	subs := []Subscription{
		{ForwarderID: "f", ReaderIP: "10.0.0.1"},
		{ForwarderID: "f1", ReaderIP: "10.0.0.1"},
		{ForwarderID: "f", ReaderIP: "10.0.0.2"},
	}
	r := ResolvePorts(subs)
	if r[StreamKey{"f", "10.0.0.2"}].Collision {
		t.Fatalf("10.0.0.2 should not collide: %+v", r[StreamKey{"f", "10.0.0.2"}])
	}
	if !r[StreamKey{"f", "10.0.0.1"}].Collision {
		t.Fatalf("f/10.0.0.1 should collide: %+v", r[StreamKey{"f", "10.0.0.1"}])
	}
	if !r[StreamKey{"f1", "10.0.0.1"}].Collision {
		t.Fatalf("f1/10.0.0.1 should collide: %+v", r[StreamKey{"f1", "10.0.0.1"}])
	}
}

func TestResolvePortsCollisionViaOverridePorts(t *testing.T) {
	subs := []Subscription{
		{ForwarderID: "f", ReaderIP: "10.0.0.1", LocalPortOverride: intPtr(8000)},
		{ForwarderID: "f", ReaderIP: "10.0.0.2", LocalPortOverride: intPtr(8000)},
	}
	r := ResolvePorts(subs)
	if a := r[StreamKey{"f", "10.0.0.1"}]; !a.Collision || a.Wanted != 8000 {
		t.Fatalf("expected collision on 8000, got %+v", a)
	}
	if b := r[StreamKey{"f", "10.0.0.2"}]; !b.Collision || b.Wanted != 8000 {
		t.Fatalf("expected collision on 8000, got %+v", b)
	}
}
