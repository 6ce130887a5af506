package receiver

import (
	"path/filepath"
	"testing"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestIntegrityCheckPassesOnFreshDB(t *testing.T) {
	c := openTestCache(t)
	if err := c.IntegrityCheck(); err != nil {
		t.Fatalf("IntegrityCheck: %v", err)
	}
}

func TestLoadProfileReturnsNilWhenEmpty(t *testing.T) {
	c := openTestCache(t)
	p, err := c.LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil profile, got %+v", p)
	}
}

func TestSaveProfileFullyReplacesPriorProfile(t *testing.T) {
	c := openTestCache(t)
	if err := c.SaveProfile("wss://one.example", "tok-1", "info"); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	if err := c.SaveProfile("wss://two.example", "tok-2", "debug"); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}
	p, err := c.LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if p == nil || p.ServerURL != "wss://two.example" || p.Token != "tok-2" || p.LogLevel != "debug" {
		t.Fatalf("expected fully replaced profile, got %+v", p)
	}
}

func TestSaveSubscriptionUpsertsByNaturalKey(t *testing.T) {
	c := openTestCache(t)
	if err := c.SaveSubscription("fwd-1", "10.0.0.1", nil); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	override := 9001
	if err := c.SaveSubscription("fwd-1", "10.0.0.1", &override); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	subs, err := c.LoadSubscriptions()
	if err != nil {
		t.Fatalf("LoadSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected single upserted row, got %d", len(subs))
	}
	if subs[0].LocalPortOverride == nil || *subs[0].LocalPortOverride != 9001 {
		t.Fatalf("expected override 9001, got %+v", subs[0])
	}
}

func TestReplaceSubscriptionsAtomicallyReplacesTable(t *testing.T) {
	c := openTestCache(t)
	if err := c.SaveSubscription("fwd-1", "10.0.0.1", nil); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}
	if err := c.SaveSubscription("fwd-2", "10.0.0.2", nil); err != nil {
		t.Fatalf("SaveSubscription: %v", err)
	}

	if err := c.ReplaceSubscriptions([]Subscription{{ForwarderID: "fwd-3", ReaderIP: "10.0.0.3"}}); err != nil {
		t.Fatalf("ReplaceSubscriptions: %v", err)
	}

	subs, err := c.LoadSubscriptions()
	if err != nil {
		t.Fatalf("LoadSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].ForwarderID != "fwd-3" {
		t.Fatalf("expected only fwd-3 to survive replace, got %+v", subs)
	}
}

func TestCursorUpsertAdvancesPosition(t *testing.T) {
	c := openTestCache(t)
	if err := c.SaveCursor("fwd-1", "10.0.0.1", 1, 10); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	if err := c.SaveCursor("fwd-1", "10.0.0.1", 1, 50); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	cursors, err := c.LoadCursors()
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	if len(cursors) != 1 || cursors[0].LastSeq != 50 {
		t.Fatalf("expected last_seq 50, got %+v", cursors)
	}
}

func TestCursorEpochAdvanceFullyReplacesRow(t *testing.T) {
	c := openTestCache(t)
	if err := c.SaveCursor("fwd-1", "10.0.0.1", 1, 999); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	// A fresh epoch always overwrites, even to a lower seq: the prior
	// epoch's position has no bearing on the new one.
	if err := c.SaveCursor("fwd-1", "10.0.0.1", 2, 0); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	cursors, err := c.LoadCursors()
	if err != nil {
		t.Fatalf("LoadCursors: %v", err)
	}
	if len(cursors) != 1 || cursors[0].StreamEpoch != 2 || cursors[0].LastSeq != 0 {
		t.Fatalf("expected epoch 2 seq 0, got %+v", cursors)
	}
}

func TestLoadResumeCursorsMatchesLoadCursors(t *testing.T) {
	c := openTestCache(t)
	if err := c.SaveCursor("fwd-1", "10.0.0.1", 3, 77); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}

	entries, err := c.LoadResumeCursors()
	if err != nil {
		t.Fatalf("LoadResumeCursors: %v", err)
	}
	if len(entries) != 1 || entries[0].ForwarderID != "fwd-1" || entries[0].StreamEpoch != 3 || entries[0].LastSeq != 77 {
		t.Fatalf("unexpected resume entries: %+v", entries)
	}
}
