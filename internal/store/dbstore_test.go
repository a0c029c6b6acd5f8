package store

import "testing"

func newTestDBStore(t *testing.T) *DBStore {
	t.Helper()
	s, err := NewDBStore("sqlite:///:memory:", "")
	if err != nil {
		t.Fatalf("failed to open in-memory database store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDBStoreAddGetRoundTrip(t *testing.T) {
	s := newTestDBStore(t)

	if err := s.Add("/a/b", Data{"target": "http://localhost:9000"}); err != nil {
		t.Fatal(err)
	}

	data, ok := s.Get("/a/b")
	if !ok {
		t.Fatal("expected route to be found")
	}
	if target, _ := data.Target(); target != "http://localhost:9000" {
		t.Fatalf("unexpected target: %v", target)
	}
	if _, ok := data.LastActivity(); !ok {
		t.Fatal("expected last_activity to round-trip through the _dt_: sentinel")
	}
}

func TestDBStoreGetTargetAncestorWalk(t *testing.T) {
	s := newTestDBStore(t)
	s.Add("/", Data{"target": "http://root"})
	s.Add("/a/b", Data{"target": "http://ab"})

	match, ok := s.GetTarget("/a/b/c/d")
	if !ok || match.Prefix != "/a/b" {
		t.Fatalf("expected /a/b, got %#v (ok=%v)", match, ok)
	}

	match, ok = s.GetTarget("/unrelated")
	if !ok || match.Prefix != "/" {
		t.Fatalf("expected fallback to root, got %#v (ok=%v)", match, ok)
	}
}

func TestDBStoreRemoveNeverDeletesRoot(t *testing.T) {
	s := newTestDBStore(t)
	s.Add("/", Data{"target": "http://root"})
	s.Add("/a", Data{"target": "http://a"})

	if _, ok := s.Remove("/"); !ok {
		t.Fatal("expected remove(\"/\") to report prior data")
	}
	// The root row must still exist (cleared, not deleted): a later add
	// to "/" must succeed as an update, not an insert conflict.
	if err := s.Add("/", Data{"target": "http://root-again"}); err != nil {
		t.Fatalf("expected root row reusable after clearing its data: %v", err)
	}

	if _, ok := s.Remove("/a"); !ok {
		t.Fatal("expected removal of /a to report prior data")
	}
	if _, ok := s.Get("/a"); ok {
		t.Fatal("expected /a gone after removal")
	}
	if _, ok := s.Get("/"); !ok {
		t.Fatal("expected root row to survive removal of an unrelated path")
	}
}

func TestDBStoreUpdateMergesAndIgnoresMissing(t *testing.T) {
	s := newTestDBStore(t)
	s.Add("/a", Data{"target": "http://a"})
	s.Update("/a", Data{"extra": "value"})

	data, _ := s.Get("/a")
	if data["extra"] != "value" {
		t.Fatalf("expected merged field, got %#v", data)
	}

	s.Update("/missing", Data{"extra": "value"})
	if _, ok := s.Get("/missing"); ok {
		t.Fatal("expected update on missing route to remain a no-op")
	}
}

func TestDBStoreGetAll(t *testing.T) {
	s := newTestDBStore(t)
	s.Add("/a", Data{"target": "http://a"})
	s.Add("/b", Data{"target": "http://b"})

	all := s.GetAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 routes, got %d", len(all))
	}
}
