package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syscage.db")
	db, err := Open(path, 30)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestAppendAndReadEvents(t *testing.T) {
	db := openTestDB(t)

	ev := AuditEvent{
		Domain: "open",
		PID:    1234,
		TGID:   1234,
		Comm:   "curl",
		Path:   "/etc/passwd",
		Action: "deny",
		NodeID: "node-a",
	}
	if err := db.AppendEvent(ev); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	events, err := db.ReadEvents()
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Path != "/etc/passwd" || events[0].Action != "deny" {
		t.Fatalf("unexpected event: %+v", events[0])
	}

	n, err := db.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 1 {
		t.Fatalf("Count = %d, want 1", n)
	}
}

func TestPruneOldEvents(t *testing.T) {
	db := openTestDB(t)

	old := AuditEvent{Timestamp: time.Now().AddDate(0, 0, -60), Domain: "exec", PID: 1, Action: "allow"}
	recent := AuditEvent{Timestamp: time.Now(), Domain: "exec", PID: 2, Action: "allow"}
	if err := db.AppendEvent(old); err != nil {
		t.Fatal(err)
	}
	if err := db.AppendEvent(recent); err != nil {
		t.Fatal(err)
	}

	deleted, err := db.PruneOldEvents()
	if err != nil {
		t.Fatalf("PruneOldEvents: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	events, err := db.ReadEvents()
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].PID != 2 {
		t.Fatalf("unexpected surviving events: %+v", events)
	}
}

func TestPolicySnapshotLatest(t *testing.T) {
	db := openTestDB(t)

	first := PolicySnapshot{Domain: "connect", Version: "v1", RuleCount: 3, DefaultAction: "deny", Timestamp: time.Now().Add(-time.Hour)}
	second := PolicySnapshot{Domain: "connect", Version: "v2", RuleCount: 5, DefaultAction: "deny", Timestamp: time.Now()}
	other := PolicySnapshot{Domain: "open", Version: "vx", RuleCount: 1, DefaultAction: "allow", Timestamp: time.Now()}

	for _, s := range []PolicySnapshot{first, second, other} {
		if err := db.PutPolicySnapshot(s); err != nil {
			t.Fatal(err)
		}
	}

	latest, err := db.LatestPolicySnapshot("connect")
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil || latest.Version != "v2" {
		t.Fatalf("got %+v, want version v2", latest)
	}
}
