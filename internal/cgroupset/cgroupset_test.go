package cgroupset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

type fakePublisher struct {
	sentinel uint64
	members  map[uint64]struct{}
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{members: make(map[uint64]struct{})}
}

func (f *fakePublisher) SetCgroupSentinel(id uint64) error {
	f.sentinel = id
	return nil
}

func (f *fakePublisher) AddCgroupMember(id uint64) error {
	f.members[id] = struct{}{}
	return nil
}

func (f *fakePublisher) RemoveCgroupMember(id uint64) error {
	delete(f.members, id)
	return nil
}

func (f *fakePublisher) ListCgroupMembers() ([]uint64, error) {
	ids := make([]uint64, 0, len(f.members))
	for id := range f.members {
		ids = append(ids, id)
	}
	return ids, nil
}

func TestWatcherDiscoversDescendants(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "child-a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(root, "child-b", "grandchild"), 0o755); err != nil {
		t.Fatal(err)
	}

	rootID, err := CgroupID(root)
	if err != nil {
		t.Fatalf("CgroupID(root): %v", err)
	}
	childAID, err := CgroupID(filepath.Join(root, "child-a"))
	if err != nil {
		t.Fatalf("CgroupID(child-a): %v", err)
	}

	pub := newFakePublisher()
	w := NewWatcher(root, time.Hour, pub, zaptest.NewLogger(t))

	if err := pub.SetCgroupSentinel(rootID); err != nil {
		t.Fatal(err)
	}
	if err := w.reconcile(); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if pub.sentinel != rootID {
		t.Fatalf("sentinel = %d, want %d", pub.sentinel, rootID)
	}
	if _, ok := pub.members[childAID]; !ok {
		t.Fatalf("expected child-a (%d) to be published, members=%v", childAID, pub.members)
	}
	if len(pub.members) != 4 { // root, child-a, child-b, grandchild
		t.Fatalf("expected 4 members, got %d: %v", len(pub.members), pub.members)
	}
}

func TestWatcherRemovesDeletedCgroup(t *testing.T) {
	root := t.TempDir()
	childPath := filepath.Join(root, "transient")
	if err := os.MkdirAll(childPath, 0o755); err != nil {
		t.Fatal(err)
	}
	childID, err := CgroupID(childPath)
	if err != nil {
		t.Fatal(err)
	}

	pub := newFakePublisher()
	w := NewWatcher(root, time.Hour, pub, zaptest.NewLogger(t))
	if err := w.reconcile(); err != nil {
		t.Fatalf("initial reconcile: %v", err)
	}
	if _, ok := pub.members[childID]; !ok {
		t.Fatalf("expected child to be published before removal")
	}

	if err := os.RemoveAll(childPath); err != nil {
		t.Fatal(err)
	}
	if err := w.reconcile(); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if _, ok := pub.members[childID]; ok {
		t.Fatalf("expected child to be removed after rmdir")
	}
}
