// Package cgroupset maintains the kernel-side set of monitored cgroup v2
// IDs. The BPF probes only ever check membership in a hash set keyed by
// cgroup ID — enumerating a root cgroup's descendants and keeping that set
// current as the tree changes is entirely a userspace responsibility, and
// that responsibility lives here.
package cgroupset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Publisher is the subset of internal/lsm.Objects this package depends on.
// Defined locally so cgroupset does not have to import the lsm package
// (and, transitively, cilium/ebpf) just to talk to it.
type Publisher interface {
	SetCgroupSentinel(id uint64) error
	AddCgroupMember(id uint64) error
	RemoveCgroupMember(id uint64) error
	ListCgroupMembers() ([]uint64, error)
}

// CgroupID returns the cgroup v2 ID for a cgroupfs directory — the
// directory's inode number, which is exactly what bpf_get_current_cgroup_id
// returns in-kernel for a task inside that cgroup.
func CgroupID(path string) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	return st.Ino, nil
}

// Watcher republishes a root cgroup's descendant set to a Publisher on a
// fixed interval, so that a cgroup created or removed after startup is
// picked up without a controller restart.
type Watcher struct {
	root     string
	interval time.Duration
	pub      Publisher
	log      *zap.Logger
	known    map[uint64]struct{}
}

// NewWatcher creates a Watcher over the cgroup v2 directory at root.
// interval must be > 0; five seconds is a reasonable default.
func NewWatcher(root string, interval time.Duration, pub Publisher, log *zap.Logger) *Watcher {
	return &Watcher{
		root:     root,
		interval: interval,
		pub:      pub,
		log:      log,
		known:    make(map[uint64]struct{}),
	}
}

// Run publishes the sentinel and initial member set, then republishes on
// every tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	rootID, err := CgroupID(w.root)
	if err != nil {
		return fmt.Errorf("cgroupset: resolve root %s: %w", w.root, err)
	}
	if err := w.pub.SetCgroupSentinel(rootID); err != nil {
		return fmt.Errorf("cgroupset: set sentinel: %w", err)
	}

	if err := w.reconcile(); err != nil {
		return fmt.Errorf("cgroupset: initial reconcile: %w", err)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.reconcile(); err != nil {
				w.log.Warn("cgroupset: reconcile failed", zap.Error(err))
			}
		}
	}
}

// reconcile walks root's subtree, diffs the discovered ID set against what
// was last published, and applies only the delta.
func (w *Watcher) reconcile() error {
	current, err := w.discover()
	if err != nil {
		return err
	}

	for id := range current {
		if _, ok := w.known[id]; !ok {
			if err := w.pub.AddCgroupMember(id); err != nil {
				return fmt.Errorf("add cgroup %d: %w", id, err)
			}
		}
	}
	for id := range w.known {
		if _, ok := current[id]; !ok {
			if err := w.pub.RemoveCgroupMember(id); err != nil {
				return fmt.Errorf("remove cgroup %d: %w", id, err)
			}
		}
	}

	w.known = current
	w.log.Debug("cgroupset: reconciled", zap.Int("members", len(current)))
	return nil
}

// discover walks w.root and every descendant cgroup directory, returning
// the set of cgroup IDs found. A directory that disappears mid-walk (the
// cgroup was removed concurrently) is skipped, not an error.
func (w *Watcher) discover() (map[uint64]struct{}, error) {
	ids := make(map[uint64]struct{})

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if w.isTransientWalkError(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		id, statErr := CgroupID(path)
		if statErr != nil {
			return nil // directory vanished between readdir and stat
		}
		ids[id] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (w *Watcher) isTransientWalkError(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
