// Package storage — bolt.go
//
// BoltDB-backed persistent storage for syscage.
//
// Schema (BoltDB bucket layout):
//
//	/events
//	    key:   UTC RFC 3339 timestamp (fixed 9-digit fraction) + "_" + domain + "_" + pid  [sortable]
//	    value: JSON-encoded AuditEvent
//
//	/policy_snapshots
//	    key:   UTC RFC 3339 timestamp (fixed 9-digit fraction) + "_" + domain  [sortable]
//	    value: JSON-encoded PolicySnapshot
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// Retention:
//   - Audit events older than RetentionDays are pruned on startup and
//     periodically by the retention goroutine (every 6 hours).
//   - Policy snapshots are never automatically pruned (operator action
//     required) — they are the forensic record of what was enforced when.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error
//     on Open(). The agent logs a fatal event and refuses to start.
//     Recovery: restore from backup at /var/lib/syscage/db.bak.
//   - Disk full: bbolt.Update() returns an error. The agent logs the error
//     and continues without persisting (in-memory enforcement unaffected —
//     the BPF verdict was already computed before the event reached here).
package storage

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/syscage/syscage/internal/abi"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/syscage/syscage.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultRetentionDays is the default audit event retention period.
	DefaultRetentionDays = 30

	// bucketEvents is the BoltDB bucket name for decoded audit events.
	bucketEvents = "events"

	// bucketSnapshots is the BoltDB bucket name for policy snapshots.
	bucketSnapshots = "policy_snapshots"

	// bucketMeta is the BoltDB bucket name for schema metadata.
	bucketMeta = "meta"

	// keyTimeLayout keeps every fractional digit so that key order matches
	// time order (time.RFC3339Nano drops trailing zeros).
	keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

// AuditEvent is the persisted form of a decoded ring buffer sample, common
// across all three domains. Stored as JSON in the events bucket.
type AuditEvent struct {
	// Timestamp is the event time (nanosecond precision, from the kernel's
	// bpf_ktime_get_ns at capture, converted to wall-clock on decode).
	Timestamp time.Time `json:"timestamp"`

	// Domain is "open", "exec", or "connect".
	Domain string `json:"domain"`

	// PID, TGID identify the process that triggered the event.
	PID  uint32 `json:"pid"`
	TGID uint32 `json:"tgid"`

	// CgroupID is the cgroup v2 ID the process belonged to at event time.
	CgroupID uint64 `json:"cgroup_id"`

	// Comm is the kernel-truncated 15-character process name.
	Comm string `json:"comm"`

	// Path is the file path (open/exec domains) or empty (connect domain).
	Path string `json:"path,omitempty"`

	// Operation describes the open-domain mode (open/open:ro/open:rw); empty
	// for exec and connect events.
	Operation string `json:"operation,omitempty"`

	// Argv is the exec-domain argument vector correlated from the execve
	// tracepoint; empty for open and connect events.
	Argv []string `json:"argv,omitempty"`

	// DestIP, DestPort, DestHostname describe a connect-domain attempt;
	// zero/empty for open and exec events.
	DestIP       string `json:"dest_ip,omitempty"`
	DestPort     uint16 `json:"dest_port,omitempty"`
	DestHostname string `json:"dest_hostname,omitempty"`

	// Action is "allow" or "deny" — the verdict the kernel already enforced.
	Action string `json:"action"`

	// NodeID is the syscage node that recorded this event.
	NodeID string `json:"node_id"`
}

// PolicySnapshot is a versioned record of a rule set at the moment it was
// loaded into the BPF maps, written by PutPolicySnapshot. Stored as JSON in
// the policy_snapshots bucket.
type PolicySnapshot struct {
	// Timestamp is when this rule set became active.
	Timestamp time.Time `json:"timestamp"`

	// Domain is "open", "exec", or "connect".
	Domain string `json:"domain"`

	// Version is a content hash of the compiled rule set (used by
	// internal/gossip to detect divergence between fleet nodes).
	Version string `json:"version"`

	// RuleCount is the number of rules in this snapshot.
	RuleCount int `json:"rule_count"`

	// DefaultAction is the fallback verdict for this domain.
	DefaultAction string `json:"default_action"`

	// SourceFile is the rule file this snapshot was compiled from.
	SourceFile string `json:"source_file"`

	// NodeID is the syscage node that loaded this rule set.
	NodeID string `json:"node_id"`
}

// DB wraps a BoltDB instance with typed accessors for syscage data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	// Initialise buckets and schema version in a single write transaction.
	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketEvents, bucketSnapshots, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		// Write schema version if not present.
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	// Verify schema version compatibility.
	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, agent requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Event operations ─────────────────────────────────────────────────────────

// eventKey constructs a sortable BoltDB key for an audit event.
// Format: keyTimeLayout + "_" + domain + "_" + PID (zero-padded to 10 digits).
// Lexicographic sort = chronological sort within a domain-agnostic scan.
func eventKey(t time.Time, domain string, pid uint32) []byte {
	return []byte(fmt.Sprintf("%s_%s_%010d", t.UTC().Format(keyTimeLayout), domain, pid))
}

// AppendEvent writes a new audit event. Uses a single ACID write transaction.
func (d *DB) AppendEvent(ev AuditEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("AppendEvent marshal: %w", err)
	}

	key := eventKey(ev.Timestamp, ev.Domain, ev.PID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("AppendEvent bolt.Put: %w", err)
		}
		return nil
	})
}

// PruneOldEvents deletes audit events older than retentionDays.
// Called on startup and periodically by the retention goroutine.
// Returns the number of entries deleted.
func (d *DB) PruneOldEvents() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffPrefix := cutoff.Format(keyTimeLayout)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		// Collect keys to delete (cannot delete during iteration in bbolt).
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= cutoffPrefix {
				break // All remaining keys are newer than cutoff.
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldEvents delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// ReadEvents returns all audit events in chronological order.
// For operational use (CLI inspection, operator "status" queries). Not
// called on the hot path.
func (d *DB) ReadEvents() ([]AuditEvent, error) {
	var events []AuditEvent
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.ForEach(func(_, v []byte) error {
			var ev AuditEvent
			if err := json.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
			return nil
		})
	})
	return events, err
}

// Count returns the current number of stored audit events, for the
// observability package's gauge.
func (d *DB) Count() (int, error) {
	var n int
	err := d.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket([]byte(bucketEvents)).Stats().KeyN
		return nil
	})
	return n, err
}

// ─── Policy snapshot operations ───────────────────────────────────────────────

// snapshotKey constructs a sortable BoltDB key for a policy snapshot.
func snapshotKey(t time.Time, domain string) []byte {
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format(keyTimeLayout), domain))
}

// PutPolicySnapshot records a rule set as the active snapshot for a domain.
// The agent's reload path (internal/policyctl) does not call it, so
// snapshots exist only where a caller writes them explicitly.
func (d *DB) PutPolicySnapshot(snap PolicySnapshot) error {
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("PutPolicySnapshot marshal: %w", err)
	}

	key := snapshotKey(snap.Timestamp, snap.Domain)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("PutPolicySnapshot bolt.Put: %w", err)
		}
		return nil
	})
}

// LatestPolicySnapshot returns the most recently recorded snapshot for a
// domain, or (nil, nil) if none exists yet.
func (d *DB) LatestPolicySnapshot(domain string) (*PolicySnapshot, error) {
	var latest *PolicySnapshot
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketSnapshots))
		return b.ForEach(func(_, v []byte) error {
			var snap PolicySnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return err
			}
			if snap.Domain != domain {
				return nil
			}
			if latest == nil || snap.Timestamp.After(latest.Timestamp) {
				s := snap
				latest = &s
			}
			return nil
		})
	})
	return latest, err
}

// domainName returns the canonical domain string for an abi.Operation,
// collapsing the three open-domain submodes to a single "open" bucket.
func domainName(op abi.Operation) string {
	switch op {
	case abi.OpOpen, abi.OpOpenRO, abi.OpOpenRW:
		return "open"
	case abi.OpExec:
		return "exec"
	case abi.OpConnect:
		return "connect"
	default:
		return "unknown"
	}
}

// DomainName is the exported form of domainName, for callers outside this
// package that label audit events from an abi.Operation.
func DomainName(op abi.Operation) string { return domainName(op) }
