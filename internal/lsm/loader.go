// Package lsm loads the three syscage BPF collections (open, exec,
// connect), attaches their LSM/tracepoint programs, and exposes typed
// accessors over the shared maps. The loading sequence — kernel version
// check, BPF LSM check, bpffs check, pinned-map collection load, program
// attach — follows the same shape as a conventional cilium/ebpf CO-RE
// loader; the three collections share their cgroup-gate maps by pinning
// them under one name so the controller only has to publish the monitored
// cgroup set once.
package lsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"golang.org/x/sys/unix"

	"github.com/syscage/syscage/internal/abi"
	bpfobjs "github.com/syscage/syscage/internal/lsm/bpf"
)

// BPFFSMagic is the magic number of the BPF filesystem (bpffs), used to
// verify BPFPinPath is actually backed by bpffs before pinning maps there.
const BPFFSMagic = 0xcafe4a11

// BPFPinPath is the default directory maps are pinned under.
const BPFPinPath = "/sys/fs/bpf/syscage"

// Objects holds the loaded collections, their maps, and the live links
// keeping the programs attached. Close releases everything.
type Objects struct {
	openColl    *ebpf.Collection
	execColl    *ebpf.Collection
	connectColl *ebpf.Collection

	OpenEvents    *ebpf.Map
	ExecEvents    *ebpf.Map
	ConnectEvents *ebpf.Map

	cgroupSentinel *ebpf.Map
	cgroupMembers  *ebpf.Map

	openRules         *ebpf.Map
	openRuleCount     *ebpf.Map
	openDefaultAction *ebpf.Map

	execRules         *ebpf.Map
	execRuleCount     *ebpf.Map
	execDefaultAction *ebpf.Map
	pendingExecArgs   *ebpf.Map

	connectRules         *ebpf.Map
	connectRuleCount     *ebpf.Map
	connectDefaultAction *ebpf.Map
	dnsCache             *ebpf.Map

	links []link.Link
}

// Load checks the host's capabilities, loads all three BPF collections
// with their maps pinned under pinPath, and attaches every program.
func Load(pinPath string) (*Objects, error) {
	if err := checkKernelVersion(5, 7); err != nil {
		return nil, err
	}
	if err := checkBPFLSM(); err != nil {
		return nil, err
	}
	if err := checkBPFFS(pinPath); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(pinPath, 0o700); err != nil {
		return nil, fmt.Errorf("create bpf pin dir %s: %w", pinPath, err)
	}

	objs := &Objects{}

	openColl, err := loadPinnedCollection(bpfobjs.OpenObject, pinPath)
	if err != nil {
		return nil, fmt.Errorf("load open collection: %w", err)
	}
	objs.openColl = openColl

	execColl, err := loadPinnedCollection(bpfobjs.ExecObject, pinPath)
	if err != nil {
		openColl.Close()
		return nil, fmt.Errorf("load exec collection: %w", err)
	}
	objs.execColl = execColl

	connectColl, err := loadPinnedCollection(bpfobjs.ConnectObject, pinPath)
	if err != nil {
		openColl.Close()
		execColl.Close()
		return nil, fmt.Errorf("load connect collection: %w", err)
	}
	objs.connectColl = connectColl

	if err := objs.bindMaps(); err != nil {
		objs.Close()
		return nil, err
	}
	if err := objs.attachPrograms(); err != nil {
		objs.Close()
		return nil, err
	}

	return objs, nil
}

// loadPinnedCollection loads a CO-RE object and pins every map it defines
// under pinPath. A map whose name is already pinned there (cgroup_sentinel
// and cgroup_members, shared across all three collections) is reopened
// rather than recreated.
func loadPinnedCollection(object []byte, pinPath string) (*ebpf.Collection, error) {
	spec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(object))
	if err != nil {
		return nil, fmt.Errorf("parse collection spec: %w", err)
	}
	for _, m := range spec.Maps {
		m.Pinning = ebpf.PinByName
	}
	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: pinPath},
	})
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return coll, nil
}

func (o *Objects) bindMaps() error {
	var missing []string
	need := func(m **ebpf.Map, coll *ebpf.Collection, name string) {
		v, ok := coll.Maps[name]
		if !ok {
			missing = append(missing, name)
			return
		}
		*m = v
	}

	need(&o.OpenEvents, o.openColl, "open_events")
	need(&o.cgroupSentinel, o.openColl, "cgroup_sentinel")
	need(&o.cgroupMembers, o.openColl, "cgroup_members")
	need(&o.openRules, o.openColl, "open_rules")
	need(&o.openRuleCount, o.openColl, "open_rule_count")
	need(&o.openDefaultAction, o.openColl, "open_default_action")

	need(&o.ExecEvents, o.execColl, "exec_events")
	need(&o.execRules, o.execColl, "exec_rules")
	need(&o.execRuleCount, o.execColl, "exec_rule_count")
	need(&o.execDefaultAction, o.execColl, "exec_default_action")
	need(&o.pendingExecArgs, o.execColl, "pending_exec_args")

	need(&o.ConnectEvents, o.connectColl, "connect_events")
	need(&o.connectRules, o.connectColl, "connect_rules")
	need(&o.connectRuleCount, o.connectColl, "connect_rule_count")
	need(&o.connectDefaultAction, o.connectColl, "connect_default_action")
	need(&o.dnsCache, o.connectColl, "dns_cache")

	if len(missing) > 0 {
		return fmt.Errorf("lsm: missing expected maps: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (o *Objects) attachPrograms() error {
	attach := []struct {
		prog *ebpf.Program
		name string
	}{
		{o.openColl.Programs["syscage_open"], "syscage_open"},
		{o.execColl.Programs["syscage_exec"], "syscage_exec"},
		{o.connectColl.Programs["syscage_connect"], "syscage_connect"},
		{o.connectColl.Programs["syscage_sendmsg"], "syscage_sendmsg"},
	}
	for _, p := range attach {
		if p.prog == nil {
			return fmt.Errorf("lsm: missing program %s", p.name)
		}
		l, err := link.AttachLSM(link.LSMOptions{Program: p.prog})
		if err != nil {
			return fmt.Errorf("attach lsm %s: %w", p.name, err)
		}
		o.links = append(o.links, l)
	}

	tp := o.execColl.Programs["syscage_trace_execve"]
	if tp == nil {
		return fmt.Errorf("lsm: missing tracepoint program syscage_trace_execve")
	}
	tl, err := link.Tracepoint("syscalls", "sys_enter_execve", tp, nil)
	if err != nil {
		return fmt.Errorf("attach tracepoint sys_enter_execve: %w", err)
	}
	o.links = append(o.links, tl)

	return nil
}

// Close detaches every program and releases the collections. Pinned maps
// remain on bpffs (by design: a controller restart must not drop
// in-kernel enforcement state).
func (o *Objects) Close() error {
	var errs []error
	for _, l := range o.links {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range []*ebpf.Collection{o.openColl, o.execColl, o.connectColl} {
		if c != nil {
			c.Close()
		}
	}
	return errors.Join(errs...)
}

// SetCgroupSentinel writes the root cgroup ID being monitored. A zero value
// disables enforcement entirely (is_target_cgroup-equivalent checks bail
// out immediately).
func (o *Objects) SetCgroupSentinel(id uint64) error {
	return o.cgroupSentinel.Put(uint32(0), id)
}

// AddCgroupMember marks a cgroup ID as part of the monitored subtree.
func (o *Objects) AddCgroupMember(id uint64) error {
	return o.cgroupMembers.Put(id, uint8(1))
}

// RemoveCgroupMember unmarks a cgroup ID, e.g. once its cgroupfs directory
// has been removed.
func (o *Objects) RemoveCgroupMember(id uint64) error {
	err := o.cgroupMembers.Delete(id)
	if errors.Is(err, ebpf.ErrKeyNotExist) {
		return nil
	}
	return err
}

// ListCgroupMembers returns every cgroup ID currently marked as monitored.
func (o *Objects) ListCgroupMembers() ([]uint64, error) {
	var (
		key     uint64
		val     uint8
		members []uint64
	)
	it := o.cgroupMembers.Iterate()
	for it.Next(&key, &val) {
		members = append(members, key)
	}
	return members, it.Err()
}

// ReplaceOpenRules atomically-enough replaces the open-domain rule set:
// rule slots are overwritten first, then the count is updated so a
// concurrently-running probe never reads a count ahead of its rules.
func (o *Objects) ReplaceOpenRules(rules []abi.OpenRule, def abi.Action) error {
	if len(rules) > abi.MaxOpenRules {
		return fmt.Errorf("lsm: %d open rules exceeds max %d", len(rules), abi.MaxOpenRules)
	}
	for i, r := range rules {
		if err := o.openRules.Put(uint32(i), r); err != nil {
			return fmt.Errorf("write open rule %d: %w", i, err)
		}
	}
	if err := o.openRuleCount.Put(uint32(0), uint32(len(rules))); err != nil {
		return fmt.Errorf("write open rule count: %w", err)
	}
	return o.openDefaultAction.Put(uint32(0), uint32(def))
}

// ReplaceExecRules replaces the exec-domain rule set.
func (o *Objects) ReplaceExecRules(rules []abi.ExecRule, def abi.Action) error {
	if len(rules) > abi.MaxExecRules {
		return fmt.Errorf("lsm: %d exec rules exceeds max %d", len(rules), abi.MaxExecRules)
	}
	for i, r := range rules {
		if err := o.execRules.Put(uint32(i), r); err != nil {
			return fmt.Errorf("write exec rule %d: %w", i, err)
		}
	}
	if err := o.execRuleCount.Put(uint32(0), uint32(len(rules))); err != nil {
		return fmt.Errorf("write exec rule count: %w", err)
	}
	return o.execDefaultAction.Put(uint32(0), uint32(def))
}

// ReplaceConnectRules replaces the connect-domain rule set. Note the
// counter map's value type is int32, matching the ABI the probe reads.
func (o *Objects) ReplaceConnectRules(rules []abi.ConnectRule, def abi.Action) error {
	if len(rules) > abi.MaxConnectRules {
		return fmt.Errorf("lsm: %d connect rules exceeds max %d", len(rules), abi.MaxConnectRules)
	}
	for i, r := range rules {
		if err := o.connectRules.Put(uint32(i), r); err != nil {
			return fmt.Errorf("write connect rule %d: %w", i, err)
		}
	}
	if err := o.connectRuleCount.Put(uint32(0), int32(len(rules))); err != nil {
		return fmt.Errorf("write connect rule count: %w", err)
	}
	return o.connectDefaultAction.Put(uint32(0), uint32(def))
}

// SetDNSCacheEntry annotates future connect events to ip with hostname.
// Purely observational — never consulted by the policy check.
func (o *Objects) SetDNSCacheEntry(ip uint32, hostname string) error {
	var entry abi.DNSCacheEntry
	if len(hostname) >= len(entry) {
		return fmt.Errorf("lsm: hostname %q exceeds %d bytes", hostname, len(entry)-1)
	}
	copy(entry[:], hostname)
	return o.dnsCache.Put(ip, entry)
}

// SweepPendingExecArgs deletes pending_exec_args entries older than ttl.
// The tracepoint writes an entry for every execve; if the matching LSM
// hook never fires (process killed before bprm_check_security, or the
// cgroup left the monitored set between the two hooks), the entry would
// otherwise stay until a later execve by the same PID overwrites it; once
// all 1024 slots of the hash map are taken, inserts for new PIDs fail.
// Call this periodically from a background goroutine.
func (o *Objects) SweepPendingExecArgs(ttl time.Duration) (removed int, err error) {
	// Entry timestamps come from bpf_ktime_get_ns, i.e. CLOCK_MONOTONIC.
	var mono unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return 0, fmt.Errorf("read monotonic clock: %w", err)
	}
	nowNs := uint64(mono.Nano())
	cutoff := uint64(ttl.Nanoseconds())

	var (
		key   uint32
		value abi.PendingExecArgs
		stale []uint32
	)
	it := o.pendingExecArgs.Iterate()
	for it.Next(&key, &value) {
		if nowNs > value.Timestamp && nowNs-value.Timestamp > cutoff {
			stale = append(stale, key)
		}
	}
	if err := it.Err(); err != nil {
		return 0, fmt.Errorf("iterate pending exec args: %w", err)
	}
	for _, k := range stale {
		if derr := o.pendingExecArgs.Delete(k); derr != nil && !errors.Is(derr, ebpf.ErrKeyNotExist) {
			err = derr
		}
	}
	return len(stale), err
}

// checkKernelVersion verifies the running kernel is at least major.minor.
func checkKernelVersion(major, minor int) error {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return fmt.Errorf("uname: %w", err)
	}
	release := unix.ByteSliceToString(uts.Release[:])
	var gotMajor, gotMinor int
	if _, err := fmt.Sscanf(release, "%d.%d", &gotMajor, &gotMinor); err != nil {
		return fmt.Errorf("parse kernel release %q: %w", release, err)
	}
	if gotMajor < major || (gotMajor == major && gotMinor < minor) {
		return fmt.Errorf("kernel %d.%d does not meet minimum %d.%d for BPF LSM", gotMajor, gotMinor, major, minor)
	}
	return nil
}

// checkBPFLSM verifies "bpf" is present in the kernel's active LSM list.
func checkBPFLSM() error {
	data, err := os.ReadFile("/sys/kernel/security/lsm")
	if err != nil {
		return fmt.Errorf("read active LSM list: %w", err)
	}
	for _, name := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if name == "bpf" {
			return nil
		}
	}
	return fmt.Errorf("BPF LSM not enabled (active LSMs: %s); add lsm=...,bpf to the kernel command line", strings.TrimSpace(string(data)))
}

// checkBPFFS verifies path is backed by the BPF filesystem.
func checkBPFFS(path string) error {
	var stat syscall.Statfs_t
	probe := path
	for {
		if err := syscall.Statfs(probe, &stat); err == nil {
			break
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("statfs %s: %w", probe, err)
		}
		parent := parentDir(probe)
		if parent == probe {
			return fmt.Errorf("no existing ancestor directory found for %s", path)
		}
		probe = parent
	}
	if uint32(stat.Type) != BPFFSMagic {
		return fmt.Errorf("%s is not backed by bpffs (magic %#x, want %#x); mount -t bpf bpf %s", probe, stat.Type, BPFFSMagic, probe)
	}
	return nil
}

func parentDir(p string) string {
	trimmed := strings.TrimRight(p, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

