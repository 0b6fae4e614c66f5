// Package abi defines the wire-level structures shared between the BPF LSM
// probes (internal/lsm/bpf/*.bpf.c) and this controller. Every type here
// mirrors a C struct byte-for-byte: same field order, same explicit padding,
// same alignment. The controller and the probes must never disagree about
// this layout — any change here is a breaking change to the map ABI and
// must be mirrored in the .bpf.c sources.
//
// Go's struct layout already matches the C layout for every type below
// without unsafe tricks, because fields are ordered so each one lands on
// its natural alignment boundary (the same rule the C compiler applies).
// The explicit `_pad` fields exist only to make that alignment visible —
// removing them would not change sizeof(), but would make the layout
// non-obvious to a reader.
package abi

import (
	"fmt"
	"unsafe"
)

// Operation identifies the kind of file-open or exec access a rule or event
// describes. Values must match OP_* in internal/lsm/bpf/lsm_open.bpf.c.
type Operation uint32

const (
	OpOpen   Operation = 0 // open, any mode
	OpOpenRO Operation = 1 // open:ro — read-only
	OpOpenRW Operation = 2 // open:rw — any write mode
	OpExec   Operation = 3 // exec (always this value for exec rules/events)
	OpConnect Operation = 4 // connect (always this value for connect rules)
)

func (o Operation) String() string {
	switch o {
	case OpOpen:
		return "open"
	case OpOpenRO:
		return "open:ro"
	case OpOpenRW:
		return "open:rw"
	case OpExec:
		return "exec"
	case OpConnect:
		return "connect"
	default:
		return fmt.Sprintf("operation(%d)", uint32(o))
	}
}

// Action is the verdict a rule produces. Any value other than Deny or Allow
// must be treated as Deny by consumers (spec invariant).
type Action uint32

const (
	ActionDeny  Action = 0
	ActionAllow Action = 1
)

func (a Action) String() string {
	if a == ActionAllow {
		return "allow"
	}
	return "deny"
}

// Verdict bounds per domain (spec §3 invariants).
const (
	MaxOpenRules    = 256
	MaxExecRules    = 64
	MaxConnectRules = 256

	// MaxRulePathLen is the matcher's effective prefix length bound, even
	// though path buffers are MaxPathLen bytes wide.
	MaxRulePathLen = 64

	MaxPathLen     = 256
	MaxCommLen     = 16
	MaxHostnameLen = 128

	// MaxExecArgs is the number of argv slots the tracepoint captures.
	MaxExecArgs = 6
	// MaxExecArgLen is the truncation length (including NUL) per captured arg.
	MaxExecArgLen = 24

	// MaxRuleArgs is the number of blacklist arg patterns a rule can carry.
	MaxRuleArgs = 4
	// MaxRuleArgLen is the pattern length (including NUL) per rule arg.
	MaxRuleArgLen = 32

	MaxAllowedCgroups    = 1024
	MaxPendingExecArgs   = 1024
	MaxDNSCacheEntries   = 4096

	// EACCES, returned (negated) as the deny verdict to the kernel.
	EACCES = 13
)

// OpenRule is the wire layout of `struct policy_rule` in lsm_open.bpf.c.
type OpenRule struct {
	Action      uint32
	Operation   uint32
	PathLen     uint32
	Path        [MaxPathLen]byte
	IsDirectory uint32
}

const openRuleSize = 4 + 4 + 4 + MaxPathLen + 4

func init() { assertSize("OpenRule", openRuleSize, sizeofOpenRule) }

// ExecRule is the wire layout of `struct exec_policy_rule` in lsm_exec.bpf.c.
type ExecRule struct {
	Action      uint32
	Operation   uint32
	PathLen     uint32
	Path        [MaxPathLen]byte
	IsDirectory uint32
	ArgCount    uint32
	HasWildcard uint32
	Args        [MaxRuleArgs][MaxRuleArgLen]byte
	ArgLens     [MaxRuleArgs]uint32
}

const execRuleSize = 4 + 4 + 4 + MaxPathLen + 4 + 4 + 4 + MaxRuleArgs*MaxRuleArgLen + MaxRuleArgs*4

func init() { assertSize("ExecRule", execRuleSize, sizeofExecRule) }

// ConnectRule is the wire layout of `struct connect_policy_rule` in
// lsm_connect.bpf.c. DestIP/DestPort are stored in network byte order,
// identical to what the kernel places in sockaddr_in.
type ConnectRule struct {
	Action      uint32
	Operation   uint32
	DestIP      uint32 // network byte order, 0 = any
	DestPort    uint16 // network byte order, 0 = any
	Hostname    [MaxHostnameLen]byte
	_pad2       [2]byte
	HostnameLen uint32
	IsWildcard  uint32
}

const connectRuleSize = 4 + 4 + 4 + 2 + MaxHostnameLen + 2 + 4 + 4

func init() { assertSize("ConnectRule", connectRuleSize, sizeofConnectRule) }

// PendingExecArgs is the wire layout of `struct pending_exec_args` in
// lsm_exec.bpf.c — the execve-tracepoint-to-LSM correlation record.
type PendingExecArgs struct {
	Timestamp    uint64
	Argc         uint32
	OriginalPath [MaxPathLen]byte
	DetailedArgs [MaxExecArgs][MaxExecArgLen]byte
	_pad         [4]byte
}

const pendingExecArgsSize = 8 + 4 + MaxPathLen + MaxExecArgs*MaxExecArgLen + 4

func init() { assertSize("PendingExecArgs", pendingExecArgsSize, sizeofPendingExecArgs) }

// DNSCacheEntry is the value type of the dns_cache map: an observed
// hostname for an IPv4 address, populated by the external DNS observer.
type DNSCacheEntry [MaxHostnameLen]byte

// OpenEvent is the wire layout of `struct open_event` in lsm_open.bpf.c.
type OpenEvent struct {
	PID       uint32
	TGID      uint32
	Timestamp uint64
	CgroupID  uint64
	Comm      [MaxCommLen]byte
	Path      [MaxPathLen]byte
	Operation uint32
	Result    int32
}

const openEventSize = 4 + 4 + 8 + 8 + MaxCommLen + MaxPathLen + 4 + 4

func init() { assertSize("OpenEvent", openEventSize, sizeofOpenEvent) }

// ExecEvent is the wire layout of `struct exec_event` in lsm_exec.bpf.c.
type ExecEvent struct {
	PID          uint32
	_pad         uint32
	Timestamp    uint64
	CgroupID     uint64
	Comm         [MaxCommLen]byte
	Path         [MaxPathLen]byte
	Result       int32
	Argc         int32
	DetailedArgs [MaxExecArgs][MaxExecArgLen]byte
}

const execEventSize = 4 + 4 + 8 + 8 + MaxCommLen + MaxPathLen + 4 + 4 + MaxExecArgs*MaxExecArgLen

func init() { assertSize("ExecEvent", execEventSize, sizeofExecEvent) }

// ConnectEvent is the wire layout of `struct connect_event` in
// lsm_connect.bpf.c.
type ConnectEvent struct {
	PID            uint32
	TGID           uint32
	Timestamp      uint64
	CgroupID       uint64
	Comm           [MaxCommLen]byte
	Family         uint32
	Protocol       uint32
	DestIP         uint32 // network byte order on the wire; natural value after ParseConnectEvent
	DestPort       uint16 // network byte order on the wire; natural value after ParseConnectEvent
	_pad           [2]byte
	Result         int32
	DestHostname   [MaxHostnameLen]byte
	_pad2          [4]byte
}

const connectEventSize = 4 + 4 + 8 + 8 + MaxCommLen + 4 + 4 + 4 + 2 + 2 + 4 + MaxHostnameLen + 4

func init() { assertSize("ConnectEvent", connectEventSize, sizeofConnectEvent) }

var (
	sizeofOpenRule         = int(unsafe.Sizeof(OpenRule{}))
	sizeofExecRule         = int(unsafe.Sizeof(ExecRule{}))
	sizeofConnectRule      = int(unsafe.Sizeof(ConnectRule{}))
	sizeofPendingExecArgs  = int(unsafe.Sizeof(PendingExecArgs{}))
	sizeofOpenEvent        = int(unsafe.Sizeof(OpenEvent{}))
	sizeofExecEvent        = int(unsafe.Sizeof(ExecEvent{}))
	sizeofConnectEvent     = int(unsafe.Sizeof(ConnectEvent{}))
)

func assertSize(name string, want, got int) {
	if want != got {
		panic(fmt.Sprintf("abi: %s size mismatch: C layout=%d bytes, Go layout=%d bytes", name, want, got))
	}
}
