// Package rulecompiler turns the operator-facing declarative rule list
// (as read from the per-domain YAML rule files) into the
// exact abi.OpenRule/ExecRule/ConnectRule slices the BPF maps expect:
// directory rules expanded, rules sorted by specificity so first-match-wins
// produces the intended precedence, and every bound the kernel-side loops
// rely on validated before a single byte reaches a map.
package rulecompiler

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/syscage/syscage/internal/abi"
)

// OpenRuleSpec is the operator-facing form of an open-domain rule.
type OpenRuleSpec struct {
	Path      string `yaml:"path"`
	Operation string `yaml:"operation"` // "open", "open:ro", "open:rw"
	Action    string `yaml:"action"`    // "allow", "deny"
}

// ExecRuleSpec is the operator-facing form of an exec-domain rule.
type ExecRuleSpec struct {
	Path   string   `yaml:"path"`
	Action string   `yaml:"action"`
	Args   []string `yaml:"args,omitempty"` // blacklisted argv prefixes
}

// ConnectRuleSpec is the operator-facing form of a connect-domain rule.
type ConnectRuleSpec struct {
	DestIP   string `yaml:"dest_ip,omitempty"`   // dotted-quad, empty = any
	DestPort int    `yaml:"dest_port,omitempty"` // 0 = any
	Hostname string `yaml:"hostname,omitempty"`  // carried, not enforced
	Action   string `yaml:"action"`
}

// Warning describes a compiled-away condition worth surfacing to an
// operator even though it isn't fatal (e.g. an inert allow-with-args rule).
type Warning struct {
	Index   int
	Message string
}

func parseOperation(s string) (abi.Operation, error) {
	switch s {
	case "", "open":
		return abi.OpOpen, nil
	case "open:ro":
		return abi.OpOpenRO, nil
	case "open:rw":
		return abi.OpOpenRW, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

func parseAction(s string) (abi.Action, error) {
	switch s {
	case "allow":
		return abi.ActionAllow, nil
	case "deny":
		return abi.ActionDeny, nil
	default:
		return 0, fmt.Errorf("unknown action %q (want allow or deny)", s)
	}
}

// expandDirectory reports whether path names a directory prefix (trailing
// slash) and returns the path with that slash trimmed — the kernel-side
// prefix match operates on the bare prefix; is_directory only annotates
// the event stream, mirroring the original rule shape.
func expandDirectory(path string) (trimmed string, isDir bool) {
	if strings.HasSuffix(path, "/") && len(path) > 1 {
		return strings.TrimSuffix(path, "/"), true
	}
	return path, false
}

// CompileOpenRules validates and sorts an open-domain rule list by
// descending path-prefix length (longest/most specific prefix first); on an
// equal length a mode-specific rule (open:ro/open:rw) precedes an any-mode
// "open" rule, and declaration order is the stable tiebreak after that, so
// first-match-wins yields the precedence an operator would expect.
func CompileOpenRules(specs []OpenRuleSpec) ([]abi.OpenRule, error) {
	if len(specs) > abi.MaxOpenRules {
		return nil, fmt.Errorf("rulecompiler: %d open rules exceeds max %d", len(specs), abi.MaxOpenRules)
	}
	type indexed struct {
		rule abi.OpenRule
		idx  int
	}
	ordered := make([]indexed, 0, len(specs))
	for i, s := range specs {
		op, err := parseOperation(s.Operation)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		action, err := parseAction(s.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		path, isDir := expandDirectory(s.Path)
		rule, err := abi.NewOpenRule(action, op, path, isDir)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, s.Path, err)
		}
		ordered = append(ordered, indexed{rule, i})
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		ra, rb := ordered[a].rule, ordered[b].rule
		if ra.PathLen != rb.PathLen {
			return ra.PathLen > rb.PathLen
		}
		return ra.Operation != uint32(abi.OpOpen) && rb.Operation == uint32(abi.OpOpen)
	})
	out := make([]abi.OpenRule, len(ordered))
	for i, o := range ordered {
		out[i] = o.rule
	}
	return out, nil
}

// CompileExecRules validates and sorts an exec-domain rule list. An allow
// rule carrying arg patterns is accepted (it is not a schema error) but
// surfaced as a Warning: in-kernel, an allow rule with arg_count > 0 never
// matches (see internal/matcher.EvaluateExecPolicy), so such a rule is
// silently inert — an operator almost certainly meant "deny if this arg is
// present", not "allow only with this arg".
func CompileExecRules(specs []ExecRuleSpec) ([]abi.ExecRule, []Warning, error) {
	if len(specs) > abi.MaxExecRules {
		return nil, nil, fmt.Errorf("rulecompiler: %d exec rules exceeds max %d", len(specs), abi.MaxExecRules)
	}
	type indexed struct {
		rule abi.ExecRule
		idx  int
	}
	ordered := make([]indexed, 0, len(specs))
	var warnings []Warning
	for i, s := range specs {
		action, err := parseAction(s.Action)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %d: %w", i, err)
		}
		path, isDir := expandDirectory(s.Path)
		rule, err := abi.NewExecRule(action, path, isDir, s.Args)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %d (%s): %w", i, s.Path, err)
		}
		if action == abi.ActionAllow && len(s.Args) > 0 {
			warnings = append(warnings, Warning{
				Index:   i,
				Message: fmt.Sprintf("rule %d (%s): allow rule with arg patterns is inert and always falls through to the next rule or default policy", i, s.Path),
			})
		}
		ordered = append(ordered, indexed{rule, i})
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].rule.PathLen > ordered[b].rule.PathLen
	})
	out := make([]abi.ExecRule, len(ordered))
	for i, o := range ordered {
		out[i] = o.rule
	}
	return out, warnings, nil
}

// CompileConnectRules validates a connect-domain rule list. Rules are
// sorted most-specific-first: both IP and port pinned outranks one
// wildcarded, which outranks both wildcarded.
func CompileConnectRules(specs []ConnectRuleSpec) ([]abi.ConnectRule, []Warning, error) {
	if len(specs) > abi.MaxConnectRules {
		return nil, nil, fmt.Errorf("rulecompiler: %d connect rules exceeds max %d", len(specs), abi.MaxConnectRules)
	}
	type indexed struct {
		rule        abi.ConnectRule
		specificity int
		idx         int
	}
	ordered := make([]indexed, 0, len(specs))
	var warnings []Warning
	for i, s := range specs {
		action, err := parseAction(s.Action)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %d: %w", i, err)
		}

		var ip uint32
		if s.DestIP != "" {
			parsed := net.ParseIP(s.DestIP).To4()
			if parsed == nil {
				return nil, nil, fmt.Errorf("rule %d: %q is not a dotted-quad IPv4 address", i, s.DestIP)
			}
			// net.ParseIP.To4() gives the four octets in transmission
			// order. The kernel's dest_ip field holds those same raw
			// bytes copied into a native u32 without any byte-swap, so
			// on this (little-endian) host the numeric value we must
			// store is the little-endian reading of those bytes.
			ip = binary.LittleEndian.Uint32(parsed)
		}
		if s.DestPort < 0 || s.DestPort > 65535 {
			return nil, nil, fmt.Errorf("rule %d: dest_port %d out of range", i, s.DestPort)
		}
		port := uint16(s.DestPort)
		if port != 0 {
			port = port<<8 | port>>8 // host to network byte order
		}

		wildcard := strings.HasPrefix(s.Hostname, "*.")
		rule, err := abi.NewConnectRule(action, ip, port, s.Hostname, wildcard)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %d: %w", i, err)
		}

		specificity := 0
		if s.DestIP != "" {
			specificity++
		}
		if s.DestPort != 0 {
			specificity++
		}
		if s.Hostname != "" {
			warnings = append(warnings, Warning{
				Index:   i,
				Message: fmt.Sprintf("rule %d: hostname %q is recorded but not enforced (connect policy matches IP/port only)", i, s.Hostname),
			})
		}
		ordered = append(ordered, indexed{rule, specificity, i})
	}
	sort.SliceStable(ordered, func(a, b int) bool {
		return ordered[a].specificity > ordered[b].specificity
	})
	out := make([]abi.ConnectRule, len(ordered))
	for i, o := range ordered {
		out[i] = o.rule
	}
	return out, warnings, nil
}
