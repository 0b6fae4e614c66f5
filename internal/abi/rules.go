package abi

import "fmt"

// NewOpenRule builds an OpenRule from a matcher-facing path/operation,
// validating the bounds the BPF verifier relies on (path_len in [1,64]).
func NewOpenRule(action Action, op Operation, path string, isDir bool) (OpenRule, error) {
	var r OpenRule
	n, err := putPrefixedPath(path)
	if err != nil {
		return r, err
	}
	r.Action = uint32(action)
	r.Operation = uint32(op)
	r.PathLen = uint32(n)
	copy(r.Path[:], path)
	if isDir {
		r.IsDirectory = 1
	}
	return r, nil
}

// NewExecRule builds an ExecRule. argPatterns holds up to MaxRuleArgs
// blacklist prefixes; isDir marks the path as a directory prefix
// (IsDirectory). HasWildcard is left 0.
func NewExecRule(action Action, path string, isDir bool, argPatterns []string) (ExecRule, error) {
	var r ExecRule
	n, err := putPrefixedPath(path)
	if err != nil {
		return r, err
	}
	if len(argPatterns) > MaxRuleArgs {
		return r, fmt.Errorf("abi: exec rule has %d arg patterns, max %d", len(argPatterns), MaxRuleArgs)
	}
	r.Action = uint32(action)
	r.Operation = uint32(OpExec)
	r.PathLen = uint32(n)
	copy(r.Path[:], path)
	if isDir {
		r.IsDirectory = 1
	}
	r.ArgCount = uint32(len(argPatterns))
	for i, p := range argPatterns {
		if len(p) >= MaxRuleArgLen {
			return r, fmt.Errorf("abi: exec rule arg pattern %q exceeds %d bytes", p, MaxRuleArgLen-1)
		}
		copy(r.Args[i][:], p)
		r.ArgLens[i] = uint32(len(p))
	}
	return r, nil
}

// NewConnectRule builds a ConnectRule. destIP/destPort must already be in
// network byte order (0 means wildcard). hostname is carried for future use
// but is not evaluated by the matcher (spec: hostname matching disabled).
func NewConnectRule(action Action, destIP uint32, destPort uint16, hostname string, wildcard bool) (ConnectRule, error) {
	var r ConnectRule
	if len(hostname) >= MaxHostnameLen {
		return r, fmt.Errorf("abi: connect rule hostname %q exceeds %d bytes", hostname, MaxHostnameLen-1)
	}
	r.Action = uint32(action)
	r.Operation = uint32(OpConnect)
	r.DestIP = destIP
	r.DestPort = destPort
	copy(r.Hostname[:], hostname)
	r.HostnameLen = uint32(len(hostname))
	if wildcard {
		r.IsWildcard = 1
	}
	return r, nil
}

// putPrefixedPath validates a rule path against the matcher's effective
// prefix bound (MaxRulePathLen) — rules longer than that are rejected by
// the kernel-side evaluate_open_policy loop (path_len > 64 is skipped), so
// the compiler must never emit one.
func putPrefixedPath(path string) (int, error) {
	if len(path) == 0 {
		return 0, fmt.Errorf("abi: rule path must not be empty")
	}
	if len(path) > MaxRulePathLen {
		return 0, fmt.Errorf("abi: rule path %q exceeds matcher prefix bound of %d bytes", path, MaxRulePathLen)
	}
	if len(path) >= MaxPathLen {
		return 0, fmt.Errorf("abi: rule path %q exceeds buffer size %d", path, MaxPathLen)
	}
	return len(path), nil
}
