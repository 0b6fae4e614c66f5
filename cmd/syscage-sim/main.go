// Package main — cmd/syscage-sim/main.go
//
// syscage-sim is an offline dry-run CLI for validating a candidate policy
// change before it is pushed to the live BPF maps. It loads the same
// per-domain YAML rule files internal/policyctl reads, compiles them with
// internal/rulecompiler, and evaluates a list of hypothetical events against
// them with internal/matcher — the exact Go mirror of the in-kernel matching
// logic — so the verdict printed here is the verdict the probe would
// actually produce, without touching a running agent or its bpffs state.
//
// Usage:
//
//	syscage-sim -domain open    -rules open.yaml    -events open_events.yaml
//	syscage-sim -domain exec    -rules exec.yaml    -events exec_events.yaml
//	syscage-sim -domain connect -rules connect.yaml -events connect_events.yaml
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/syscage/syscage/internal/abi"
	"github.com/syscage/syscage/internal/matcher"
	"github.com/syscage/syscage/internal/rulecompiler"
)

func main() {
	domain := flag.String("domain", "", "rule domain to simulate: open, exec, or connect")
	rulesPath := flag.String("rules", "", "path to the candidate rule YAML file")
	eventsPath := flag.String("events", "", "path to the hypothetical event list YAML file")
	defaultAction := flag.String("default", "allow", "default action when no rule matches: allow or deny")
	flag.Parse()

	if *domain == "" || *rulesPath == "" || *eventsPath == "" {
		fmt.Fprintln(os.Stderr, "ERROR: -domain, -rules, and -events are all required")
		flag.Usage()
		os.Exit(1)
	}

	var def abi.Action
	switch *defaultAction {
	case "allow":
		def = abi.ActionAllow
	case "deny":
		def = abi.ActionDeny
	default:
		fmt.Fprintf(os.Stderr, "ERROR: -default must be \"allow\" or \"deny\", got %q\n", *defaultAction)
		os.Exit(1)
	}

	var (
		results []verdictRow
		err     error
	)
	switch *domain {
	case "open":
		results, err = simulateOpen(*rulesPath, *eventsPath, def)
	case "exec":
		results, err = simulateExec(*rulesPath, *eventsPath, def)
	case "connect":
		results, err = simulateConnect(*rulesPath, *eventsPath, def)
	default:
		fmt.Fprintf(os.Stderr, "ERROR: -domain must be \"open\", \"exec\", or \"connect\", got %q\n", *domain)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}

	w := csv.NewWriter(os.Stdout)
	_ = w.Write([]string{"event", "matched_rule", "verdict"})
	deny := 0
	for _, r := range results {
		_ = w.Write([]string{r.event, r.matchedRule, r.verdict.String()})
		if r.verdict == abi.ActionDeny {
			deny++
		}
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\n=== SIMULATION SUMMARY (%s) ===\n", *domain)
	fmt.Fprintf(os.Stderr, "Events evaluated: %d\n", len(results))
	fmt.Fprintf(os.Stderr, "Denied:           %d\n", deny)
	fmt.Fprintf(os.Stderr, "Allowed:          %d\n", len(results)-deny)
}

// verdictRow is one line of the simulator's output: the event description,
// a best-effort description of which rule prefix matched (for operator
// debugging; the matcher itself only returns the final action), and the
// resulting verdict.
type verdictRow struct {
	event       string
	matchedRule string
	verdict     abi.Action
}

// openEventSpec describes one hypothetical open(2) call. Comm is the
// calling process's command name, consulted only for the package-manager
// bypass special case (empty means that bypass does not apply); the nsfs
// bypass depends on Path alone.
type openEventSpec struct {
	Path      string `yaml:"path"`
	Operation string `yaml:"operation"` // "open", "open:ro", "open:rw"
	Comm      string `yaml:"comm"`
}

// execEventSpec describes one hypothetical exec(2) call.
type execEventSpec struct {
	Path string   `yaml:"path"`
	Argv []string `yaml:"argv"` // argv[0] is the executable path
}

// connectEventSpec describes one hypothetical connect(2) call.
type connectEventSpec struct {
	DestIP   string `yaml:"dest_ip"`
	DestPort int    `yaml:"dest_port"`
}

func simulateOpen(rulesPath, eventsPath string, def abi.Action) ([]verdictRow, error) {
	var ruleDoc struct {
		Rules []rulecompiler.OpenRuleSpec `yaml:"rules"`
	}
	if err := loadYAML(rulesPath, &ruleDoc); err != nil {
		return nil, err
	}
	rules, err := rulecompiler.CompileOpenRules(ruleDoc.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile open rules: %w", err)
	}

	var eventDoc struct {
		Events []openEventSpec `yaml:"events"`
	}
	if err := loadYAML(eventsPath, &eventDoc); err != nil {
		return nil, err
	}

	out := make([]verdictRow, 0, len(eventDoc.Events))
	for _, ev := range eventDoc.Events {
		op, err := openOperationFromString(ev.Operation)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", ev.Path, err)
		}
		verdict := matcher.EvaluateFileOpenHook(ev.Path, ev.Comm, op, rules, def)
		out = append(out, verdictRow{
			event:       fmt.Sprintf("open %s (%s) comm=%q", ev.Path, op, ev.Comm),
			matchedRule: describeOpenMatch(ev.Path, ev.Comm, op, rules),
			verdict:     verdict,
		})
	}
	return out, nil
}

func simulateExec(rulesPath, eventsPath string, def abi.Action) ([]verdictRow, error) {
	var ruleDoc struct {
		Rules []rulecompiler.ExecRuleSpec `yaml:"rules"`
	}
	if err := loadYAML(rulesPath, &ruleDoc); err != nil {
		return nil, err
	}
	rules, warnings, err := rulecompiler.CompileExecRules(ruleDoc.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile exec rules: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.Message)
	}

	var eventDoc struct {
		Events []execEventSpec `yaml:"events"`
	}
	if err := loadYAML(eventsPath, &eventDoc); err != nil {
		return nil, err
	}

	out := make([]verdictRow, 0, len(eventDoc.Events))
	for _, ev := range eventDoc.Events {
		if len(ev.Argv) == 0 {
			ev.Argv = []string{ev.Path}
		}
		verdict := matcher.EvaluateExecPolicy(ev.Path, ev.Argv, rules, def)
		out = append(out, verdictRow{
			event:       fmt.Sprintf("exec %s %v", ev.Path, ev.Argv[1:]),
			matchedRule: describeExecMatch(ev.Path, rules),
			verdict:     verdict,
		})
	}
	return out, nil
}

func simulateConnect(rulesPath, eventsPath string, def abi.Action) ([]verdictRow, error) {
	var ruleDoc struct {
		Rules []rulecompiler.ConnectRuleSpec `yaml:"rules"`
	}
	if err := loadYAML(rulesPath, &ruleDoc); err != nil {
		return nil, err
	}
	rules, warnings, err := rulecompiler.CompileConnectRules(ruleDoc.Rules)
	if err != nil {
		return nil, fmt.Errorf("compile connect rules: %w", err)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.Message)
	}

	var eventDoc struct {
		Events []connectEventSpec `yaml:"events"`
	}
	if err := loadYAML(eventsPath, &eventDoc); err != nil {
		return nil, err
	}

	out := make([]verdictRow, 0, len(eventDoc.Events))
	for _, ev := range eventDoc.Events {
		ip, port, err := packConnectEndpoint(ev.DestIP, ev.DestPort)
		if err != nil {
			return nil, fmt.Errorf("event %s:%d: %w", ev.DestIP, ev.DestPort, err)
		}
		verdict := matcher.EvaluateConnectPolicy(ip, port, rules, def)
		out = append(out, verdictRow{
			event:       fmt.Sprintf("connect %s:%d", ev.DestIP, ev.DestPort),
			matchedRule: describeConnectMatch(ip, port, rules),
			verdict:     verdict,
		})
	}
	return out, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func openOperationFromString(s string) (abi.Operation, error) {
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

// packConnectEndpoint mirrors the byte order internal/rulecompiler uses when
// it packs a rule's dest_ip/dest_port: the IP is the little-endian reading
// of the parsed octets (no byte-swap on a little-endian host), and the port
// is byte-swapped host-to-network, so both compare against compiled rules
// the way the probe compares raw sockaddr_in fields. (ParseConnectEvent, by
// contrast, yields natural numeric values.)
func packConnectEndpoint(ip string, port int) (uint32, uint16, error) {
	if port < 0 || port > 65535 {
		return 0, 0, fmt.Errorf("dest_port %d out of range", port)
	}
	var ipv4 uint32
	if ip != "" {
		parsed := net.ParseIP(ip).To4()
		if parsed == nil {
			return 0, 0, fmt.Errorf("%q is not a dotted-quad IPv4 address", ip)
		}
		ipv4 = uint32(parsed[0]) | uint32(parsed[1])<<8 | uint32(parsed[2])<<16 | uint32(parsed[3])<<24
	}
	p := uint16(port)
	if p != 0 {
		p = p<<8 | p>>8
	}
	return ipv4, p, nil
}

// describeOpenMatch re-walks rules to report which one (if any) the event
// matched, purely for operator-facing output — EvaluateOpenPolicy itself
// only returns the final action.
func describeOpenMatch(path, comm string, op abi.Operation, rules []abi.OpenRule) string {
	if matcher.IsNsfsPath(path) {
		return "(nsfs bypass)"
	}
	for i, rule := range rules {
		if rule.PathLen == 0 || rule.PathLen > abi.MaxRulePathLen {
			continue
		}
		rulePath := abi.PathString(rule.Path)
		if !matcher.PrefixMatches(path, rulePath, int(rule.PathLen)) {
			continue
		}
		if abi.Operation(rule.Operation) == abi.OpOpen || abi.Operation(rule.Operation) == op {
			if matcher.IsPackageManagerBypass(comm) {
				return fmt.Sprintf("rule[%d] %s (overridden by package-manager bypass)", i, rulePath)
			}
			return fmt.Sprintf("rule[%d] %s", i, rulePath)
		}
	}
	if matcher.IsPackageManagerBypass(comm) {
		return "(package-manager bypass)"
	}
	return "(default)"
}

func describeExecMatch(path string, rules []abi.ExecRule) string {
	for i, rule := range rules {
		if rule.PathLen == 0 || rule.PathLen > abi.MaxRulePathLen {
			continue
		}
		rulePath := abi.PathString(rule.Path)
		if matcher.PrefixMatches(path, rulePath, int(rule.PathLen)) {
			return fmt.Sprintf("rule[%d] %s", i, rulePath)
		}
	}
	return "(default)"
}

func describeConnectMatch(ip uint32, port uint16, rules []abi.ConnectRule) string {
	for i, rule := range rules {
		if rule.DestIP != 0 && rule.DestIP != ip {
			continue
		}
		if rule.DestPort != 0 && rule.DestPort != port {
			continue
		}
		return fmt.Sprintf("rule[%d]", i)
	}
	return "(default)"
}
