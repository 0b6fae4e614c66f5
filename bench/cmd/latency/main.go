// Package main — bench/cmd/latency/main.go
//
// Matcher decision latency benchmark.
//
// internal/lsm/bpf/*.bpf.c never runs outside a kernel with the LSM hooks
// attached, so the only part of the matching logic this repository can
// actually execute and measure is internal/matcher, the pure-Go mirror of
// that C. This harness measures EvaluateOpenPolicy, EvaluateExecPolicy, and
// EvaluateConnectPolicy wall-clock latency across increasing rule-table
// sizes (1, 16, 64, 256 — the declared max for each domain), since the
// in-kernel loops are bounded by exactly those same rule counts and a
// verifier-bounded linear scan is the thing worth knowing the cost of.
//
// Output CSV columns: domain, rule_count, iteration, latency_ns
// Summary: per (domain, rule_count) p50/p95/p99 to stdout.
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"time"

	"github.com/syscage/syscage/internal/abi"
	"github.com/syscage/syscage/internal/matcher"
)

var ruleCounts = []int{1, 16, 64, 256}

func main() {
	iterations := flag.Int("iterations", 100000, "Number of matcher calls to measure per (domain, rule_count) pair")
	outputFile := flag.String("output", "latency_raw.csv", "Output CSV file path")
	flag.Parse()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	f, err := os.Create(*outputFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create output: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()
	_ = w.Write([]string{"domain", "rule_count", "iteration", "latency_ns"})

	fmt.Printf("Matcher Decision Latency (%d iterations per rule-table size)\n", *iterations)

	runOpenBench(w, *iterations)
	runExecBench(w, *iterations)
	runConnectBench(w, *iterations)
}

func runOpenBench(w *csv.Writer, iterations int) {
	for _, n := range ruleCounts {
		if n > abi.MaxOpenRules {
			n = abi.MaxOpenRules
		}
		rules := buildOpenRules(n)
		samples := make([]int64, iterations)
		// Worst case for a linear first-match-wins scan: a path that matches
		// no rule, forcing every call to walk the whole table.
		const path = "/opt/no-such-prefix-present-in-the-table"
		for i := 0; i < iterations; i++ {
			start := time.Now()
			_ = matcher.EvaluateOpenPolicy(path, abi.OpOpenRO, rules, abi.ActionAllow)
			samples[i] = time.Since(start).Nanoseconds()
			_ = w.Write([]string{"open", strconv.Itoa(n), strconv.Itoa(i), strconv.FormatInt(samples[i], 10)})
		}
		report("open", n, samples)
	}
}

func runExecBench(w *csv.Writer, iterations int) {
	for _, n := range ruleCounts {
		if n > abi.MaxExecRules {
			n = abi.MaxExecRules
		}
		rules := buildExecRules(n)
		samples := make([]int64, iterations)
		argv := []string{"/usr/bin/curl", "--data-binary", "@/etc/shadow"}
		for i := 0; i < iterations; i++ {
			start := time.Now()
			_ = matcher.EvaluateExecPolicy("/opt/no-such-binary", argv, rules, abi.ActionAllow)
			samples[i] = time.Since(start).Nanoseconds()
			_ = w.Write([]string{"exec", strconv.Itoa(n), strconv.Itoa(i), strconv.FormatInt(samples[i], 10)})
		}
		report("exec", n, samples)
	}
}

func runConnectBench(w *csv.Writer, iterations int) {
	for _, n := range ruleCounts {
		if n > abi.MaxConnectRules {
			n = abi.MaxConnectRules
		}
		rules := buildConnectRules(n)
		samples := make([]int64, iterations)
		const destIP = uint32(0xffffffff)
		const destPort = uint16(0xffff)
		for i := 0; i < iterations; i++ {
			start := time.Now()
			_ = matcher.EvaluateConnectPolicy(destIP, destPort, rules, abi.ActionAllow)
			samples[i] = time.Since(start).Nanoseconds()
			_ = w.Write([]string{"connect", strconv.Itoa(n), strconv.Itoa(i), strconv.FormatInt(samples[i], 10)})
		}
		report("connect", n, samples)
	}
}

// buildOpenRules builds n synthetic, distinct-prefix open rules that never
// match the benchmark's probe path, so every run exercises a full scan.
func buildOpenRules(n int) []abi.OpenRule {
	rules := make([]abi.OpenRule, n)
	for i := range rules {
		path := fmt.Sprintf("/etc/syscage-bench-%04d", i)
		rule, err := abi.NewOpenRule(abi.ActionDeny, abi.OpOpen, path, false)
		if err != nil {
			panic(err)
		}
		rules[i] = rule
	}
	return rules
}

func buildExecRules(n int) []abi.ExecRule {
	rules := make([]abi.ExecRule, n)
	for i := range rules {
		path := fmt.Sprintf("/usr/bin/syscage-bench-%04d", i)
		rule, err := abi.NewExecRule(abi.ActionDeny, path, false, nil)
		if err != nil {
			panic(err)
		}
		rules[i] = rule
	}
	return rules
}

func buildConnectRules(n int) []abi.ConnectRule {
	rules := make([]abi.ConnectRule, n)
	for i := range rules {
		ip := uint32(i + 1) // never matches the benchmark's 0xffffffff probe
		rule, err := abi.NewConnectRule(abi.ActionDeny, ip, uint16(i+1), "", false)
		if err != nil {
			panic(err)
		}
		rules[i] = rule
	}
	return rules
}

func report(domain string, ruleCount int, samples []int64) {
	p50, p95, p99 := percentiles(samples)
	fmt.Printf("  %-8s rules=%-4d p50=%6dns p95=%6dns p99=%6dns\n", domain, ruleCount, p50, p95, p99)
}

// percentiles sorts a copy of samples and reads off p50/p95/p99. Simple
// sort-based selection is fine here: this runs once per (domain, rule_count)
// pair, not per sample.
func percentiles(samples []int64) (p50, p95, p99 int64) {
	sorted := make([]int64, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	n := len(sorted)
	if n == 0 {
		return 0, 0, 0
	}
	return sorted[n*50/100], sorted[minInt(n*95/100, n-1)], sorted[minInt(n*99/100, n-1)]
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
