package matcher

import (
	"testing"

	"github.com/syscage/syscage/internal/abi"
)

func mustOpenRule(t *testing.T, action abi.Action, op abi.Operation, path string, dir bool) abi.OpenRule {
	t.Helper()
	r, err := abi.NewOpenRule(action, op, path, dir)
	if err != nil {
		t.Fatalf("NewOpenRule(%q): %v", path, err)
	}
	return r
}

func TestEvaluateOpenPolicy_FirstMatchWins(t *testing.T) {
	rules := []abi.OpenRule{
		mustOpenRule(t, abi.ActionDeny, abi.OpOpen, "/etc/secret", false),
		mustOpenRule(t, abi.ActionAllow, abi.OpOpen, "/etc", true),
	}
	got := EvaluateOpenPolicy("/etc/secret/key", abi.OpOpenRO, rules, abi.ActionDeny)
	if got != abi.ActionDeny {
		t.Fatalf("got %v, want deny (first matching rule)", got)
	}
}

func TestEvaluateOpenPolicy_OperationDiscrimination(t *testing.T) {
	rules := []abi.OpenRule{
		mustOpenRule(t, abi.ActionAllow, abi.OpOpenRO, "/var/log", true),
	}
	if got := EvaluateOpenPolicy("/var/log/app.log", abi.OpOpenRO, rules, abi.ActionDeny); got != abi.ActionAllow {
		t.Fatalf("read open: got %v, want allow", got)
	}
	if got := EvaluateOpenPolicy("/var/log/app.log", abi.OpOpenRW, rules, abi.ActionDeny); got != abi.ActionDeny {
		t.Fatalf("write open: got %v, want deny (falls to default)", got)
	}
}

func TestEvaluateOpenPolicy_OpenMatchesAnyMode(t *testing.T) {
	rules := []abi.OpenRule{
		mustOpenRule(t, abi.ActionAllow, abi.OpOpen, "/tmp", true),
	}
	for _, op := range []abi.Operation{abi.OpOpen, abi.OpOpenRO, abi.OpOpenRW} {
		if got := EvaluateOpenPolicy("/tmp/x", op, rules, abi.ActionDeny); got != abi.ActionAllow {
			t.Fatalf("op %v: got %v, want allow", op, got)
		}
	}
}

func TestEvaluateOpenPolicy_NoRulesUsesDefault(t *testing.T) {
	if got := EvaluateOpenPolicy("/anything", abi.OpOpen, nil, abi.ActionAllow); got != abi.ActionAllow {
		t.Fatalf("got %v, want default allow", got)
	}
}

func TestEvaluateOpenPolicy_RuleExceedingPrefixBoundIsSkipped(t *testing.T) {
	rule := mustOpenRule(t, abi.ActionAllow, abi.OpOpen, "/tmp", true)
	rule.PathLen = 65 // simulate a corrupted/overlong entry
	got := EvaluateOpenPolicy("/tmp/x", abi.OpOpen, []abi.OpenRule{rule}, abi.ActionDeny)
	if got != abi.ActionDeny {
		t.Fatalf("got %v, want deny (rule skipped, falls to default)", got)
	}
}

func TestIsNsfsPath(t *testing.T) {
	cases := map[string]bool{
		"mnt:[4026531840]":    true,
		"net:[4026531992]":    true,
		"cgroup:[4026531835]": true,
		"time:[4026531834]":   true,
		"/etc/passwd":         false,
		"mnt:[]":              false,
		"mnt:[abc]":           false,
	}
	for path, want := range cases {
		if got := IsNsfsPath(path); got != want {
			t.Errorf("IsNsfsPath(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIsPackageManagerBypass(t *testing.T) {
	cases := map[string]bool{
		"apt-get":        true,
		"apt-get-extra":  false, // not an exact match, comm[7] != NUL
		"dpkg":           true,
		"dpkg-deb":       true, // unterminated prefix check, preserved as-is
		"update-alts":    true,
		"updated":        true, // same unterminated-prefix quirk
		"bash":           false,
		"curl":           false,
	}
	for comm, want := range cases {
		if got := IsPackageManagerBypass(comm); got != want {
			t.Errorf("IsPackageManagerBypass(%q) = %v, want %v", comm, got, want)
		}
	}
}

func TestEvaluateExecPolicy_ArgBlacklist(t *testing.T) {
	rule, err := abi.NewExecRule(abi.ActionDeny, "/usr/bin/curl", false, []string{"--insecure"})
	if err != nil {
		t.Fatal(err)
	}
	argv := []string{"/usr/bin/curl", "https://example.com", "--insecure"}
	got := EvaluateExecPolicy("/usr/bin/curl", argv, []abi.ExecRule{rule}, abi.ActionAllow)
	if got != abi.ActionDeny {
		t.Fatalf("got %v, want deny (blacklisted arg present)", got)
	}

	cleanArgv := []string{"/usr/bin/curl", "https://example.com"}
	got = EvaluateExecPolicy("/usr/bin/curl", cleanArgv, []abi.ExecRule{rule}, abi.ActionAllow)
	if got != abi.ActionAllow {
		t.Fatalf("got %v, want allow (no blacklisted arg, falls to default)", got)
	}
}

func TestEvaluateExecPolicy_PathOnlyRuleMatchesAnyArgs(t *testing.T) {
	rule, err := abi.NewExecRule(abi.ActionDeny, "/usr/bin/nc", false, nil)
	if err != nil {
		t.Fatal(err)
	}
	got := EvaluateExecPolicy("/usr/bin/nc", []string{"/usr/bin/nc", "-l", "4444"}, []abi.ExecRule{rule}, abi.ActionAllow)
	if got != abi.ActionDeny {
		t.Fatalf("got %v, want deny (arg_count=0 matches any invocation)", got)
	}
}

func TestEvaluateExecPolicy_AllowWithArgsIsInert(t *testing.T) {
	rule, err := abi.NewExecRule(abi.ActionAllow, "/usr/bin/curl", false, []string{"--safe"})
	if err != nil {
		t.Fatal(err)
	}
	got := EvaluateExecPolicy("/usr/bin/curl", []string{"/usr/bin/curl", "--safe"}, []abi.ExecRule{rule}, abi.ActionDeny)
	if got != abi.ActionDeny {
		t.Fatalf("got %v, want deny: an allow rule with arg patterns never matches in-kernel, so the default applies", got)
	}
}

func TestEvaluateConnectPolicy_WildcardIPAndPort(t *testing.T) {
	rule, err := abi.NewConnectRule(abi.ActionAllow, 0, 443, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if got := EvaluateConnectPolicy(0x0A000001, 443, []abi.ConnectRule{rule}, abi.ActionDeny); got != abi.ActionAllow {
		t.Fatalf("got %v, want allow (IP wildcard matched)", got)
	}
	if got := EvaluateConnectPolicy(0x0A000001, 80, []abi.ConnectRule{rule}, abi.ActionDeny); got != abi.ActionDeny {
		t.Fatalf("got %v, want deny (port does not match, falls to default)", got)
	}
}

func TestMatchHostnameWildcard(t *testing.T) {
	cases := []struct {
		hostname, pattern string
		want              bool
	}{
		{"api.example.com", "*.example.com", true},
		{"example.com", "*.example.com", false}, // exact match, not subdomain
		{"evilexample.com", "*.example.com", false},
		{"a.b.example.com", "*.example.com", true},
		{"example.com", "*.", false},
	}
	for _, c := range cases {
		if got := MatchHostnameWildcard(c.hostname, c.pattern); got != c.want {
			t.Errorf("MatchHostnameWildcard(%q, %q) = %v, want %v", c.hostname, c.pattern, got, c.want)
		}
	}
}
