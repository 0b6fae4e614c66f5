package rulecompiler

import (
	"testing"

	"github.com/syscage/syscage/internal/abi"
)

func TestCompileOpenRules_SortsBySpecificity(t *testing.T) {
	rules, err := CompileOpenRules([]OpenRuleSpec{
		{Path: "/etc", Action: "allow"},
		{Path: "/etc/secret", Action: "deny"},
		{Path: "/", Action: "deny"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(rules))
	}
	if abi.PathString(rules[0].Path) != "/etc/secret" {
		t.Fatalf("rules[0] = %q, want /etc/secret (longest prefix first)", abi.PathString(rules[0].Path))
	}
	if abi.PathString(rules[2].Path) != "/" {
		t.Fatalf("rules[2] = %q, want / (shortest prefix last)", abi.PathString(rules[2].Path))
	}
}

func TestCompileOpenRules_DirectoryTrailingSlashTrimmed(t *testing.T) {
	rules, err := CompileOpenRules([]OpenRuleSpec{
		{Path: "/var/log/", Action: "allow"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if abi.PathString(rules[0].Path) != "/var/log" {
		t.Fatalf("path = %q, want /var/log", abi.PathString(rules[0].Path))
	}
	if rules[0].IsDirectory == 0 {
		t.Fatalf("expected IsDirectory to be set")
	}
}

func TestCompileOpenRules_RejectsTooMany(t *testing.T) {
	specs := make([]OpenRuleSpec, abi.MaxOpenRules+1)
	for i := range specs {
		specs[i] = OpenRuleSpec{Path: "/x", Action: "allow"}
	}
	if _, err := CompileOpenRules(specs); err == nil {
		t.Fatal("expected error for exceeding MaxOpenRules")
	}
}

func TestCompileOpenRules_RejectsUnknownOperation(t *testing.T) {
	_, err := CompileOpenRules([]OpenRuleSpec{{Path: "/x", Operation: "bogus", Action: "allow"}})
	if err == nil {
		t.Fatal("expected error for unknown operation")
	}
}

func TestCompileOpenRules_RejectsUnknownAction(t *testing.T) {
	_, err := CompileOpenRules([]OpenRuleSpec{{Path: "/x", Action: "bogus"}})
	if err == nil {
		t.Fatal("expected error for unknown action")
	}
}

func TestCompileExecRules_WarnsOnAllowWithArgs(t *testing.T) {
	rules, warnings, err := CompileExecRules([]ExecRuleSpec{
		{Path: "/usr/bin/curl", Action: "allow", Args: []string{"--safe"}},
		{Path: "/usr/bin/nc", Action: "deny"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
	if warnings[0].Index != 0 {
		t.Fatalf("warning index = %d, want 0", warnings[0].Index)
	}
}

func TestCompileExecRules_SortsBySpecificity(t *testing.T) {
	rules, _, err := CompileExecRules([]ExecRuleSpec{
		{Path: "/usr/bin", Action: "deny"},
		{Path: "/usr/bin/curl", Action: "deny"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if abi.PathString(rules[0].Path) != "/usr/bin/curl" {
		t.Fatalf("rules[0] = %q, want /usr/bin/curl", abi.PathString(rules[0].Path))
	}
}

func TestCompileExecRules_RejectsTooMany(t *testing.T) {
	specs := make([]ExecRuleSpec, abi.MaxExecRules+1)
	for i := range specs {
		specs[i] = ExecRuleSpec{Path: "/x", Action: "deny"}
	}
	if _, _, err := CompileExecRules(specs); err == nil {
		t.Fatal("expected error for exceeding MaxExecRules")
	}
}

func TestCompileExecRules_RejectsTooManyArgPatterns(t *testing.T) {
	_, _, err := CompileExecRules([]ExecRuleSpec{
		{Path: "/usr/bin/curl", Action: "deny", Args: []string{"a", "b", "c", "d", "e"}},
	})
	if err == nil {
		t.Fatal("expected error for too many arg patterns")
	}
}

func TestCompileConnectRules_ParsesIPAndPort(t *testing.T) {
	rules, _, err := CompileConnectRules([]ConnectRuleSpec{
		{DestIP: "10.0.0.1", DestPort: 443, Action: "allow"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 {
		t.Fatalf("got %d rules, want 1", len(rules))
	}
	// 10.0.0.1 -> bytes [10,0,0,1]; stored little-endian so that the raw
	// bytes written into the map are [10,0,0,1], matching the kernel's
	// untouched copy of sin_addr.s_addr.
	want := uint32(10) | uint32(0)<<8 | uint32(0)<<16 | uint32(1)<<24
	if rules[0].DestIP != want {
		t.Fatalf("DestIP = %#x, want %#x", rules[0].DestIP, want)
	}
	// 443 = 0x01BB; network byte order bytes are [0x01, 0xBB]; stored
	// little-endian that is 0xBB01.
	if rules[0].DestPort != 0xBB01 {
		t.Fatalf("DestPort = %#x, want 0xbb01", rules[0].DestPort)
	}
}

func TestCompileConnectRules_WildcardFieldsAreZeroWhenUnset(t *testing.T) {
	rules, _, err := CompileConnectRules([]ConnectRuleSpec{
		{Action: "deny"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if rules[0].DestIP != 0 || rules[0].DestPort != 0 {
		t.Fatalf("expected wildcard IP/port to be zero, got ip=%#x port=%#x", rules[0].DestIP, rules[0].DestPort)
	}
}

func TestCompileConnectRules_SortsBySpecificity(t *testing.T) {
	rules, _, err := CompileConnectRules([]ConnectRuleSpec{
		{Action: "deny"},                                  // fully wildcarded
		{DestIP: "10.0.0.1", DestPort: 443, Action: "allow"}, // both pinned
		{DestPort: 80, Action: "deny"},                    // port only
	})
	if err != nil {
		t.Fatal(err)
	}
	if rules[0].DestIP == 0 || rules[0].DestPort == 0 {
		t.Fatalf("rules[0] should be the fully-pinned rule, got %+v", rules[0])
	}
	if rules[2].DestIP != 0 || rules[2].DestPort != 0 {
		t.Fatalf("rules[2] should be the fully-wildcarded rule, got %+v", rules[2])
	}
}

func TestCompileConnectRules_WarnsOnHostname(t *testing.T) {
	_, warnings, err := CompileConnectRules([]ConnectRuleSpec{
		{Hostname: "api.example.com", Action: "allow"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1", len(warnings))
	}
}

func TestCompileConnectRules_RejectsBadIP(t *testing.T) {
	_, _, err := CompileConnectRules([]ConnectRuleSpec{
		{DestIP: "not-an-ip", Action: "allow"},
	})
	if err == nil {
		t.Fatal("expected error for malformed IP")
	}
}

func TestCompileConnectRules_RejectsTooMany(t *testing.T) {
	specs := make([]ConnectRuleSpec, abi.MaxConnectRules+1)
	for i := range specs {
		specs[i] = ConnectRuleSpec{Action: "deny"}
	}
	if _, _, err := CompileConnectRules(specs); err == nil {
		t.Fatal("expected error for exceeding MaxConnectRules")
	}
}
