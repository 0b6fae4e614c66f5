package abi

import (
	"encoding/binary"
	"testing"
)

func TestStructSizesMatchCLayout(t *testing.T) {
	cases := []struct {
		name string
		want int
		got  int
	}{
		{"OpenRule", openRuleSize, sizeofOpenRule},
		{"ExecRule", execRuleSize, sizeofExecRule},
		{"ConnectRule", connectRuleSize, sizeofConnectRule},
		{"PendingExecArgs", pendingExecArgsSize, sizeofPendingExecArgs},
		{"OpenEvent", openEventSize, sizeofOpenEvent},
		{"ExecEvent", execEventSize, sizeofExecEvent},
		{"ConnectEvent", connectEventSize, sizeofConnectEvent},
	}
	for _, c := range cases {
		if c.want != c.got {
			t.Errorf("%s: want %d bytes, got %d", c.name, c.want, c.got)
		}
	}
}

func TestParseOpenEvent(t *testing.T) {
	raw := make([]byte, openEventSize)
	binary.LittleEndian.PutUint32(raw[0:4], 1234)
	binary.LittleEndian.PutUint32(raw[4:8], 1234)
	binary.LittleEndian.PutUint64(raw[8:16], 99999)
	binary.LittleEndian.PutUint64(raw[16:24], 7)
	copy(raw[24:40], "bash")
	copy(raw[40:296], "/etc/passwd")
	binary.LittleEndian.PutUint32(raw[296:300], uint32(OpOpenRO))
	binary.LittleEndian.PutUint32(raw[300:304], 0)

	e, err := ParseOpenEvent(raw)
	if err != nil {
		t.Fatalf("ParseOpenEvent: %v", err)
	}
	if e.PID != 1234 || e.CgroupID != 7 {
		t.Fatalf("unexpected event: %+v", e)
	}
	if CommString(e.Comm) != "bash" {
		t.Fatalf("comm = %q, want bash", CommString(e.Comm))
	}
	if PathString(e.Path) != "/etc/passwd" {
		t.Fatalf("path = %q", PathString(e.Path))
	}
	if Operation(e.Operation) != OpOpenRO {
		t.Fatalf("operation = %v, want OpOpenRO", Operation(e.Operation))
	}
}

func TestParseOpenEventTooShort(t *testing.T) {
	if _, err := ParseOpenEvent(make([]byte, 10)); err == nil {
		t.Fatal("expected error for short buffer")
	}
}

func TestParseConnectEventNetworkByteOrder(t *testing.T) {
	raw := make([]byte, connectEventSize)
	binary.BigEndian.PutUint32(raw[48:52], 0x0A000001) // 10.0.0.1
	binary.BigEndian.PutUint16(raw[52:54], 443)
	binary.LittleEndian.PutUint32(raw[56:60], 0)

	e, err := ParseConnectEvent(raw)
	if err != nil {
		t.Fatalf("ParseConnectEvent: %v", err)
	}
	if e.DestIP != 0x0A000001 {
		t.Fatalf("dest_ip = %#x, want 0x0A000001", e.DestIP)
	}
	if e.DestPort != 443 {
		t.Fatalf("dest_port = %d, want 443", e.DestPort)
	}
}

func TestNewExecRuleRejectsTooManyArgPatterns(t *testing.T) {
	patterns := make([]string, MaxRuleArgs+1)
	for i := range patterns {
		patterns[i] = "x"
	}
	if _, err := NewExecRule(ActionDeny, "/usr/bin/curl", false, patterns); err == nil {
		t.Fatal("expected error for too many arg patterns")
	}
}

func TestNewOpenRuleRejectsOverlongPath(t *testing.T) {
	long := make([]byte, MaxRulePathLen+1)
	for i := range long {
		long[i] = 'a'
	}
	if _, err := NewOpenRule(ActionDeny, OpOpen, string(long), false); err == nil {
		t.Fatal("expected error for path exceeding matcher prefix bound")
	}
}
