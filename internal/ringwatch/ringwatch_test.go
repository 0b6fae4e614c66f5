package ringwatch

import (
	"encoding/binary"
	"testing"

	"github.com/syscage/syscage/internal/abi"
)

func openEventBytes(t *testing.T, pid uint32, op abi.Operation, result int32) []byte {
	t.Helper()
	size := 4 + 4 + 8 + 8 + abi.MaxCommLen + abi.MaxPathLen + 4 + 4
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], pid)
	binary.LittleEndian.PutUint32(raw[4:8], pid)
	binary.LittleEndian.PutUint64(raw[8:16], 123456789)
	binary.LittleEndian.PutUint64(raw[16:24], 42)
	copy(raw[24:24+abi.MaxCommLen], "curl")
	copy(raw[24+abi.MaxCommLen:24+abi.MaxCommLen+abi.MaxPathLen], "/usr/bin/curl")
	off := 24 + abi.MaxCommLen + abi.MaxPathLen
	binary.LittleEndian.PutUint32(raw[off:off+4], uint32(op))
	binary.LittleEndian.PutUint32(raw[off+4:off+8], uint32(result))
	return raw
}

func connectEventBytes(t *testing.T, destIP uint32, destPort uint16, result int32) []byte {
	t.Helper()
	size := 4 + 4 + 8 + 8 + abi.MaxCommLen + 4 + 4 + 4 + 2 + 2 + 4 + abi.MaxHostnameLen + 4
	raw := make([]byte, size)
	binary.LittleEndian.PutUint32(raw[0:4], 99)
	binary.LittleEndian.PutUint32(raw[4:8], 99)
	binary.LittleEndian.PutUint64(raw[8:16], 123456789)
	binary.LittleEndian.PutUint64(raw[16:24], 7)
	copy(raw[24:24+abi.MaxCommLen], "nc")
	off := 24 + abi.MaxCommLen
	binary.LittleEndian.PutUint32(raw[off:off+4], 2) // AF_INET
	binary.LittleEndian.PutUint32(raw[off+4:off+8], 6)
	binary.BigEndian.PutUint32(raw[off+8:off+12], destIP)
	binary.BigEndian.PutUint16(raw[off+12:off+14], destPort)
	binary.LittleEndian.PutUint32(raw[off+16:off+20], uint32(result))
	return raw
}

func TestDecodeOpenEvent(t *testing.T) {
	p := &Processor{nodeID: "node-a"}
	raw := openEventBytes(t, 1234, abi.OpOpenRW, 0)
	ev, err := p.decode("open", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.PID != 1234 || ev.Domain != "open" || ev.Action != "allow" || ev.NodeID != "node-a" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Path != "/usr/bin/curl" {
		t.Fatalf("path = %q", ev.Path)
	}
}

func TestDecodeOpenEventDenied(t *testing.T) {
	p := &Processor{nodeID: "node-a"}
	raw := openEventBytes(t, 1234, abi.OpOpenRW, -13)
	ev, err := p.decode("open", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Action != "deny" {
		t.Fatalf("action = %q, want deny", ev.Action)
	}
}

func TestDecodeConnectEvent(t *testing.T) {
	p := &Processor{nodeID: "node-b"}
	raw := connectEventBytes(t, 0x0A000001, 443, 0)
	ev, err := p.decode("connect", raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.Domain != "connect" || ev.DestIP != "10.0.0.1" || ev.DestPort != 443 {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestDecodeUnknownDomain(t *testing.T) {
	p := &Processor{}
	if _, err := p.decode("bogus", nil); err == nil {
		t.Fatal("expected error for unknown domain")
	}
}
