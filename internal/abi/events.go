package abi

import (
	"encoding/binary"
	"fmt"
)

// ParseOpenEvent decodes a raw ring-buffer sample from the events map into
// an OpenEvent. raw must be at least openEventSize bytes (ringbuf records
// from the open domain are always exactly that size).
func ParseOpenEvent(raw []byte) (OpenEvent, error) {
	var e OpenEvent
	if len(raw) < openEventSize {
		return e, fmt.Errorf("abi: open event too short: got %d bytes, want %d", len(raw), openEventSize)
	}
	e.PID = binary.LittleEndian.Uint32(raw[0:4])
	e.TGID = binary.LittleEndian.Uint32(raw[4:8])
	e.Timestamp = binary.LittleEndian.Uint64(raw[8:16])
	e.CgroupID = binary.LittleEndian.Uint64(raw[16:24])
	copy(e.Comm[:], raw[24:40])
	copy(e.Path[:], raw[40:296])
	e.Operation = binary.LittleEndian.Uint32(raw[296:300])
	e.Result = int32(binary.LittleEndian.Uint32(raw[300:304]))
	return e, nil
}

// ParseExecEvent decodes a raw ring-buffer sample from the exec_events map.
func ParseExecEvent(raw []byte) (ExecEvent, error) {
	var e ExecEvent
	if len(raw) < execEventSize {
		return e, fmt.Errorf("abi: exec event too short: got %d bytes, want %d", len(raw), execEventSize)
	}
	e.PID = binary.LittleEndian.Uint32(raw[0:4])
	// raw[4:8] is the _padding field — skip.
	e.Timestamp = binary.LittleEndian.Uint64(raw[8:16])
	e.CgroupID = binary.LittleEndian.Uint64(raw[16:24])
	copy(e.Comm[:], raw[24:40])
	copy(e.Path[:], raw[40:296])
	e.Result = int32(binary.LittleEndian.Uint32(raw[296:300]))
	e.Argc = int32(binary.LittleEndian.Uint32(raw[300:304]))
	off := 304
	for i := 0; i < MaxExecArgs; i++ {
		copy(e.DetailedArgs[i][:], raw[off:off+MaxExecArgLen])
		off += MaxExecArgLen
	}
	return e, nil
}

// ParseConnectEvent decodes a raw ring-buffer sample from the connect_events map.
func ParseConnectEvent(raw []byte) (ConnectEvent, error) {
	var e ConnectEvent
	if len(raw) < connectEventSize {
		return e, fmt.Errorf("abi: connect event too short: got %d bytes, want %d", len(raw), connectEventSize)
	}
	e.PID = binary.LittleEndian.Uint32(raw[0:4])
	e.TGID = binary.LittleEndian.Uint32(raw[4:8])
	e.Timestamp = binary.LittleEndian.Uint64(raw[8:16])
	e.CgroupID = binary.LittleEndian.Uint64(raw[16:24])
	copy(e.Comm[:], raw[24:40])
	e.Family = binary.LittleEndian.Uint32(raw[40:44])
	e.Protocol = binary.LittleEndian.Uint32(raw[44:48])
	// DestIP/DestPort are carried in network byte order on the wire, as the
	// kernel writes them; they are decoded as big-endian, so the fields hold
	// the natural numeric address and port (10.0.0.1 → 0x0A000001, 443 → 443).
	e.DestIP = binary.BigEndian.Uint32(raw[48:52])
	e.DestPort = binary.BigEndian.Uint16(raw[52:54])
	// raw[54:56] is alignment padding before Result.
	e.Result = int32(binary.LittleEndian.Uint32(raw[56:60]))
	copy(e.DestHostname[:], raw[60:188])
	return e, nil
}

// CommString returns the NUL-terminated comm field as a Go string.
func CommString(comm [MaxCommLen]byte) string {
	return cString(comm[:])
}

// PathString returns the NUL-terminated path field as a Go string.
func PathString(path [MaxPathLen]byte) string {
	return cString(path[:])
}

// HostnameString returns the NUL-terminated hostname field as a Go string.
func HostnameString(h [MaxHostnameLen]byte) string {
	return cString(h[:])
}

// ArgString returns a NUL-terminated captured argv entry as a Go string.
func ArgString(a [MaxExecArgLen]byte) string {
	return cString(a[:])
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
