// Package xdp holds the byte-map contract Ironpost upholds with the
// kernel-space XDP program: the PacketEvent wire layout and the
// ring-buffer reader that turns raw records into typed Go values.
//
// The kernel-space program itself is an external collaborator (out of
// scope per the system's purpose statement); this package only keeps the
// contract the kernel side must honour.
//
// C layout (32 bytes, 8-byte aligned):
//
//	[0..3]   src_ip        u32 (network byte order, stored host-endian here)
//	[4..7]   dst_ip        u32
//	[8..9]   src_port      u16
//	[10..11] dst_port      u16
//	[12]     protocol      u8
//	[13]     tcp_flags     u8
//	[14..15] _pad          u8[2]
//	[16..19] length        u32
//	[20..23] _pad2         u32
//	[24..31] timestamp_ns  s64
//
// The Go struct below uses explicit padding fields to match this layout
// exactly; unsafe.Sizeof(PacketEvent{}) must equal 32.
package xdp

import (
	"encoding/binary"
	"fmt"
	"unsafe"
)

// Protocol mirrors the IP protocol numbers the kernel program reports.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	case ProtocolICMP:
		return "icmp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// TCP flag bits, as laid out in the TCP header.
const (
	FlagFIN uint8 = 0x01
	FlagSYN uint8 = 0x02
	FlagRST uint8 = 0x04
	FlagPSH uint8 = 0x08
	FlagACK uint8 = 0x10
	FlagURG uint8 = 0x20
)

// PacketEvent is the Go representation of the kernel program's packet
// event record. Layout must match the C struct exactly (verified by
// init() below).
type PacketEvent struct {
	SrcIP       uint32   // [0..3]
	DstIP       uint32   // [4..7]
	SrcPort     uint16   // [8..9]
	DstPort     uint16   // [10..11]
	Protocol    Protocol // [12]
	TCPFlags    uint8    // [13]
	_pad        uint16   // [14..15]
	Length      uint32   // [16..19]
	_pad2       uint32   // [20..23]
	TimestampNS int64    // [24..31]
}

const expectedEventSize = 32

func init() {
	if sz := unsafe.Sizeof(PacketEvent{}); sz != expectedEventSize {
		panic(fmt.Sprintf(
			"xdp: PacketEvent size mismatch: Go=%d bytes, expected=%d bytes. "+
				"Check struct padding against the kernel program's event layout.",
			sz, expectedEventSize,
		))
	}
}

// IsSYNOnly reports whether TCPFlags carries exactly the SYN bit, the
// signature of a connection-initiation segment used by the SYN-flood
// detector (§4.8).
func (e PacketEvent) IsSYNOnly() bool {
	return e.Protocol == ProtocolTCP && e.TCPFlags == FlagSYN
}

// ParseEvent deserialises a raw ring buffer record into a PacketEvent.
// The record must be at least expectedEventSize bytes; trailing bytes
// (reserved for future kernel-side fields) are ignored.
//
// Byte order: little-endian (the kernel program runs on the same
// architecture as userspace).
func ParseEvent(raw []byte) (PacketEvent, error) {
	if len(raw) < expectedEventSize {
		return PacketEvent{}, fmt.Errorf(
			"xdp: event record too short: got %d bytes, expected %d",
			len(raw), expectedEventSize,
		)
	}

	var e PacketEvent
	e.SrcIP = binary.LittleEndian.Uint32(raw[0:4])
	e.DstIP = binary.LittleEndian.Uint32(raw[4:8])
	e.SrcPort = binary.LittleEndian.Uint16(raw[8:10])
	e.DstPort = binary.LittleEndian.Uint16(raw[10:12])
	e.Protocol = Protocol(raw[12])
	e.TCPFlags = raw[13]
	// raw[14..15] are padding — skip.
	e.Length = binary.LittleEndian.Uint32(raw[16:20])
	// raw[20..23] are padding — skip.
	e.TimestampNS = int64(binary.LittleEndian.Uint64(raw[24:32]))
	return e, nil
}

// SrcIPString renders SrcIP as a dotted-quad, for rendering into RawLog
// bodies and synthesized LogEntry fields.
func (e PacketEvent) SrcIPString() string { return ipString(e.SrcIP) }

// DstIPString renders DstIP as a dotted-quad.
func (e PacketEvent) DstIPString() string { return ipString(e.DstIP) }

func ipString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
