// Package flow derives canonical per-stream identities from TCP 4-tuples.
// A logical flow has one Key regardless of which side sent the packet;
// the packet's side is expressed separately as a Direction.
package flow

import (
	"fmt"
	"net/netip"
	"time"
)

// Direction identifies one of the two traffic directions of a flow.
type Direction uint8

const (
	// Forward is traffic sent by the canonical "A" endpoint.
	Forward Direction = iota
	// Reverse is traffic sent by the canonical "B" endpoint.
	Reverse
)

// String renders the direction for logs.
func (d Direction) String() string {
	if d == Forward {
		return "forward"
	}
	return "reverse"
}

// Key is a canonicalized TCP 4-tuple. The (addr, port) pair that sorts
// lower becomes endpoint A, so both directions of a connection map to the
// same Key. Keys are comparable and usable as map keys.
type Key struct {
	AddrA netip.Addr
	PortA uint16
	AddrB netip.Addr
	PortB uint16
}

// endpointLess orders (addr, port) pairs: address first, port breaks ties.
func endpointLess(a netip.Addr, ap uint16, b netip.Addr, bp uint16) bool {
	if c := a.Compare(b); c != 0 {
		return c < 0
	}
	return ap < bp
}

// NewKey canonicalizes (src, dst) into a Key and reports which direction
// the src→dst packet travels on that flow.
func NewKey(srcAddr netip.Addr, srcPort uint16, dstAddr netip.Addr, dstPort uint16) (Key, Direction) {
	if endpointLess(srcAddr, srcPort, dstAddr, dstPort) {
		return Key{AddrA: srcAddr, PortA: srcPort, AddrB: dstAddr, PortB: dstPort}, Forward
	}
	return Key{AddrA: dstAddr, PortA: dstPort, AddrB: srcAddr, PortB: srcPort}, Reverse
}

// IsValid reports whether both endpoints carry real addresses.
func (k Key) IsValid() bool {
	return k.AddrA.IsValid() && k.AddrB.IsValid()
}

// String renders the flow for logs and diagnostics.
func (k Key) String() string {
	return fmt.Sprintf("%s:%d<->%s:%d", k.AddrA, k.PortA, k.AddrB, k.PortB)
}

// DirCounters holds per-direction packet and byte counters.
type DirCounters struct {
	Packets int64
	Bytes   int64
}

// Info carries descriptive metadata about one observed flow. It is used
// for diagnostics and for mapping packets back to flows during masking.
type Info struct {
	Key       Key
	Protocol  string // best-effort guess, e.g. "tls" or "tcp"
	FirstSeen time.Time
	LastSeen  time.Time
	Counters  [2]DirCounters // indexed by Direction
}

// NewInfo creates flow metadata for a first-seen 4-tuple.
func NewInfo(key Key, ts time.Time) *Info {
	return &Info{Key: key, Protocol: "tcp", FirstSeen: ts, LastSeen: ts}
}

// NotePacket updates counters for one observed packet.
func (i *Info) NotePacket(dir Direction, payloadLen int, ts time.Time) {
	c := &i.Counters[dir]
	c.Packets++
	c.Bytes += int64(payloadLen)
	if ts.After(i.LastSeen) {
		i.LastSeen = ts
	}
}

// TotalPackets returns the packet count across both directions.
func (i *Info) TotalPackets() int64 {
	return i.Counters[Forward].Packets + i.Counters[Reverse].Packets
}
