package dissect

import (
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"grimm.is/capscrub/internal/flow"
)

// TCPView is the innermost TCP segment of one raw packet. All byte
// slices alias the packet buffer passed to ParseTCP, so writes through
// Payload modify the original packet bytes.
type TCPView struct {
	Flow    flow.Key
	Dir     flow.Direction
	Seq     uint32
	Payload []byte

	SrcIP     []byte // network-order address bytes, for checksum pseudo headers
	DstIP     []byte
	IsIPv6    bool
	VLANCount int // 0, 1 (802.1Q), or 2 (QinQ)

	tcp layers.TCP
}

// Segment returns the TCP header plus payload as one contiguous slice,
// still aliasing the packet buffer.
func (v *TCPView) Segment() []byte {
	hdr := v.tcp.Contents
	return hdr[:len(hdr)+len(v.Payload)]
}

// HeaderLen returns the TCP header length in bytes.
func (v *TCPView) HeaderLen() int {
	return len(v.tcp.Contents)
}

var nilFeedback = gopacket.NilDecodeFeedback

// ParseTCP walks the packet down to its innermost TCP layer, skipping
// 802.1Q and QinQ VLAN tags. ok is false for anything that is not a TCP
// packet we can decode (non-IP, fragments, other transports); such
// packets pass through masking untouched.
func ParseTCP(data []byte, lt layers.LinkType) (TCPView, bool) {
	var v TCPView

	payload, etherType, ok := stripLink(data, lt)
	if !ok {
		return v, false
	}

	// Peel VLAN tags to the innermost ethertype.
	for etherType == layers.EthernetTypeDot1Q || etherType == layers.EthernetTypeQinQ {
		var dot1q layers.Dot1Q
		if err := dot1q.DecodeFromBytes(payload, nilFeedback); err != nil {
			return v, false
		}
		v.VLANCount++
		if v.VLANCount > 2 {
			return v, false
		}
		etherType = dot1q.Type
		payload = dot1q.Payload
	}

	switch etherType {
	case layers.EthernetTypeIPv4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(payload, nilFeedback); err != nil {
			return v, false
		}
		if ip4.Protocol != layers.IPProtocolTCP {
			return v, false
		}
		// Fragments other than the first carry no TCP header.
		if ip4.FragOffset != 0 {
			return v, false
		}
		v.SrcIP = ip4.SrcIP
		v.DstIP = ip4.DstIP
		payload = ip4.Payload
	case layers.EthernetTypeIPv6:
		var ip6 layers.IPv6
		if err := ip6.DecodeFromBytes(payload, nilFeedback); err != nil {
			return v, false
		}
		// Extension header chains are rare in captures we sanitize;
		// only the plain TCP next-header case is handled.
		if ip6.NextHeader != layers.IPProtocolTCP {
			return v, false
		}
		v.SrcIP = ip6.SrcIP
		v.DstIP = ip6.DstIP
		v.IsIPv6 = true
		payload = ip6.Payload
	default:
		return v, false
	}

	if err := v.tcp.DecodeFromBytes(payload, nilFeedback); err != nil {
		return v, false
	}
	v.Payload = v.tcp.Payload
	v.Seq = v.tcp.Seq

	src, okA := netip.AddrFromSlice(v.SrcIP)
	dst, okB := netip.AddrFromSlice(v.DstIP)
	if !okA || !okB {
		return v, false
	}
	v.Flow, v.Dir = flow.NewKey(src, uint16(v.tcp.SrcPort), dst, uint16(v.tcp.DstPort))
	return v, true
}

// stripLink removes the link-layer header and reports the enclosed
// ethertype. For link types that carry IP directly the ethertype is
// synthesized from the IP version nibble.
func stripLink(data []byte, lt layers.LinkType) ([]byte, layers.EthernetType, bool) {
	switch lt {
	case layers.LinkTypeEthernet:
		var eth layers.Ethernet
		if err := eth.DecodeFromBytes(data, nilFeedback); err != nil {
			return nil, 0, false
		}
		return eth.Payload, eth.EthernetType, true
	case layers.LinkTypeLinuxSLL:
		var sll layers.LinuxSLL
		if err := sll.DecodeFromBytes(data, nilFeedback); err != nil {
			return nil, 0, false
		}
		return sll.Payload, sll.EthernetType, true
	case layers.LinkTypeRaw, layers.LinkTypeIPv4, layers.LinkTypeIPv6,
		layers.LinkTypeNull, layers.LinkTypeLoop:
		p := data
		if lt == layers.LinkTypeNull || lt == layers.LinkTypeLoop {
			if len(p) < 4 {
				return nil, 0, false
			}
			p = p[4:]
		}
		if len(p) == 0 {
			return nil, 0, false
		}
		switch p[0] >> 4 {
		case 4:
			return p, layers.EthernetTypeIPv4, true
		case 6:
			return p, layers.EthernetTypeIPv6, true
		}
		return nil, 0, false
	default:
		return nil, 0, false
	}
}
