package masker

import "encoding/binary"

// onesSum accumulates the 16-bit ones'-complement sum used by IP and TCP
// checksums.
func onesSum(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func foldSum(sum uint32) uint16 {
	for sum > 0xFFFF {
		sum = (sum >> 16) + (sum & 0xFFFF)
	}
	return uint16(sum)
}

// tcpChecksum computes the TCP checksum over the pseudo header and the
// segment (TCP header plus payload). The checksum field inside segment
// must already be zeroed by the caller.
func tcpChecksum(srcIP, dstIP []byte, segment []byte) uint16 {
	var sum uint32
	sum = onesSum(sum, srcIP)
	sum = onesSum(sum, dstIP)
	// Protocol and length fields of the pseudo header. The layout
	// differs between v4 and v6 but the summed value does not.
	sum += 6 // IPPROTO_TCP
	sum += uint32(len(segment))
	sum = onesSum(sum, segment)
	return ^foldSum(sum)
}

// patchTCPChecksum rewrites the checksum field of a TCP segment in
// place. segment aliases the packet buffer, so this fixes the packet.
func patchTCPChecksum(srcIP, dstIP []byte, segment []byte) {
	segment[16] = 0
	segment[17] = 0
	binary.BigEndian.PutUint16(segment[16:18], tcpChecksum(srcIP, dstIP, segment))
}

// verifyTCPChecksum recomputes the checksum of a patched segment and
// reports whether it is internally consistent.
func verifyTCPChecksum(srcIP, dstIP []byte, segment []byte) bool {
	var sum uint32
	sum = onesSum(sum, srcIP)
	sum = onesSum(sum, dstIP)
	sum += 6
	sum += uint32(len(segment))
	sum = onesSum(sum, segment)
	return foldSum(sum) == 0xFFFF
}
