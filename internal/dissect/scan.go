package dissect

import "encoding/binary"

// looksLikeHeader reports whether b begins with a plausible TLS record
// header: a known content type, an SSL3/TLS version, and a sane declared
// length.
func looksLikeHeader(b []byte) bool {
	if len(b) < HeaderLen {
		return false
	}
	if !ContentType(b[0]).IsValid() {
		return false
	}
	// Major version 3 covers SSL 3.0 through TLS 1.3 on the wire.
	if b[1] != 0x03 || b[2] > 0x04 {
		return false
	}
	length := int(binary.BigEndian.Uint16(b[3:5]))
	return length > 0 && length <= MaxRecordLen
}

// ScanRecords finds TLS record headers positioned inside one payload.
// Scanning starts at offset 0 and jumps over each declared body, so a
// header is only reported where a record could actually begin. A record
// whose body runs past the payload end is still reported; reassembly
// accumulates the remainder from later packets.
//
// The scan is positional, not stream-aware: for a packet that begins
// mid-record the offset-0 bytes are body, and any hints found here are
// discarded by the reassembler's boundary check.
func ScanRecords(payload []byte) []RecordHint {
	var hints []RecordHint
	off := 0
	for off+HeaderLen <= len(payload) {
		if !looksLikeHeader(payload[off:]) {
			break
		}
		length := int(binary.BigEndian.Uint16(payload[off+3 : off+5]))
		hints = append(hints, RecordHint{
			ContentType: ContentType(payload[off]),
			Length:      length,
			Offset:      off,
		})
		off += HeaderLen + length
	}
	return hints
}
