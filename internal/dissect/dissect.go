// Package dissect turns a capture file into a stream of per-packet TCP
// facts: sequence numbers, payload lengths, and TLS record hints. Two
// implementations exist: a builtin gopacket-based scanner and an adapter
// around an external tshark binary. Either satisfies Dissector, and the
// reassembly stage treats them interchangeably.
package dissect

import (
	"context"
	"errors"
	"time"

	"grimm.is/capscrub/internal/flow"
)

// ErrDissectionUnavailable signals that the external dissector binary is
// missing, unusable, or timed out. The pipeline decides whether this is
// fatal or triggers the configured fallback policy.
var ErrDissectionUnavailable = errors.New("dissector unavailable")

// ContentType is a TLS record content type.
type ContentType uint8

// The five content types defined for TLS record framing.
const (
	ContentChangeCipherSpec ContentType = 20
	ContentAlert            ContentType = 21
	ContentHandshake        ContentType = 22
	ContentApplicationData  ContentType = 23
	ContentHeartbeat        ContentType = 24
)

// IsValid reports whether t is one of the known record content types.
func (t ContentType) IsValid() bool {
	return t >= ContentChangeCipherSpec && t <= ContentHeartbeat
}

// String renders the content type for logs and reports.
func (t ContentType) String() string {
	switch t {
	case ContentChangeCipherSpec:
		return "change_cipher_spec"
	case ContentAlert:
		return "alert"
	case ContentHandshake:
		return "handshake"
	case ContentApplicationData:
		return "application_data"
	case ContentHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// HeaderLen is the fixed TLS record header size: one type byte, two
// version bytes, two length bytes.
const HeaderLen = 5

// MaxRecordLen bounds a plausible declared record length. TLS caps
// plaintext at 2^14 and allows expansion; anything past this is treated
// as a malformed header.
const MaxRecordLen = 1<<14 + 2048

// RecordHint marks a TLS record header observed inside one packet's
// payload. Offset is relative to the payload start. Length is the
// declared body length from the header, excluding the header itself.
type RecordHint struct {
	ContentType ContentType
	Length      int
	Offset      int
}

// Packet is the per-packet fact set the rest of the pipeline consumes.
type Packet struct {
	Num        int // 1-based capture position
	Flow       flow.Key
	Dir        flow.Direction
	Seq        uint32 // raw TCP sequence number of the first payload byte
	PayloadLen int
	Records    []RecordHint
	Timestamp  time.Time
}

// Dissector produces the Packet stream for one capture file. emit is
// called in strict capture order; returning an error from emit stops the
// walk and is propagated.
type Dissector interface {
	Dissect(ctx context.Context, path string, emit func(Packet) error) error
}
