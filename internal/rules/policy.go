package rules

import (
	"fmt"

	"grimm.is/capscrub/internal/dissect"
)

// Mode says how much of a TLS record to preserve.
type Mode string

const (
	// KeepAll preserves the whole record.
	KeepAll Mode = "keep_all"
	// KeepHeaderOnly preserves only the leading HeaderBytes of the record.
	KeepHeaderOnly Mode = "header_only"
)

// NonTLSMode says what happens to bytes never classified as TLS.
type NonTLSMode string

const (
	// NonTLSKeepAll preserves unclassified spans untouched.
	NonTLSKeepAll NonTLSMode = "keep_all"
	// NonTLSMaskAll zeroes unclassified spans.
	NonTLSMaskAll NonTLSMode = "mask_all"
)

// Action is the preservation decision for one content type.
type Action struct {
	Mode        Mode
	HeaderBytes int // used by KeepHeaderOnly; default dissect.HeaderLen
}

// Policy maps each TLS content type to an action, plus the non-TLS
// decision. Policies are plain values; validation happens before any
// processing starts.
type Policy struct {
	Content map[dissect.ContentType]Action
	NonTLS  NonTLSMode
}

// DefaultPolicy preserves all protocol-structural record types and keeps
// only the 5-byte header of ApplicationData records. Unclassified bytes
// are preserved, favoring too-much over corruption.
func DefaultPolicy() Policy {
	return Policy{
		Content: map[dissect.ContentType]Action{
			dissect.ContentChangeCipherSpec: {Mode: KeepAll},
			dissect.ContentAlert:            {Mode: KeepAll},
			dissect.ContentHandshake:        {Mode: KeepAll},
			dissect.ContentApplicationData:  {Mode: KeepHeaderOnly, HeaderBytes: dissect.HeaderLen},
			dissect.ContentHeartbeat:        {Mode: KeepAll},
		},
		NonTLS: NonTLSKeepAll,
	}
}

// ActionFor returns the action for a content type. Types absent from the
// map fall back to KeepAll: an unknown classification must never cause
// more masking than was configured.
func (p Policy) ActionFor(ct dissect.ContentType) Action {
	if a, ok := p.Content[ct]; ok {
		return a
	}
	return Action{Mode: KeepAll}
}

// Validate rejects inconsistent policies.
func (p Policy) Validate() error {
	for ct, a := range p.Content {
		if !ct.IsValid() {
			return fmt.Errorf("policy references unknown content type %d", ct)
		}
		switch a.Mode {
		case KeepAll:
		case KeepHeaderOnly:
			if a.HeaderBytes <= 0 {
				return fmt.Errorf("policy for %s: header_only requires positive header bytes, got %d", ct, a.HeaderBytes)
			}
		default:
			return fmt.Errorf("policy for %s: unknown mode %q", ct, a.Mode)
		}
	}
	switch p.NonTLS {
	case NonTLSKeepAll, NonTLSMaskAll:
	default:
		return fmt.Errorf("unknown non-TLS policy %q", p.NonTLS)
	}
	return nil
}

// KeepsEverything reports whether this policy preserves every byte, in
// which case masking degenerates to a byte-identical copy.
func (p Policy) KeepsEverything() bool {
	if p.NonTLS != NonTLSKeepAll {
		return false
	}
	for _, ct := range []dissect.ContentType{
		dissect.ContentChangeCipherSpec,
		dissect.ContentAlert,
		dissect.ContentHandshake,
		dissect.ContentApplicationData,
		dissect.ContentHeartbeat,
	} {
		if p.ActionFor(ct).Mode != KeepAll {
			return false
		}
	}
	return true
}
