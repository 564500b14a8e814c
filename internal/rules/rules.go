// Package rules models keep rules: instructions to preserve specific
// byte ranges of a TCP stream during masking. The Marker builds a Set
// incrementally, the optimizer merges compatible neighbors, and the
// Masker consults the frozen Set read-only through the lookup table.
package rules

import (
	"fmt"

	"github.com/google/uuid"

	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/seqrange"
)

// Type classifies what a keep rule preserves.
type Type string

const (
	// TypeTLSHeader preserves only the leading bytes of a TLS record.
	TypeTLSHeader Type = "tls_header"
	// TypeTLSFullRecord preserves a whole TLS record, header and body.
	TypeTLSFullRecord Type = "tls_full_record"
	// TypeNonTLSOpaque preserves an unclassified span under the keep-all
	// non-TLS policy.
	TypeNonTLSOpaque Type = "non_tls_opaque"
)

// Rule is one immutable keep instruction. Optimization never mutates a
// rule in place; merging produces a fresh Rule whose Origins retain the
// identifiers of the inputs for auditability.
type Rule struct {
	ID          uuid.UUID
	Flow        flow.Key
	Dir         flow.Direction
	Range       seqrange.Range
	Type        Type
	ContentType dissect.ContentType // zero for non-TLS rules
	Provenance  string              // merge history, e.g. "tls_header+tls_header"
	Origins     []uuid.UUID         // originating rule IDs after merging
}

// newRule stamps a fresh identity onto a keep instruction.
func newRule(key flow.Key, dir flow.Direction, rng seqrange.Range, typ Type, ct dissect.ContentType) Rule {
	id := uuid.New()
	return Rule{
		ID:          id,
		Flow:        key,
		Dir:         dir,
		Range:       rng,
		Type:        typ,
		ContentType: ct,
		Provenance:  string(typ),
		Origins:     []uuid.UUID{id},
	}
}

// streamKey indexes rules per flow/direction.
type streamKey struct {
	flow flow.Key
	dir  flow.Direction
}

// TypeCounts is the per-type rule tally of a Set.
type TypeCounts map[Type]int

// Set owns every keep rule for one capture file plus per-flow metadata.
// It is built by the Marker, optimized, then frozen before the Masker
// pass; a frozen Set rejects further writes.
type Set struct {
	streams map[streamKey][]Rule
	flows   map[flow.Key]*flow.Info

	frozen    bool
	optimized bool

	preservedBytes int64
	counts         TypeCounts
}

// NewSet creates an empty rule set.
func NewSet() *Set {
	return &Set{
		streams: make(map[streamKey][]Rule),
		flows:   make(map[flow.Key]*flow.Info),
		counts:  make(TypeCounts),
	}
}

// add inserts a rule. Only the generator calls this, pre-freeze.
func (s *Set) add(r Rule) error {
	if s.frozen {
		return fmt.Errorf("rule set is frozen")
	}
	key := streamKey{flow: r.Flow, dir: r.Dir}
	s.streams[key] = append(s.streams[key], r)
	s.optimized = false
	return nil
}

// TrackFlow registers or returns the metadata record for a flow.
func (s *Set) TrackFlow(key flow.Key, info func() *flow.Info) *flow.Info {
	if fi, ok := s.flows[key]; ok {
		return fi
	}
	fi := info()
	s.flows[key] = fi
	return fi
}

// Flow returns the metadata for a flow the Marker observed, or nil.
func (s *Set) Flow(key flow.Key) *flow.Info {
	return s.flows[key]
}

// FlowCount returns the number of distinct flows with rules or metadata.
func (s *Set) FlowCount() int {
	return len(s.flows)
}

// Freeze marks the set immutable. Must be called after optimization and
// before the masking pass.
func (s *Set) Freeze() {
	s.frozen = true
}

// Frozen reports whether the set accepts further rules.
func (s *Set) Frozen() bool {
	return s.frozen
}

// PreservedBytes is the total byte count covered by rules, computed at
// optimization time.
func (s *Set) PreservedBytes() int64 {
	return s.preservedBytes
}

// Counts returns per-type rule counts, computed at optimization time.
func (s *Set) Counts() TypeCounts {
	return s.counts
}

// RuleCount returns the number of rules across all streams.
func (s *Set) RuleCount() int {
	n := 0
	for _, rs := range s.streams {
		n += len(rs)
	}
	return n
}

// rulesFor returns the rule slice of one stream.
func (s *Set) rulesFor(key flow.Key, dir flow.Direction) []Rule {
	return s.streams[streamKey{flow: key, dir: dir}]
}
