// Package seqrange models half-open intervals in raw TCP sequence-number
// space. All comparisons are wraparound-safe: a capture may legitimately
// cross the 2^32 boundary, so ordering is computed with modular distance
// rather than plain integer comparison.
package seqrange

import (
	"errors"
	"fmt"
)

// MaxSpan is the largest representable range length. A range spanning more
// than 2^31 sequence numbers is ambiguous under wraparound (it cannot be
// distinguished from its complement) and is rejected at construction.
const MaxSpan = uint32(1) << 31

// ErrMalformedRange is returned for empty ranges and ranges whose span
// exceeds MaxSpan.
var ErrMalformedRange = errors.New("malformed sequence range")

// Range is a half-open interval [Start, End) of TCP sequence numbers.
// End may be numerically smaller than Start when the interval crosses the
// 32-bit wrap.
type Range struct {
	Start uint32
	End   uint32
}

// New builds a Range and rejects empty or over-wide intervals.
func New(start, end uint32) (Range, error) {
	span := end - start
	if span == 0 {
		return Range{}, fmt.Errorf("%w: empty range at %d", ErrMalformedRange, start)
	}
	if span > MaxSpan {
		return Range{}, fmt.Errorf("%w: [%d,%d) spans %d (> 2^31)", ErrMalformedRange, start, end, span)
	}
	return Range{Start: start, End: end}, nil
}

// MustNew is New for statically known-good ranges; it panics on error.
func MustNew(start, end uint32) Range {
	r, err := New(start, end)
	if err != nil {
		panic(err)
	}
	return r
}

// Len returns the number of sequence numbers covered.
func (r Range) Len() uint32 {
	return r.End - r.Start
}

// Contains reports whether seq falls inside the range.
func (r Range) Contains(seq uint32) bool {
	return seq-r.Start < r.Len()
}

// Before reports whether sequence number a precedes b in modular order.
// The two must be within 2^31 of each other for the answer to be
// meaningful, which Range construction guarantees for range endpoints.
func Before(a, b uint32) bool {
	return int32(a-b) < 0
}

// seqMin returns the earlier of two sequence numbers in modular order.
func seqMin(a, b uint32) uint32 {
	if Before(a, b) {
		return a
	}
	return b
}

// seqMax returns the later of two sequence numbers in modular order.
func seqMax(a, b uint32) uint32 {
	if Before(a, b) {
		return b
	}
	return a
}

// Overlaps reports whether the two ranges share at least one sequence
// number.
func (r Range) Overlaps(o Range) bool {
	return r.Contains(o.Start) || o.Contains(r.Start)
}

// Adjacent reports whether o begins exactly where r ends or vice versa.
func (r Range) Adjacent(o Range) bool {
	return r.End == o.Start || o.End == r.Start
}

// Intersect returns the overlap of the two ranges. ok is false when they
// are disjoint.
func (r Range) Intersect(o Range) (Range, bool) {
	if !r.Overlaps(o) {
		return Range{}, false
	}
	start := seqMax(r.Start, o.Start)
	end := seqMin(r.End, o.End)
	if start == end {
		// Degenerate overlap can only arise from equal ranges of full
		// MaxSpan width, which construction forbids.
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// Merge returns the union of two ranges that overlap or are exactly
// adjacent. ok is false when they are disjoint with a gap, or when the
// union would exceed MaxSpan.
func (r Range) Merge(o Range) (Range, bool) {
	if !r.Overlaps(o) && !r.Adjacent(o) {
		return Range{}, false
	}
	start := seqMin(r.Start, o.Start)
	end := seqMax(r.End, o.End)
	merged, err := New(start, end)
	if err != nil {
		return Range{}, false
	}
	return merged, true
}

// Clip returns the part of r that falls inside bounds. ok is false when
// nothing of r is inside bounds.
func (r Range) Clip(bounds Range) (Range, bool) {
	return r.Intersect(bounds)
}

// String renders the range for logs.
func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}
