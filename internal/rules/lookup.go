package rules

import (
	"fmt"
	"sort"

	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/seqrange"
)

// streamIndex holds one stream's optimized rules anchored at a base
// sequence number so binary search works across the 32-bit wrap.
type streamIndex struct {
	base  uint32
	rules []Rule // sorted by (Start - base), pairwise non-overlapping
}

// Lookup answers range-intersection queries against a frozen Set. Built
// once after optimization; read-only afterwards, so it is safe to share
// across the masking pass without locking.
type Lookup struct {
	streams map[streamKey]streamIndex
}

// NewLookup indexes an optimized, frozen rule set.
func NewLookup(s *Set) (*Lookup, error) {
	if !s.optimized {
		return nil, fmt.Errorf("lookup requires an optimized rule set")
	}
	if !s.frozen {
		return nil, fmt.Errorf("lookup requires a frozen rule set")
	}
	l := &Lookup{streams: make(map[streamKey]streamIndex, len(s.streams))}
	for key, rs := range s.streams {
		if len(rs) == 0 {
			continue
		}
		l.streams[key] = streamIndex{base: rs[0].Range.Start, rules: rs}
	}
	return l, nil
}

// Intersecting returns every rule of (key, dir) whose range shares at
// least one byte with q, in stream order. A single packet payload can
// intersect several rules, e.g. a header keep followed by the next
// record's full keep.
func (l *Lookup) Intersecting(key flow.Key, dir flow.Direction, q seqrange.Range) []Rule {
	idx, ok := l.streams[streamKey{flow: key, dir: dir}]
	if !ok {
		return nil
	}
	relStart := q.Start - idx.base
	relEnd := relStart + q.Len()
	if int32(relStart) < 0 {
		// The payload begins before the stream's first rule. Clamp to the
		// base so the search still sees rules inside the query; without
		// this the unsigned offset wraps huge and every rule is skipped.
		if int32(relEnd) <= 0 {
			return nil
		}
		relStart = 0
	}

	// First rule whose end lies past the query start. Ends are ascending
	// because the rules are sorted and disjoint.
	i := sort.Search(len(idx.rules), func(i int) bool {
		r := idx.rules[i].Range
		return r.End-idx.base > relStart
	})

	var out []Rule
	for ; i < len(idx.rules); i++ {
		r := idx.rules[i].Range
		if r.Start-idx.base >= relEnd {
			break
		}
		out = append(out, idx.rules[i])
	}
	return out
}

// HasStream reports whether any rules exist for the given stream.
func (l *Lookup) HasStream(key flow.Key, dir flow.Direction) bool {
	_, ok := l.streams[streamKey{flow: key, dir: dir}]
	return ok
}
