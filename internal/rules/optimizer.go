package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"grimm.is/capscrub/internal/seqrange"
)

// ErrRuleOverlap signals that optimization produced overlapping rules
// for one flow/direction. This is an internal bug, fatal for the file:
// overlapping rules would make masking ambiguous.
var ErrRuleOverlap = errors.New("keep rules overlap after optimization")

// Optimize sorts each stream's rules and merges consecutive rules that
// overlap or abut exactly and share the same type. Merging across
// different types is forbidden: a merged range of mixed provenance would
// misrepresent record boundaries. The result is validated; a violated
// invariant aborts the file.
func (s *Set) Optimize() error {
	if s.frozen {
		return fmt.Errorf("cannot optimize a frozen rule set")
	}

	s.preservedBytes = 0
	s.counts = make(TypeCounts)

	for key, rs := range s.streams {
		if len(rs) == 0 {
			continue
		}
		sortStream(rs)
		merged := mergeStream(rs)
		if err := validateStream(key, merged); err != nil {
			return err
		}
		s.streams[key] = merged
		for _, r := range merged {
			s.preservedBytes += int64(r.Range.Len())
			s.counts[r.Type]++
		}
	}
	s.optimized = true
	return nil
}

// sortStream orders rules by modular sequence position. All ranges of
// one stream fit inside a window narrower than 2^31 (enforced at range
// construction), so pairwise Before comparisons are consistent once
// anchored at the earliest start.
func sortStream(rs []Rule) {
	base := rs[0].Range.Start
	for _, r := range rs[1:] {
		if seqrange.Before(r.Range.Start, base) {
			base = r.Range.Start
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		return rs[i].Range.Start-base < rs[j].Range.Start-base
	})
}

// mergeStream collapses runs of same-type overlapping/adjacent rules
// into fresh provenance-carrying rules.
func mergeStream(rs []Rule) []Rule {
	out := make([]Rule, 0, len(rs))
	cur := rs[0]

	for _, next := range rs[1:] {
		if cur.Type == next.Type && (cur.Range.Overlaps(next.Range) || cur.Range.End == next.Range.Start) {
			if m, ok := cur.Range.Merge(next.Range); ok {
				cur = mergeRules(cur, next, m)
				continue
			}
		}
		out = append(out, cur)
		cur = next
	}
	out = append(out, cur)
	return out
}

// mergeRules builds the merged rule for a + b covering rng.
func mergeRules(a, b Rule, rng seqrange.Range) Rule {
	ct := a.ContentType
	if b.ContentType != ct {
		ct = 0
	}
	return Rule{
		ID:          uuid.New(),
		Flow:        a.Flow,
		Dir:         a.Dir,
		Range:       rng,
		Type:        a.Type,
		ContentType: ct,
		Provenance:  a.Provenance + "+" + b.Provenance,
		Origins:     append(append([]uuid.UUID{}, a.Origins...), b.Origins...),
	}
}

// validateStream asserts the post-optimization class invariant: sorted,
// non-empty, pairwise non-overlapping ranges.
func validateStream(key streamKey, rs []Rule) error {
	for i, r := range rs {
		if r.Range.Len() == 0 {
			return fmt.Errorf("%w: empty rule %s in %s/%s", ErrRuleOverlap, r.ID, key.flow, key.dir)
		}
		if i == 0 {
			continue
		}
		prev := rs[i-1]
		if prev.Range.Overlaps(r.Range) {
			return fmt.Errorf("%w: %s %v and %s %v in %s/%s",
				ErrRuleOverlap, prev.ID, prev.Range, r.ID, r.Range, key.flow, key.dir)
		}
	}
	return nil
}

// Validate re-checks the whole set's invariant. Exposed for the pipeline
// to assert once more right before freezing.
func (s *Set) Validate() error {
	if !s.optimized {
		return fmt.Errorf("rule set validated before optimization")
	}
	for key, rs := range s.streams {
		if err := validateStream(key, rs); err != nil {
			return err
		}
	}
	return nil
}
