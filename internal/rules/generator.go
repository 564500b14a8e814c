package rules

import (
	"fmt"

	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/reassembly"
	"grimm.is/capscrub/internal/seqrange"
)

// GenerationError is an internal consistency failure during rule
// generation. It is fatal for the file being processed: continuing could
// silently mask the wrong bytes.
type GenerationError struct {
	Flow   flow.Key
	Dir    flow.Direction
	Detail string
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("rule generation failed for %s/%s: %s", e.Flow, e.Dir, e.Detail)
}

// Generator turns reassembled records into keep rules under a policy.
// One rule per record; merging is strictly the optimizer's job.
type Generator struct {
	set    *Set
	policy Policy
	log    *logging.Logger

	// last complete TLS record per stream, for the boundary invariant.
	last map[streamKey]reassembly.Record
}

// NewGenerator creates a Generator writing into set.
func NewGenerator(set *Set, policy Policy, log *logging.Logger) *Generator {
	return &Generator{
		set:    set,
		policy: policy,
		log:    log.WithComponent("marker"),
		last:   make(map[streamKey]reassembly.Record),
	}
}

// OnRecord consumes one reassembled record.
func (g *Generator) OnRecord(rec reassembly.Record) error {
	if rec.Complete {
		return g.onComplete(rec)
	}
	return g.onOpaque(rec)
}

// onComplete applies the content-type policy to a full TLS record.
func (g *Generator) onComplete(rec reassembly.Record) error {
	key := streamKey{flow: rec.Flow, dir: rec.Dir}
	if err := g.checkBoundary(key, rec); err != nil {
		return err
	}
	g.last[key] = rec

	action := g.policy.ActionFor(rec.ContentType)
	switch action.Mode {
	case KeepAll:
		return g.set.add(newRule(rec.Flow, rec.Dir, rec.Range, TypeTLSFullRecord, rec.ContentType))
	case KeepHeaderOnly:
		n := uint32(action.HeaderBytes)
		if n > rec.Range.Len() {
			n = rec.Range.Len()
		}
		rng, err := seqrange.New(rec.Range.Start, rec.Range.Start+n)
		if err != nil {
			return &GenerationError{Flow: rec.Flow, Dir: rec.Dir, Detail: err.Error()}
		}
		return g.set.add(newRule(rec.Flow, rec.Dir, rng, TypeTLSHeader, rec.ContentType))
	default:
		return &GenerationError{Flow: rec.Flow, Dir: rec.Dir,
			Detail: fmt.Sprintf("unknown policy mode %q", action.Mode)}
	}
}

// onOpaque applies the non-TLS policy to abandoned records and
// unclassified spans.
func (g *Generator) onOpaque(rec reassembly.Record) error {
	if !rec.IsOpaque() {
		g.log.Debug("abandoned record treated as opaque",
			"flow", rec.Flow, "dir", rec.Dir, "type", rec.ContentType, "range", rec.Range)
	}
	if g.policy.NonTLS == NonTLSMaskAll {
		return nil
	}
	return g.set.add(newRule(rec.Flow, rec.Dir, rec.Range, TypeNonTLSOpaque, 0))
}

// checkBoundary enforces that two complete records sharing a packet abut
// exactly. An off-by-one in declared-length accounting here would make
// the masker preserve or zero the wrong bytes, so a violation aborts the
// file rather than producing corrupt output.
func (g *Generator) checkBoundary(key streamKey, rec reassembly.Record) error {
	prev, ok := g.last[key]
	if !ok || !sharePacket(prev.Packets, rec.Packets) {
		return nil
	}
	if rec.Range.Start != prev.Range.End {
		return &GenerationError{
			Flow: rec.Flow,
			Dir:  rec.Dir,
			Detail: fmt.Sprintf("records sharing a packet do not abut: previous ends at %d, next starts at %d",
				prev.Range.End, rec.Range.Start),
		}
	}
	return nil
}

// sharePacket reports whether the two packet span lists touch the same
// capture packet. Spans are ascending, so only the edges can coincide.
func sharePacket(a, b []int) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	return a[len(a)-1] == b[0]
}
