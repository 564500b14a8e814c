package pipeline

import (
	"context"
	"fmt"
	"time"

	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/reassembly"
	"grimm.is/capscrub/internal/rules"
	"grimm.is/capscrub/internal/stats"
)

// Marker runs the analysis pass: dissect a capture, reassemble TLS
// records per stream, and turn them into an optimized, frozen rule set.
type Marker struct {
	dissector dissect.Dissector
	policy    rules.Policy
	log       *logging.Logger
}

// NewMarker wires a dissector and a keep policy into an analysis pass.
func NewMarker(d dissect.Dissector, policy rules.Policy, log *logging.Logger) *Marker {
	return &Marker{dissector: d, policy: policy, log: log.WithComponent("marker")}
}

// Analyze walks one capture and returns its frozen rule set. The set is
// ready for lookup construction; no further rules can be added.
func (m *Marker) Analyze(ctx context.Context, path string) (*rules.Set, stats.MarkerStats, error) {
	start := time.Now()
	set := rules.NewSet()
	gen := rules.NewGenerator(set, m.policy, m.log)
	reasm := reassembly.New(m.log, gen.OnRecord)

	err := m.dissector.Dissect(ctx, path, func(pkt dissect.Packet) error {
		info := set.TrackFlow(pkt.Flow, func() *flow.Info {
			return flow.NewInfo(pkt.Flow, pkt.Timestamp)
		})
		info.NotePacket(pkt.Dir, pkt.PayloadLen, pkt.Timestamp)
		return reasm.Feed(pkt)
	})
	if err != nil {
		return nil, stats.MarkerStats{}, err
	}
	if err := reasm.Flush(); err != nil {
		return nil, stats.MarkerStats{}, fmt.Errorf("flushing streams: %w", err)
	}

	if err := set.Optimize(); err != nil {
		return nil, stats.MarkerStats{}, fmt.Errorf("optimizing rules: %w", err)
	}
	if err := set.Validate(); err != nil {
		return nil, stats.MarkerStats{}, fmt.Errorf("validating rules: %w", err)
	}
	set.Freeze()

	rs := reasm.Stats()
	ms := stats.MarkerStats{
		Flows:            set.FlowCount(),
		Rules:            set.RuleCount(),
		RecordsComplete:  rs.RecordsComplete,
		RecordsAbandoned: rs.RecordsAbandoned,
		OpaqueSpans:      rs.OpaqueSpans,
		Retransmissions:  rs.Retransmissions,
		SequenceGaps:     rs.SequenceGaps,
		Duration:         time.Since(start),
	}
	m.log.Info("analysis complete", "file", path,
		"flows", ms.Flows, "rules", ms.Rules,
		"records", ms.RecordsComplete, "abandoned", ms.RecordsAbandoned,
		"retransmissions", ms.Retransmissions)
	return set, ms, nil
}
