// Package masker performs the second pass over a capture: it re-reads
// the original packets, zeroes every TCP payload byte not covered by a
// keep rule, recomputes checksums, and writes a length-identical output
// capture. The rule set is frozen before this pass starts; the masker
// only reads it.
package masker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"

	"grimm.is/capscrub/internal/capio"
	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/rules"
	"grimm.is/capscrub/internal/seqrange"
	"grimm.is/capscrub/internal/stats"
)

// ChecksumError reports a packet whose recomputed checksum failed
// verification. Fatal for the file: a silently inconsistent packet must
// never be emitted.
type ChecksumError struct {
	Packet int
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("checksum recomputation failed for packet %d", e.Packet)
}

// Options tunes one masking pass.
type Options struct {
	// ChunkSize is how many packets are processed between cancellation
	// checks and resource samples.
	ChunkSize int
	// VerifyChecksums re-validates every rewritten checksum.
	VerifyChecksums bool
	// Tracker, when set, receives resource samples between chunks.
	Tracker *stats.Tracker
}

// Masker applies a frozen rule set to a capture file.
type Masker struct {
	set    *rules.Set
	lookup *rules.Lookup
	opts   Options
	log    *logging.Logger
}

// New builds a Masker over a frozen, optimized rule set.
func New(set *rules.Set, lookup *rules.Lookup, opts Options, log *logging.Logger) (*Masker, error) {
	if !set.Frozen() {
		return nil, fmt.Errorf("masker requires a frozen rule set")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	return &Masker{set: set, lookup: lookup, opts: opts, log: log.WithComponent("masker")}, nil
}

// Apply reads inPath and writes the sanitized capture to outPath. On any
// error (including cancellation) the partial output is removed, never
// left behind as an apparent success.
func (m *Masker) Apply(ctx context.Context, inPath, outPath string) (stats.MaskingStats, error) {
	start := time.Now()
	var st stats.MaskingStats

	in, err := capio.Open(inPath)
	if err != nil {
		return st, err
	}
	defer in.Close()

	out, err := capio.Create(outPath, in.Format, in.LinkType(), 0)
	if err != nil {
		return st, err
	}

	if err := m.run(ctx, in, out, &st); err != nil {
		out.Discard()
		return st, err
	}
	if err := out.Close(); err != nil {
		out.Discard()
		return st, fmt.Errorf("finalize %s: %w", outPath, err)
	}

	st.Duration = time.Since(start)
	m.log.Info("masking pass complete",
		"file", inPath,
		"packets", st.PacketsProcessed,
		"modified", st.PacketsModified,
		"bytes_masked", st.BytesMasked,
		"bytes_preserved", st.BytesPreserved)
	return st, nil
}

func (m *Masker) run(ctx context.Context, in *capio.File, out *capio.OutFile, st *stats.MaskingStats) error {
	num := 0
	for {
		if num%m.opts.ChunkSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if m.opts.Tracker != nil {
				m.opts.Tracker.Sample(st.PacketsProcessed)
			}
		}

		data, ci, err := in.ReadPacketData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet %d: %w", num+1, err)
		}
		num++
		st.PacketsProcessed++

		if err := m.maskPacket(num, data, in.LinkType(), st); err != nil {
			return err
		}
		if err := out.WritePacket(ci, data); err != nil {
			return fmt.Errorf("write packet %d: %w", num, err)
		}
	}
}

// maskPacket rewrites one packet's TCP payload in place. Packets that
// are not TCP, carry no payload, or belong to flows the marker never
// observed pass through byte-identical.
func (m *Masker) maskPacket(num int, data []byte, lt layers.LinkType, st *stats.MaskingStats) error {
	view, ok := dissect.ParseTCP(data, lt)
	if !ok || len(view.Payload) == 0 {
		return nil
	}
	if m.set.Flow(view.Flow) == nil {
		return nil
	}

	payload := view.Payload
	bounds, err := seqrange.New(view.Seq, view.Seq+uint32(len(payload)))
	if err != nil {
		// A payload can never span 2^31 bytes; this is unreachable with
		// a sane capture and treated as pass-through.
		m.log.Warn("skipping packet with malformed payload range", "packet", num, "err", err)
		return nil
	}

	// Default every byte to zero, then copy back only rule-covered
	// spans, each clipped to this packet's own bounds.
	scratch := make([]byte, len(payload))
	preserved := 0
	for _, r := range m.lookup.Intersecting(view.Flow, view.Dir, bounds) {
		clip, ok := r.Range.Clip(bounds)
		if !ok {
			continue
		}
		off := clip.Start - bounds.Start
		n := clip.Len()
		copy(scratch[off:off+n], payload[off:off+n])
		preserved += int(n)
	}

	st.BytesPreserved += int64(preserved)
	st.BytesMasked += int64(len(payload) - preserved)

	if bytes.Equal(scratch, payload) {
		return nil
	}
	copy(payload, scratch)
	st.PacketsModified++

	segment := view.Segment()
	patchTCPChecksum(view.SrcIP, view.DstIP, segment)
	if m.opts.VerifyChecksums && !verifyTCPChecksum(view.SrcIP, view.DstIP, segment) {
		return &ChecksumError{Packet: num}
	}
	return nil
}
