// Package reassembly stitches TLS records back together from per-packet
// dissection facts. A record may span several TCP segments; the
// reassembler tracks a small state machine per flow/direction and emits
// one Record per logical TLS record, plus opaque spans for bytes it
// could not classify. Packets must be fed in capture order.
package reassembly

import (
	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/seqrange"
)

// maxOpaqueSpan caps a single opaque run so the emitted range never
// approaches the 2^31 wraparound ambiguity limit.
const maxOpaqueSpan = uint32(1) << 30

// maxSeenSegments bounds the per-stream retransmission table.
const maxSeenSegments = 1 << 16

// Record is one reassembled unit: either a TLS record (Complete or
// abandoned mid-accumulation) or an opaque non-TLS span. Range is in
// absolute sequence-number space and covers header plus declared body
// for TLS records.
type Record struct {
	Flow        flow.Key
	Dir         flow.Direction
	Range       seqrange.Range
	ContentType dissect.ContentType // zero for opaque spans
	DeclaredLen int                 // body length from the header, zero for opaque
	Complete    bool                // true only for fully accumulated TLS records
	Packets     []int               // capture numbers that contributed bytes
}

// IsOpaque reports whether the record carries no TLS classification.
func (r Record) IsOpaque() bool {
	return r.ContentType == 0
}

// Stats counts reassembly events for diagnostics.
type Stats struct {
	RecordsComplete  int64
	RecordsAbandoned int64
	OpaqueSpans      int64
	Retransmissions  int64
	SequenceGaps     int64
	MalformedHints   int64
}

type segKey struct {
	seq uint32
	len int
}

// pending is a TLS record whose header has been seen but whose declared
// body is not fully accumulated yet.
type pending struct {
	start       uint32
	contentType dissect.ContentType
	declared    int
	got         uint32 // bytes accumulated so far, header included
	packets     []int
}

func (p *pending) total() uint32 {
	return uint32(dissect.HeaderLen + p.declared)
}

// streamState is the per-(flow,direction) accumulator.
type streamState struct {
	started     bool
	expected    uint32 // next sequence number we expect to consume
	rec         *pending
	opaqueStart *uint32
	opaqueEnd   uint32
	opaquePkts  []int
	seen        map[segKey]struct{}
}

type streamKey struct {
	flow flow.Key
	dir  flow.Direction
}

// Reassembler drives stream states for all flows of one capture file and
// emits Records through a callback. Not safe for concurrent use; the
// pipeline feeds it from a single goroutine in capture order.
type Reassembler struct {
	streams map[streamKey]*streamState
	emit    func(Record) error
	log     *logging.Logger
	stats   Stats
}

// New creates a Reassembler emitting into the given callback.
func New(log *logging.Logger, emit func(Record) error) *Reassembler {
	return &Reassembler{
		streams: make(map[streamKey]*streamState),
		emit:    emit,
		log:     log.WithComponent("reassembly"),
	}
}

// Stats returns counters accumulated so far.
func (r *Reassembler) Stats() Stats {
	return r.stats
}

// Feed consumes one dissected packet.
func (r *Reassembler) Feed(pkt dissect.Packet) error {
	if pkt.PayloadLen <= 0 {
		return nil
	}
	key := streamKey{flow: pkt.Flow, dir: pkt.Dir}
	st := r.streams[key]
	if st == nil {
		st = &streamState{seen: make(map[segKey]struct{})}
		r.streams[key] = st
	}

	// Exact (seq, len) duplicates are retransmissions: drop so the same
	// span is never accounted twice.
	sk := segKey{seq: pkt.Seq, len: pkt.PayloadLen}
	if _, dup := st.seen[sk]; dup {
		r.stats.Retransmissions++
		return nil
	}
	if len(st.seen) >= maxSeenSegments {
		st.seen = make(map[segKey]struct{})
	}
	st.seen[sk] = struct{}{}

	if !st.started {
		st.started = true
		st.expected = pkt.Seq
	} else if pkt.Seq != st.expected {
		segEnd := pkt.Seq + uint32(pkt.PayloadLen)
		if !seqrange.Before(st.expected, segEnd) {
			// Entirely old data not caught by the exact-duplicate check.
			r.stats.Retransmissions++
			return nil
		}
		// Gap (or partial overlap): abandon any in-progress record and
		// restart scanning at this packet.
		r.stats.SequenceGaps++
		if err := r.breakStream(key, st); err != nil {
			return err
		}
		st.expected = pkt.Seq
	}

	return r.consume(key, st, pkt)
}

// consume walks the payload byte range, attributing bytes to the pending
// record or to opaque runs, and starting new records at hint offsets.
func (r *Reassembler) consume(key streamKey, st *streamState, pkt dissect.Packet) error {
	plen := pkt.PayloadLen
	off := 0
	for off < plen {
		if st.rec != nil {
			need := int(st.rec.total() - st.rec.got)
			take := plen - off
			if take > need {
				take = need
			}
			st.rec.got += uint32(take)
			st.rec.packets = appendPacket(st.rec.packets, pkt.Num)
			off += take
			if st.rec.got == st.rec.total() {
				if err := r.emitComplete(key, st); err != nil {
					return err
				}
			}
			continue
		}

		hint, ok := hintAt(pkt.Records, off)
		if !ok {
			// No record starts here: the bytes up to the next hint (or
			// the payload end) are opaque.
			next := nextHintOffset(pkt.Records, off)
			if next < 0 || next > plen {
				next = plen
			}
			if err := r.extendOpaque(key, st, pkt, off, next); err != nil {
				return err
			}
			off = next
			continue
		}

		if !hint.ContentType.IsValid() || hint.Length <= 0 || hint.Length > dissect.MaxRecordLen {
			// Inconsistent header from the dissector: treat the byte as
			// opaque and keep scanning. Never promoted to a record.
			r.stats.MalformedHints++
			r.log.Debug("malformed record hint",
				"flow", key.flow, "dir", key.dir, "packet", pkt.Num, "offset", off)
			if err := r.extendOpaque(key, st, pkt, off, off+1); err != nil {
				return err
			}
			off++
			continue
		}

		if err := r.closeOpaque(key, st); err != nil {
			return err
		}
		st.rec = &pending{
			start:       pkt.Seq + uint32(off),
			contentType: hint.ContentType,
			declared:    hint.Length,
		}
	}
	st.expected = pkt.Seq + uint32(plen)
	return nil
}

// extendOpaque attributes payload bytes [from, to) of pkt to the current
// opaque run, opening one if needed.
func (r *Reassembler) extendOpaque(key streamKey, st *streamState, pkt dissect.Packet, from, to int) error {
	if to <= from {
		return nil
	}
	start := pkt.Seq + uint32(from)
	if st.opaqueStart == nil {
		s := start
		st.opaqueStart = &s
		st.opaquePkts = nil
	}
	st.opaquePkts = appendPacket(st.opaquePkts, pkt.Num)

	st.opaqueEnd = pkt.Seq + uint32(to)
	if st.opaqueEnd-*st.opaqueStart >= maxOpaqueSpan {
		if err := r.flushOpaque(key, st, st.opaqueEnd); err != nil {
			return err
		}
	}
	return nil
}

// closeOpaque emits the current opaque run, if any.
func (r *Reassembler) closeOpaque(key streamKey, st *streamState) error {
	if st.opaqueStart == nil {
		return nil
	}
	return r.flushOpaque(key, st, st.opaqueEnd)
}

func (r *Reassembler) flushOpaque(key streamKey, st *streamState, end uint32) error {
	start := *st.opaqueStart
	pkts := st.opaquePkts
	st.opaqueStart = nil
	st.opaquePkts = nil
	if end == start {
		return nil
	}
	rng, err := seqrange.New(start, end)
	if err != nil {
		return err
	}
	r.stats.OpaqueSpans++
	return r.emit(Record{
		Flow:    key.flow,
		Dir:     key.dir,
		Range:   rng,
		Packets: pkts,
	})
}

// emitComplete finishes the pending record of st.
func (r *Reassembler) emitComplete(key streamKey, st *streamState) error {
	rec := st.rec
	st.rec = nil
	rng, err := seqrange.New(rec.start, rec.start+rec.total())
	if err != nil {
		return err
	}
	r.stats.RecordsComplete++
	return r.emit(Record{
		Flow:        key.flow,
		Dir:         key.dir,
		Range:       rng,
		ContentType: rec.contentType,
		DeclaredLen: rec.declared,
		Complete:    true,
		Packets:     rec.packets,
	})
}

// breakStream abandons the in-progress record and closes the opaque run,
// called on sequence gaps and at end of stream. Abandoned record bytes
// are downgraded to an opaque span covering only what was actually seen.
func (r *Reassembler) breakStream(key streamKey, st *streamState) error {
	if st.rec != nil {
		rec := st.rec
		st.rec = nil
		r.stats.RecordsAbandoned++
		r.log.Debug("abandoning incomplete record",
			"flow", key.flow, "dir", key.dir,
			"type", rec.contentType, "declared", rec.declared, "got", rec.got)
		if rec.got > 0 {
			rng, err := seqrange.New(rec.start, rec.start+rec.got)
			if err != nil {
				return err
			}
			if err := r.emit(Record{
				Flow:        key.flow,
				Dir:         key.dir,
				Range:       rng,
				ContentType: rec.contentType,
				DeclaredLen: rec.declared,
				Complete:    false,
				Packets:     rec.packets,
			}); err != nil {
				return err
			}
		}
	}
	return r.closeOpaque(key, st)
}

// Flush ends all streams, abandoning whatever is still in progress. Call
// once after the last packet of the capture.
func (r *Reassembler) Flush() error {
	for key, st := range r.streams {
		if err := r.breakStream(key, st); err != nil {
			return err
		}
	}
	return nil
}

// hintAt finds the record hint that starts exactly at off.
func hintAt(hints []dissect.RecordHint, off int) (dissect.RecordHint, bool) {
	for _, h := range hints {
		if h.Offset == off {
			return h, true
		}
	}
	return dissect.RecordHint{}, false
}

// nextHintOffset returns the smallest hint offset greater than off, or -1.
func nextHintOffset(hints []dissect.RecordHint, off int) int {
	next := -1
	for _, h := range hints {
		if h.Offset > off && (next < 0 || h.Offset < next) {
			next = h.Offset
		}
	}
	return next
}

func appendPacket(pkts []int, num int) []int {
	if n := len(pkts); n > 0 && pkts[n-1] == num {
		return pkts
	}
	return append(pkts, num)
}
