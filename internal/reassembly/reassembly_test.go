package reassembly

import (
	"encoding/binary"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/seqrange"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError})
}

func testFlow() (flow.Key, flow.Direction) {
	return flow.NewKey(
		netip.MustParseAddr("10.0.0.2"), 40000,
		netip.MustParseAddr("10.0.0.9"), 443)
}

// tlsRecord builds header+body bytes for one record.
func tlsRecord(ct dissect.ContentType, bodyLen int) []byte {
	b := make([]byte, dissect.HeaderLen+bodyLen)
	b[0] = byte(ct)
	b[1], b[2] = 0x03, 0x03
	binary.BigEndian.PutUint16(b[3:5], uint16(bodyLen))
	for i := dissect.HeaderLen; i < len(b); i++ {
		b[i] = 0xAA
	}
	return b
}

func pkt(num int, seq uint32, payload []byte) dissect.Packet {
	key, dir := testFlow()
	return dissect.Packet{
		Num:        num,
		Flow:       key,
		Dir:        dir,
		Seq:        seq,
		PayloadLen: len(payload),
		Records:    dissect.ScanRecords(payload),
		Timestamp:  time.Now(),
	}
}

func collect(t *testing.T) (*Reassembler, *[]Record) {
	t.Helper()
	var out []Record
	r := New(testLogger(), func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	return r, &out
}

func TestMultiRecordPacket(t *testing.T) {
	payload := append(tlsRecord(dissect.ContentApplicationData, 64),
		tlsRecord(dissect.ContentApplicationData, 32)...)
	require.Len(t, payload, 106)

	r, out := collect(t)
	require.NoError(t, r.Feed(pkt(1, 1000, payload)))
	require.NoError(t, r.Flush())

	require.Len(t, *out, 2)
	first, second := (*out)[0], (*out)[1]
	assert.True(t, first.Complete)
	assert.True(t, second.Complete)
	assert.Equal(t, seqrange.MustNew(1000, 1069), first.Range)
	assert.Equal(t, seqrange.MustNew(1069, 1106), second.Range)
	// Back-to-back records must leave no gap and no overlap.
	assert.Equal(t, first.Range.End, second.Range.Start)
}

func TestCrossSegmentRecord(t *testing.T) {
	full := tlsRecord(dissect.ContentHandshake, 4000)
	require.Len(t, full, 4005)

	r, out := collect(t)
	require.NoError(t, r.Feed(pkt(1, 5000, full[:1400])))
	require.NoError(t, r.Feed(pkt(2, 6400, full[1400:2800])))
	require.NoError(t, r.Feed(pkt(3, 7800, full[2800:])))
	require.NoError(t, r.Flush())

	require.Len(t, *out, 1)
	rec := (*out)[0]
	assert.True(t, rec.Complete)
	assert.Equal(t, dissect.ContentHandshake, rec.ContentType)
	assert.Equal(t, seqrange.MustNew(5000, 9005), rec.Range)
	assert.Equal(t, uint32(4005), rec.Range.Len())
	assert.Equal(t, []int{1, 2, 3}, rec.Packets)
}

func TestRetransmissionNotDoubleCounted(t *testing.T) {
	payload := tlsRecord(dissect.ContentApplicationData, 100)

	r, out := collect(t)
	require.NoError(t, r.Feed(pkt(1, 2000, payload)))
	require.NoError(t, r.Feed(pkt(2, 2000, payload))) // exact retransmission
	require.NoError(t, r.Flush())

	require.Len(t, *out, 1)
	assert.Equal(t, int64(1), r.Stats().Retransmissions)
	assert.Equal(t, int64(1), r.Stats().RecordsComplete)
}

func TestSequenceGapAbandonsRecord(t *testing.T) {
	full := tlsRecord(dissect.ContentHandshake, 1000)

	r, out := collect(t)
	require.NoError(t, r.Feed(pkt(1, 100, full[:105]))) // header + 100 body bytes
	// Gap: jump past the missing middle.
	require.NoError(t, r.Feed(pkt(2, 5000, []byte{0xDE, 0xAD, 0xBE, 0xEF})))
	require.NoError(t, r.Flush())

	require.Len(t, *out, 2)
	abandoned := (*out)[0]
	assert.False(t, abandoned.Complete)
	assert.Equal(t, dissect.ContentHandshake, abandoned.ContentType)
	assert.Equal(t, seqrange.MustNew(100, 205), abandoned.Range, "only bytes actually seen")

	opaque := (*out)[1]
	assert.True(t, opaque.IsOpaque())
	assert.Equal(t, seqrange.MustNew(5000, 5004), opaque.Range)
	assert.Equal(t, int64(1), r.Stats().SequenceGaps)
}

func TestOpaqueRunMergesAcrossPackets(t *testing.T) {
	junk := []byte("not tls at all..")

	r, out := collect(t)
	require.NoError(t, r.Feed(pkt(1, 300, junk)))
	require.NoError(t, r.Feed(pkt(2, 300+uint32(len(junk)), junk)))
	require.NoError(t, r.Flush())

	require.Len(t, *out, 1)
	rec := (*out)[0]
	assert.True(t, rec.IsOpaque())
	assert.Equal(t, seqrange.MustNew(300, 300+uint32(2*len(junk))), rec.Range)
	assert.Equal(t, []int{1, 2}, rec.Packets)
}

func TestOpaqueThenRecordInOnePacket(t *testing.T) {
	// Payload starts mid-something unrecognizable, then a clean record
	// begins. The builtin scanner only anchors at stacked offsets, so
	// simulate a dissector that reports the late hint directly.
	rec := tlsRecord(dissect.ContentAlert, 2)
	payload := append([]byte{0x00, 0x00, 0x00}, rec...)

	key, dir := testFlow()
	p := dissect.Packet{
		Num: 1, Flow: key, Dir: dir, Seq: 9000, PayloadLen: len(payload),
		Records: []dissect.RecordHint{{ContentType: dissect.ContentAlert, Length: 2, Offset: 3}},
	}

	r, out := collect(t)
	require.NoError(t, r.Feed(p))
	require.NoError(t, r.Flush())

	require.Len(t, *out, 2)
	assert.True(t, (*out)[0].IsOpaque())
	assert.Equal(t, seqrange.MustNew(9000, 9003), (*out)[0].Range)
	assert.True(t, (*out)[1].Complete)
	assert.Equal(t, seqrange.MustNew(9003, 9010), (*out)[1].Range)
}

func TestWrapAroundRecord(t *testing.T) {
	full := tlsRecord(dissect.ContentApplicationData, 64)
	start := uint32(0xFFFFFFF0)

	r, out := collect(t)
	require.NoError(t, r.Feed(pkt(1, start, full[:32])))
	require.NoError(t, r.Feed(pkt(2, start+32, full[32:])))
	require.NoError(t, r.Flush())

	require.Len(t, *out, 1)
	rec := (*out)[0]
	assert.True(t, rec.Complete)
	assert.Equal(t, start, rec.Range.Start)
	assert.Equal(t, start+69, rec.Range.End, "end wraps past zero")
	assert.Equal(t, uint32(69), rec.Range.Len())
}
