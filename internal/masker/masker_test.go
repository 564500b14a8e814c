package masker

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/capscrub/internal/capio"
	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/reassembly"
	"grimm.is/capscrub/internal/rules"
	"grimm.is/capscrub/internal/testutil"
)

// buildSet runs the analysis wiring over a capture and returns the
// frozen rule set plus its lookup index.
func buildSet(t *testing.T, path string, policy rules.Policy) (*rules.Set, *rules.Lookup) {
	t.Helper()
	log := testutil.Logger(t)

	set := rules.NewSet()
	gen := rules.NewGenerator(set, policy, log)
	reasm := reassembly.New(log, gen.OnRecord)

	d := dissect.NewBuiltin(log)
	err := d.Dissect(context.Background(), path, func(pkt dissect.Packet) error {
		info := set.TrackFlow(pkt.Flow, func() *flow.Info {
			return flow.NewInfo(pkt.Flow, pkt.Timestamp)
		})
		info.NotePacket(pkt.Dir, pkt.PayloadLen, pkt.Timestamp)
		return reasm.Feed(pkt)
	})
	require.NoError(t, err)
	require.NoError(t, reasm.Flush())
	require.NoError(t, set.Optimize())
	set.Freeze()

	lookup, err := rules.NewLookup(set)
	require.NoError(t, err)
	return set, lookup
}

func mask(t *testing.T, inPath string, policy rules.Policy) string {
	t.Helper()
	set, lookup := buildSet(t, inPath, policy)
	return maskWith(t, inPath, set, lookup)
}

func maskWith(t *testing.T, inPath string, set *rules.Set, lookup *rules.Lookup) string {
	t.Helper()
	m, err := New(set, lookup, Options{VerifyChecksums: true}, testutil.Logger(t))
	require.NoError(t, err)

	outPath := filepath.Join(t.TempDir(), "out.pcap")
	_, err = m.Apply(context.Background(), inPath, outPath)
	require.NoError(t, err)
	return outPath
}

func readPayloads(t *testing.T, path string) [][]byte {
	t.Helper()
	in, err := capio.Open(path)
	require.NoError(t, err)
	defer in.Close()

	var out [][]byte
	for {
		data, _, err := in.ReadPacketData()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		view, ok := dissect.ParseTCP(data, in.LinkType())
		require.True(t, ok)
		out = append(out, append([]byte(nil), view.Payload...))
	}
	return out
}

func keepAllPolicy() rules.Policy {
	p := rules.DefaultPolicy()
	for ct := range p.Content {
		p.Content[ct] = rules.Action{Mode: rules.KeepAll}
	}
	p.NonTLS = rules.NonTLSKeepAll
	return p
}

func TestHeaderOnlyMasksApplicationData(t *testing.T) {
	body := bytes.Repeat([]byte{0xAB}, 48)
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: testutil.TLSRecord(23, body)},
	})

	out := mask(t, in, rules.DefaultPolicy())

	inInfo, err := os.Stat(in)
	require.NoError(t, err)
	outInfo, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, inInfo.Size(), outInfo.Size())

	payloads := readPayloads(t, out)
	require.Len(t, payloads, 1)
	got := payloads[0]
	require.Len(t, got, 5+48)
	assert.Equal(t, []byte{23, 0x03, 0x03, 0, 48}, got[:5])
	assert.Equal(t, make([]byte, 48), got[5:])
}

func TestKeepAllIsByteIdentical(t *testing.T) {
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: testutil.TLSRecord(22, bytes.Repeat([]byte{0x11}, 64))},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1069, Payload: testutil.TLSRecord(23, bytes.Repeat([]byte{0x22}, 32))},
	})

	out := mask(t, in, keepAllPolicy())

	want, err := os.ReadFile(in)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "keep-all output must match input byte for byte")
}

func TestEmptyRuleSetPassesEverythingThrough(t *testing.T) {
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: testutil.TLSRecord(23, bytes.Repeat([]byte{0x5A}, 40))},
	})

	// A set with no tracked flows treats every packet as unobserved.
	set := rules.NewSet()
	require.NoError(t, set.Optimize())
	set.Freeze()
	lookup, err := rules.NewLookup(set)
	require.NoError(t, err)

	out := maskWith(t, in, set, lookup)

	want, _ := os.ReadFile(in)
	got, _ := os.ReadFile(out)
	assert.True(t, bytes.Equal(want, got))
}

func TestNonTLSMaskAllZeroesPayload(t *testing.T) {
	payload := []byte("GET /secret HTTP/1.1\r\nHost: internal\r\n\r\n")
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 80,
			Seq: 500, Payload: payload},
	})

	p := rules.DefaultPolicy()
	p.NonTLS = rules.NonTLSMaskAll
	out := mask(t, in, p)

	payloads := readPayloads(t, out)
	require.Len(t, payloads, 1)
	assert.Equal(t, make([]byte, len(payload)), payloads[0])
}

func TestMultiRecordPacketKeepsBothHeaders(t *testing.T) {
	rec1 := testutil.TLSRecord(23, bytes.Repeat([]byte{0x01}, 64))
	rec2 := testutil.TLSRecord(23, bytes.Repeat([]byte{0x02}, 32))
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: append(append([]byte{}, rec1...), rec2...)},
	})

	out := mask(t, in, rules.DefaultPolicy())

	payloads := readPayloads(t, out)
	require.Len(t, payloads, 1)
	got := payloads[0]

	assert.Equal(t, rec1[:5], got[:5])
	assert.Equal(t, make([]byte, 64), got[5:69])
	assert.Equal(t, rec2[:5], got[69:74])
	assert.Equal(t, make([]byte, 32), got[74:])
}

func TestCrossSegmentHandshakePreservedPerPacket(t *testing.T) {
	// One 4000-byte handshake record split 1400/1400/1200 across three
	// segments. The single keep rule only partially covers each packet,
	// so every copy-back clips to the packet's own bounds.
	rec := testutil.TLSRecord(22, bytes.Repeat([]byte{0xC4}, 3995))
	require.Len(t, rec, 4000)
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: rec[:1400]},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 2400, Payload: rec[1400:2800]},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 3800, Payload: rec[2800:]},
	})

	out := mask(t, in, rules.DefaultPolicy())

	payloads := readPayloads(t, out)
	require.Len(t, payloads, 3)
	assert.Equal(t, rec[:1400], payloads[0])
	assert.Equal(t, rec[1400:2800], payloads[1])
	assert.Equal(t, rec[2800:], payloads[2])
}

func TestVLANTaggedPacketIsMasked(t *testing.T) {
	body := bytes.Repeat([]byte{0xCC}, 24)
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: testutil.TLSRecord(23, body), VLAN: 100},
	})

	out := mask(t, in, rules.DefaultPolicy())

	payloads := readPayloads(t, out)
	require.Len(t, payloads, 1)
	assert.Equal(t, byte(23), payloads[0][0])
	assert.Equal(t, make([]byte, 24), payloads[0][5:])
}

func TestMaskingIsIdempotent(t *testing.T) {
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: testutil.TLSRecord(22, bytes.Repeat([]byte{0x33}, 80))},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1085, Payload: testutil.TLSRecord(23, bytes.Repeat([]byte{0x44}, 50))},
	})

	first := mask(t, in, rules.DefaultPolicy())
	second := mask(t, first, rules.DefaultPolicy())

	want, err := os.ReadFile(first)
	require.NoError(t, err)
	got, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "masking a masked file must be a no-op")
}

func TestCancelledContextRemovesPartialOutput(t *testing.T) {
	in := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 1000, Payload: testutil.TLSRecord(23, bytes.Repeat([]byte{0x55}, 16))},
	})
	set, lookup := buildSet(t, in, rules.DefaultPolicy())
	m, err := New(set, lookup, Options{ChunkSize: 1}, testutil.Logger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outPath := filepath.Join(t.TempDir(), "out.pcap")
	_, err = m.Apply(ctx, in, outPath)
	require.Error(t, err)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "partial output must be removed")
}

func TestRequiresFrozenSet(t *testing.T) {
	_, err := New(rules.NewSet(), nil, Options{}, testutil.Logger(t))
	require.Error(t, err)
}
