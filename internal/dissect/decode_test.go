package dissect

import (
	"bytes"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/testutil"
)

func TestParseTCPEthernet(t *testing.T) {
	payload := record(23, bytes.Repeat([]byte{0xEE}, 30))
	data := testutil.Frame(t, testutil.Segment{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2",
		SrcPort: 40000, DstPort: 443,
		Seq: 12345, Payload: payload,
	})

	view, ok := ParseTCP(data, layers.LinkTypeEthernet)
	require.True(t, ok)
	assert.Equal(t, uint32(12345), view.Seq)
	assert.Equal(t, payload, view.Payload)
	assert.Equal(t, flow.Forward, view.Dir)
	assert.False(t, view.IsIPv6)
	assert.Equal(t, 0, view.VLANCount)
}

func TestParseTCPReverseDirection(t *testing.T) {
	data := testutil.Frame(t, testutil.Segment{
		SrcIP: "10.0.0.2", DstIP: "10.0.0.1",
		SrcPort: 443, DstPort: 40000,
		Seq: 777, Payload: []byte{0x01},
	})

	view, ok := ParseTCP(data, layers.LinkTypeEthernet)
	require.True(t, ok)
	assert.Equal(t, flow.Reverse, view.Dir)
}

func TestParseTCPVLAN(t *testing.T) {
	payload := record(22, make([]byte, 16))
	data := testutil.Frame(t, testutil.Segment{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2",
		SrcPort: 40000, DstPort: 443,
		Seq: 99, Payload: payload, VLAN: 42,
	})

	view, ok := ParseTCP(data, layers.LinkTypeEthernet)
	require.True(t, ok)
	assert.Equal(t, 1, view.VLANCount)
	assert.Equal(t, payload, view.Payload)
}

func TestParseTCPRejectsGarbage(t *testing.T) {
	_, ok := ParseTCP(bytes.Repeat([]byte{0x00}, 20), layers.LinkTypeEthernet)
	assert.False(t, ok)

	_, ok = ParseTCP(nil, layers.LinkTypeEthernet)
	assert.False(t, ok)
}

func TestSegmentAliasesPacketData(t *testing.T) {
	payload := record(23, make([]byte, 10))
	data := testutil.Frame(t, testutil.Segment{
		SrcIP: "10.0.0.1", DstIP: "10.0.0.2",
		SrcPort: 40000, DstPort: 443,
		Seq: 1, Payload: payload,
	})

	view, ok := ParseTCP(data, layers.LinkTypeEthernet)
	require.True(t, ok)
	idx := bytes.Index(data, payload)
	require.GreaterOrEqual(t, idx, 0)

	// Writes through the view must land in the original buffer, which is
	// what lets the masker rewrite payloads without re-serializing.
	view.Payload[0] = 0x7E
	assert.Equal(t, byte(0x7E), data[idx])
	seg := view.Segment()
	assert.Equal(t, view.Payload[len(view.Payload)-1], seg[len(seg)-1])
}
