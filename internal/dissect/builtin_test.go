package dissect

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/capscrub/internal/testutil"
)

func collect(t *testing.T, path string) []Packet {
	t.Helper()
	b := NewBuiltin(testutil.Logger(t))
	var pkts []Packet
	err := b.Dissect(context.Background(), path, func(p Packet) error {
		pkts = append(pkts, p)
		return nil
	})
	require.NoError(t, err)
	return pkts
}

func TestBuiltinEmitsInCaptureOrder(t *testing.T) {
	path := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 100, Payload: record(22, make([]byte, 50))},
		{SrcIP: "10.0.0.2", DstIP: "10.0.0.1", SrcPort: 443, DstPort: 40000,
			Seq: 500, Payload: record(22, make([]byte, 20))},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 155, Payload: record(23, bytes.Repeat([]byte{0x99}, 40))},
	})

	pkts := collect(t, path)
	require.Len(t, pkts, 3)

	assert.Equal(t, 1, pkts[0].Num)
	assert.Equal(t, 2, pkts[1].Num)
	assert.Equal(t, 3, pkts[2].Num)

	assert.Equal(t, uint32(100), pkts[0].Seq)
	assert.Equal(t, 55, pkts[0].PayloadLen)
	require.Len(t, pkts[0].Records, 1)
	assert.Equal(t, ContentHandshake, pkts[0].Records[0].ContentType)

	// Both directions share one flow key.
	assert.Equal(t, pkts[0].Flow, pkts[1].Flow)
	assert.NotEqual(t, pkts[0].Dir, pkts[1].Dir)

	require.Len(t, pkts[2].Records, 1)
	assert.Equal(t, ContentApplicationData, pkts[2].Records[0].ContentType)
	assert.Equal(t, 40, pkts[2].Records[0].Length)
}

func TestBuiltinSkipsEmptyPayloads(t *testing.T) {
	path := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 100, Payload: nil},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 100, Payload: record(23, make([]byte, 10))},
	})

	pkts := collect(t, path)
	require.Len(t, pkts, 1)
	assert.Equal(t, 2, pkts[0].Num)
}

func TestBuiltinStopsOnEmitError(t *testing.T) {
	path := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 100, Payload: record(23, make([]byte, 10))},
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 115, Payload: record(23, make([]byte, 10))},
	})

	wantErr := errors.New("stop here")
	b := NewBuiltin(testutil.Logger(t))
	calls := 0
	err := b.Dissect(context.Background(), path, func(Packet) error {
		calls++
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestBuiltinCancelled(t *testing.T) {
	path := testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", SrcPort: 40000, DstPort: 443,
			Seq: 100, Payload: record(23, make([]byte, 10))},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBuiltin(testutil.Logger(t))
	err := b.Dissect(ctx, path, func(Packet) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBuiltinMissingFile(t *testing.T) {
	b := NewBuiltin(testutil.Logger(t))
	err := b.Dissect(context.Background(), "/nonexistent/capture.pcap", func(Packet) error { return nil })
	require.Error(t, err)
}
