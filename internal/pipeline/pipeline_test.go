package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/rules"
	"grimm.is/capscrub/internal/testutil"
)

// brokenDissector simulates a missing or timed-out external tool.
type brokenDissector struct{}

func (brokenDissector) Dissect(context.Context, string, func(dissect.Packet) error) error {
	return dissect.ErrDissectionUnavailable
}

func newTestPipeline(t *testing.T, opts Options) *Pipeline {
	t.Helper()
	if opts.Dissector == nil {
		opts.Dissector = dissect.NewBuiltin(testutil.Logger(t))
	}
	if opts.Policy.Content == nil {
		opts.Policy = rules.DefaultPolicy()
	}
	p, err := New(opts, testutil.Logger(t))
	require.NoError(t, err)
	return p
}

func appDataCapture(t *testing.T) string {
	t.Helper()
	return testutil.WriteCapture(t, []testutil.Segment{
		{SrcIP: "192.0.2.10", DstIP: "192.0.2.20", SrcPort: 50000, DstPort: 443,
			Seq: 2000, Payload: testutil.TLSRecord(23, bytes.Repeat([]byte{0x7F}, 100))},
	})
}

func TestProcessMasksFile(t *testing.T) {
	in := appDataCapture(t)
	out := filepath.Join(t.TempDir(), "out.pcap")

	p := newTestPipeline(t, Options{})
	res := p.Process(context.Background(), Job{Input: in, Output: out})

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeProcessed, res.Outcome)
	assert.Equal(t, 1, res.Marker.Flows)
	assert.Equal(t, 1, res.Marker.Rules)
	assert.Equal(t, int64(1), res.Masking.PacketsProcessed)
	assert.Equal(t, int64(1), res.Masking.PacketsModified)
	assert.Equal(t, int64(100), res.Masking.BytesMasked)
	assert.Equal(t, int64(5), res.Masking.BytesPreserved)

	inInfo, _ := os.Stat(in)
	outInfo, err := os.Stat(out)
	require.NoError(t, err)
	assert.Equal(t, inInfo.Size(), outInfo.Size())
}

func TestFallbackPreservesInputUnmodified(t *testing.T) {
	in := appDataCapture(t)
	out := filepath.Join(t.TempDir(), "out.pcap")

	p := newTestPipeline(t, Options{
		Dissector:        brokenDissector{},
		FallbackPreserve: true,
	})
	res := p.Process(context.Background(), Job{Input: in, Output: out})

	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeFallback, res.Outcome)

	want, err := os.ReadFile(in)
	require.NoError(t, err)
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got), "fallback output must be byte-identical")
}

func TestFallbackDisabledFailsTheFile(t *testing.T) {
	in := appDataCapture(t)
	out := filepath.Join(t.TempDir(), "out.pcap")

	p := newTestPipeline(t, Options{Dissector: brokenDissector{}})
	res := p.Process(context.Background(), Job{Input: in, Output: out})

	require.Error(t, res.Err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, dissect.ErrDissectionUnavailable)

	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr), "failed files must produce no output")
}

func TestBatchIsolatesPerFileFailures(t *testing.T) {
	good := appDataCapture(t)
	dir := t.TempDir()

	jobs := []Job{
		{Input: good, Output: filepath.Join(dir, "good.out.pcap")},
		{Input: filepath.Join(dir, "missing.pcap"), Output: filepath.Join(dir, "missing.out.pcap")},
	}

	p := newTestPipeline(t, Options{Workers: 2})
	results, sum := p.ProcessBatch(context.Background(), jobs)

	require.Len(t, results, 2)
	assert.Equal(t, OutcomeProcessed, results[0].Outcome)
	assert.Equal(t, OutcomeFailed, results[1].Outcome)
	assert.Error(t, results[1].Err)

	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, 0, sum.Fallback)
	assert.Equal(t, int64(1), sum.Packets)
}

func TestBatchSummaryAggregatesStats(t *testing.T) {
	dir := t.TempDir()
	jobs := []Job{
		{Input: appDataCapture(t), Output: filepath.Join(dir, "a.pcap")},
		{Input: appDataCapture(t), Output: filepath.Join(dir, "b.pcap")},
		{Input: appDataCapture(t), Output: filepath.Join(dir, "c.pcap")},
	}

	p := newTestPipeline(t, Options{Workers: 3})
	results, sum := p.ProcessBatch(context.Background(), jobs)

	for _, r := range results {
		require.NoError(t, r.Err)
	}
	assert.Equal(t, 3, sum.Processed)
	assert.Equal(t, int64(3), sum.Packets)
	assert.Equal(t, int64(300), sum.Masked)
	assert.Equal(t, int64(15), sum.Preserved)
}

func TestNewRejectsMissingDissector(t *testing.T) {
	_, err := New(Options{Policy: rules.DefaultPolicy()}, testutil.Logger(t))
	require.Error(t, err)
}
