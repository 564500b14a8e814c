// Package stats tracks per-file masking results and process resource
// usage. MaskingStats is a pure output record: produced once per file,
// never mutated by consumers.
package stats

import (
	"runtime"
	"sync"
	"time"
)

// MaskingStats summarizes one file's masking pass.
type MaskingStats struct {
	PacketsProcessed int64         `json:"packets_processed"`
	PacketsModified  int64         `json:"packets_modified"`
	BytesMasked      int64         `json:"bytes_masked"`
	BytesPreserved   int64         `json:"bytes_preserved"`
	Duration         time.Duration `json:"duration"`
}

// MarkerStats summarizes one file's analysis pass.
type MarkerStats struct {
	Flows            int           `json:"flows"`
	Rules            int           `json:"rules"`
	RecordsComplete  int64         `json:"records_complete"`
	RecordsAbandoned int64         `json:"records_abandoned"`
	OpaqueSpans      int64         `json:"opaque_spans"`
	Retransmissions  int64         `json:"retransmissions"`
	SequenceGaps     int64         `json:"sequence_gaps"`
	Duration         time.Duration `json:"duration"`
}

// Tracker samples process memory between chunks and keeps a sliding
// window of throughput readings for diagnostics.
type Tracker struct {
	mu          sync.Mutex
	peakHeap    uint64
	peakSys     uint64
	rates       *RingBuffer
	lastSample  time.Time
	lastPackets int64
}

// NewTracker creates a tracker with a window of recent rate samples.
func NewTracker() *Tracker {
	return &Tracker{rates: NewRingBuffer(64)}
}

// Sample records current memory usage and, given a cumulative packet
// count, a packets/sec reading. Call between processing chunks.
func (t *Tracker) Sample(packetsSoFar int64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	t.mu.Lock()
	defer t.mu.Unlock()
	if ms.HeapInuse > t.peakHeap {
		t.peakHeap = ms.HeapInuse
	}
	if ms.Sys > t.peakSys {
		t.peakSys = ms.Sys
	}

	now := time.Now()
	if !t.lastSample.IsZero() {
		dt := now.Sub(t.lastSample).Seconds()
		if dt > 0 {
			t.rates.Add(float64(packetsSoFar-t.lastPackets) / dt)
		}
	}
	t.lastSample = now
	t.lastPackets = packetsSoFar
}

// PeakHeapBytes returns the high-water heap usage observed.
func (t *Tracker) PeakHeapBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakHeap
}

// PeakSysBytes returns the high-water OS memory usage observed.
func (t *Tracker) PeakSysBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peakSys
}

// MeanRate returns the average packets/sec over the sample window.
func (t *Tracker) MeanRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := t.rates.Snapshot()
	if len(snap) == 0 {
		return 0
	}
	var sum float64
	for _, v := range snap {
		sum += v
	}
	return sum / float64(len(snap))
}
