// Package pipeline drives the two-pass sanitization of capture files:
// an analysis pass that builds a frozen keep-rule set per file, then a
// masking pass that rewrites the file against it. Files are independent;
// a batch fans out across a bounded worker pool and one bad file never
// stops the others.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/capscrub/internal/clock"
	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/masker"
	"grimm.is/capscrub/internal/metrics"
	"grimm.is/capscrub/internal/rules"
	"grimm.is/capscrub/internal/stats"
)

// Outcome classifies how one file was handled.
type Outcome string

const (
	// OutcomeProcessed means both passes completed normally.
	OutcomeProcessed Outcome = "processed"
	// OutcomeFallback means dissection was unavailable and the file was
	// copied through unmodified under the preserve policy.
	OutcomeFallback Outcome = "fallback"
	// OutcomeFailed means no output was produced for the file.
	OutcomeFailed Outcome = "failed"
)

// Options configures a pipeline run. Zero values get sensible defaults.
type Options struct {
	Dissector        dissect.Dissector
	Policy           rules.Policy
	ChunkSize        int
	VerifyChecksums  bool
	FallbackPreserve bool
	Workers          int
	Metrics          *metrics.Registry
}

// Job names one input/output file pair.
type Job struct {
	Input  string
	Output string
}

// FileResult records what happened to one file.
type FileResult struct {
	Job     Job
	Outcome Outcome
	Marker  stats.MarkerStats
	Masking stats.MaskingStats
	// PacketRate is the mean packets/sec sampled during the masking
	// pass; zero for files too small to produce a sample.
	PacketRate float64
	Err        error
}

// Summary aggregates a batch.
type Summary struct {
	Processed int
	Fallback  int
	Failed    int
	Packets   int64
	Modified  int64
	Masked    int64
	Preserved int64
	Duration  time.Duration
}

// Pipeline processes capture files with a shared configuration.
type Pipeline struct {
	opts Options
	log  *logging.Logger
}

// New validates options and builds a pipeline.
func New(opts Options, log *logging.Logger) (*Pipeline, error) {
	if opts.Dissector == nil {
		return nil, fmt.Errorf("pipeline requires a dissector")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	return &Pipeline{opts: opts, log: log.WithComponent("pipeline")}, nil
}

// Process runs both passes for a single file. A dissection failure with
// fallback enabled produces a byte-identical copy of the input: an empty
// frozen rule set covers no flows, so every packet passes through
// untouched.
func (p *Pipeline) Process(ctx context.Context, job Job) FileResult {
	res := FileResult{Job: job}

	marker := NewMarker(p.opts.Dissector, p.opts.Policy, p.log)
	set, ms, err := marker.Analyze(ctx, job.Input)
	switch {
	case err == nil:
		res.Outcome = OutcomeProcessed
		res.Marker = ms
	case errors.Is(err, dissect.ErrDissectionUnavailable) && p.opts.FallbackPreserve:
		p.log.Warn("dissection unavailable, preserving file unmodified",
			"file", job.Input, "err", err)
		set = rules.NewSet()
		if oerr := set.Optimize(); oerr != nil {
			res.Outcome = OutcomeFailed
			res.Err = oerr
			p.countFile(OutcomeFailed)
			return res
		}
		set.Freeze()
		res.Outcome = OutcomeFallback
	default:
		p.countFile(OutcomeFailed)
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("analyzing %s: %w", job.Input, err)
		return res
	}

	lookup, err := rules.NewLookup(set)
	if err != nil {
		p.countFile(OutcomeFailed)
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("indexing rules for %s: %w", job.Input, err)
		return res
	}

	tracker := stats.NewTracker()
	m, err := masker.New(set, lookup, masker.Options{
		ChunkSize:       p.opts.ChunkSize,
		VerifyChecksums: p.opts.VerifyChecksums,
		Tracker:         tracker,
	}, p.log)
	if err != nil {
		p.countFile(OutcomeFailed)
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	mst, err := m.Apply(ctx, job.Input, job.Output)
	if err != nil {
		p.countFile(OutcomeFailed)
		res.Outcome = OutcomeFailed
		res.Err = fmt.Errorf("masking %s: %w", job.Input, err)
		return res
	}
	res.Masking = mst
	res.PacketRate = tracker.MeanRate()
	p.record(res, set, tracker)
	return res
}

func (p *Pipeline) countFile(o Outcome) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.FilesProcessed.WithLabelValues(string(o)).Inc()
	}
}

// ProcessBatch fans jobs across the worker pool. Per-file failures are
// collected in the results; only context cancellation aborts the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, jobs []Job) ([]FileResult, Summary) {
	start := clock.Now()
	results := make([]FileResult, len(jobs))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r := p.Process(gctx, job)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			if r.Err != nil && errors.Is(r.Err, context.Canceled) {
				return r.Err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for i := range results {
			if results[i].Outcome == "" {
				results[i] = FileResult{Job: jobs[i], Outcome: OutcomeFailed, Err: err}
			}
		}
	}

	var sum Summary
	for _, r := range results {
		switch r.Outcome {
		case OutcomeProcessed:
			sum.Processed++
		case OutcomeFallback:
			sum.Fallback++
		default:
			sum.Failed++
		}
		sum.Packets += r.Masking.PacketsProcessed
		sum.Modified += r.Masking.PacketsModified
		sum.Masked += r.Masking.BytesMasked
		sum.Preserved += r.Masking.BytesPreserved
	}
	sum.Duration = clock.Since(start)
	p.log.Info("batch complete",
		"files", len(jobs), "processed", sum.Processed,
		"fallback", sum.Fallback, "failed", sum.Failed,
		"packets", sum.Packets, "bytes_masked", sum.Masked)
	return results, sum
}

func (p *Pipeline) record(res FileResult, set *rules.Set, tracker *stats.Tracker) {
	reg := p.opts.Metrics
	if reg == nil {
		return
	}
	p.countFile(res.Outcome)
	reg.PacketsTotal.Add(float64(res.Masking.PacketsProcessed))
	reg.PacketsMasked.Add(float64(res.Masking.PacketsModified))
	reg.BytesMasked.Add(float64(res.Masking.BytesMasked))
	reg.BytesPreserved.Add(float64(res.Masking.BytesPreserved))
	reg.RulesTotal.Add(float64(set.RuleCount()))
	reg.PeakHeapBytes.Set(float64(tracker.PeakHeapBytes()))
}
