package cmd

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"grimm.is/capscrub/internal/brand"
	"grimm.is/capscrub/internal/config"
	"grimm.is/capscrub/internal/history"
	"grimm.is/capscrub/internal/logging"
	"grimm.is/capscrub/internal/metrics"
	"grimm.is/capscrub/internal/pipeline"
)

// maskReport is the machine-readable result written by -report.
type maskReport struct {
	Version string           `json:"version"`
	Files   []maskReportFile `json:"files"`
	Summary pipeline.Summary `json:"summary"`
}

type maskReportFile struct {
	Input      string  `json:"input"`
	Output     string  `json:"output"`
	Outcome    string  `json:"outcome"`
	Error      string  `json:"error,omitempty"`
	PacketRate float64 `json:"packets_per_sec,omitempty"`

	Marker  any `json:"marker,omitempty"`
	Masking any `json:"masking"`
}

// RunMask sanitizes one or more capture files.
func RunMask(args []string) error {
	flags := flag.NewFlagSet("mask", flag.ExitOnError)
	configFile := flags.String("config", DefaultConfigPath(), "Configuration file")
	flags.StringVar(configFile, "c", DefaultConfigPath(), "Configuration file (short)")
	outDir := flags.String("out-dir", "", "Directory for sanitized files (default: next to input)")
	flags.StringVar(outDir, "o", "", "Directory for sanitized files (short)")
	workers := flags.Int("workers", 0, "Parallel files (overrides config)")
	dissector := flags.String("dissector", "", "Dissection backend: builtin or tshark (overrides config)")
	report := flags.String("report", "", "Write a JSON report to this path ('-' for stdout)")
	noHistory := flags.Bool("no-history", false, "Skip recording this run in the history database")
	flags.Parse(args)

	if flags.NArg() == 0 {
		return fmt.Errorf("usage: %s mask [options] <capture>...", brand.BinaryName)
	}

	explicit := *configFile != DefaultConfigPath()
	cfg, err := loadConfig(*configFile, explicit)
	if err != nil {
		return err
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *dissector != "" {
		cfg.Dissector.Type = *dissector
		if errs := cfg.Validate(); errs.HasErrors() {
			return errs
		}
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.Get()
	if cfg.MetricsListen != "" {
		go reg.Serve(ctx, cfg.MetricsListen, log)
	}

	dir := cfg.Output.Dir
	if *outDir != "" {
		dir = *outDir
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create output dir %s: %w", dir, err)
		}
	}

	var jobs []pipeline.Job
	for _, input := range flags.Args() {
		jobs = append(jobs, pipeline.Job{
			Input:  input,
			Output: outputPath(input, dir, cfg.Output.Suffix),
		})
	}

	p, err := pipeline.New(pipeline.Options{
		Dissector:        newDissector(cfg, log),
		Policy:           cfg.RulePolicy(),
		ChunkSize:        cfg.Masking.ChunkSize,
		VerifyChecksums:  cfg.Masking.VerifyChecksums,
		FallbackPreserve: cfg.Dissector.Fallback == config.FallbackPreserve,
		Workers:          cfg.Workers,
		Metrics:          reg,
	}, log)
	if err != nil {
		return err
	}

	results, sum := p.ProcessBatch(ctx, jobs)

	if !*noHistory {
		recordHistory(cfg, log, results)
	}

	for _, r := range results {
		switch r.Outcome {
		case pipeline.OutcomeProcessed:
			fmt.Printf("%-10s %s -> %s (%d packets, %d bytes masked)\n",
				r.Outcome, r.Job.Input, r.Job.Output,
				r.Masking.PacketsProcessed, r.Masking.BytesMasked)
		case pipeline.OutcomeFallback:
			fmt.Printf("%-10s %s -> %s (preserved unmodified)\n",
				r.Outcome, r.Job.Input, r.Job.Output)
		default:
			fmt.Printf("%-10s %s: %v\n", r.Outcome, r.Job.Input, r.Err)
		}
	}
	fmt.Printf("\n%d processed, %d fallback, %d failed in %s\n",
		sum.Processed, sum.Fallback, sum.Failed, sum.Duration.Round(1e6))

	if *report != "" {
		if err := writeReport(*report, results, sum); err != nil {
			return err
		}
	}
	if sum.Failed > 0 {
		return fmt.Errorf("%d file(s) failed", sum.Failed)
	}
	return nil
}

func recordHistory(cfg *config.Config, log *logging.Logger, results []pipeline.FileResult) {
	dbPath := cfg.HistoryDB
	if dbPath == "" {
		dbPath = brand.DefaultHistoryPath()
	}
	store, err := history.NewStore(dbPath)
	if err != nil {
		log.Warn("history disabled", "db", dbPath, "err", err)
		return
	}
	defer store.Close()

	for _, r := range results {
		e := history.Entry{
			Input:   r.Job.Input,
			Output:  r.Job.Output,
			Outcome: string(r.Outcome),
			Masking: r.Masking,
		}
		if r.Outcome == pipeline.OutcomeProcessed {
			m := r.Marker
			e.Marker = &m
		}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		if err := store.Record(e); err != nil {
			log.Warn("history record failed", "input", r.Job.Input, "err", err)
		}
	}
}

func writeReport(path string, results []pipeline.FileResult, sum pipeline.Summary) error {
	rep := maskReport{Version: brand.Version, Summary: sum}
	for _, r := range results {
		f := maskReportFile{
			Input:      r.Job.Input,
			Output:     r.Job.Output,
			Outcome:    string(r.Outcome),
			PacketRate: r.PacketRate,
			Masking:    r.Masking,
		}
		if r.Outcome == pipeline.OutcomeProcessed {
			f.Marker = r.Marker
		}
		if r.Err != nil {
			f.Error = r.Err.Error()
		}
		rep.Files = append(rep.Files, f)
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	data = append(data, '\n')

	if path == "-" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
