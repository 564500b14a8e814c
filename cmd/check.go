package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/capscrub/internal/pipeline"
	"grimm.is/capscrub/internal/rules"
)

// RunCheck validates the configuration and, when captures are given,
// runs the analysis pass against them without writing anything.
func RunCheck(args []string) error {
	flags := flag.NewFlagSet("check", flag.ExitOnError)
	configFile := flags.String("config", DefaultConfigPath(), "Configuration file")
	flags.StringVar(configFile, "c", DefaultConfigPath(), "Configuration file (short)")
	verbose := flags.Bool("verbose", false, "Print per-type rule detail")
	flags.BoolVar(verbose, "v", false, "Print per-type rule detail (short)")
	flags.Parse(args)

	explicit := *configFile != DefaultConfigPath()
	cfg, err := loadConfig(*configFile, explicit)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}
	log := newLogger(cfg)

	fmt.Println("Configuration valid!")
	fmt.Printf("Dissector: %s (fallback: %s)\n", cfg.Dissector.Type, cfg.Dissector.Fallback)
	fmt.Printf("Workers: %d\n", cfg.Workers)
	printPolicy(cfg.RulePolicy())

	if flags.NArg() == 0 {
		return nil
	}

	marker := pipeline.NewMarker(newDissector(cfg, log), cfg.RulePolicy(), log)
	failed := 0
	for _, path := range flags.Args() {
		fmt.Printf("\n%s:\n", path)
		set, ms, err := marker.Analyze(context.Background(), path)
		if err != nil {
			fmt.Printf("  analysis failed: %v\n", err)
			failed++
			continue
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintf(w, "  flows\t%d\n", ms.Flows)
		fmt.Fprintf(w, "  keep rules\t%d\n", ms.Rules)
		fmt.Fprintf(w, "  complete records\t%d\n", ms.RecordsComplete)
		fmt.Fprintf(w, "  abandoned records\t%d\n", ms.RecordsAbandoned)
		fmt.Fprintf(w, "  opaque spans\t%d\n", ms.OpaqueSpans)
		fmt.Fprintf(w, "  retransmissions\t%d\n", ms.Retransmissions)
		fmt.Fprintf(w, "  sequence gaps\t%d\n", ms.SequenceGaps)
		fmt.Fprintf(w, "  bytes preserved\t%d\n", set.PreservedBytes())
		w.Flush()

		if *verbose {
			fmt.Println("  rule types:")
			for typ, count := range set.Counts() {
				fmt.Printf("    %-18s %d\n", typ, count)
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d capture(s) failed analysis", failed)
	}
	return nil
}

func printPolicy(p rules.Policy) {
	fmt.Println("Policy:")
	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	for ct, action := range p.Content {
		if action.Mode == rules.KeepHeaderOnly {
			fmt.Fprintf(w, "  %s\t%s (%d bytes)\n", ct, action.Mode, action.HeaderBytes)
		} else {
			fmt.Fprintf(w, "  %s\t%s\n", ct, action.Mode)
		}
	}
	fmt.Fprintf(w, "  non-TLS\t%s\n", p.NonTLS)
	w.Flush()
}
