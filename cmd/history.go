package cmd

import (
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"grimm.is/capscrub/internal/brand"
	"grimm.is/capscrub/internal/history"
)

// RunHistory lists or prunes the run-history database.
func RunHistory(args []string) error {
	flags := flag.NewFlagSet("history", flag.ExitOnError)
	dbPath := flags.String("db", "", "History database (default: state dir)")
	input := flags.String("input", "", "Only show runs for this input file")
	limit := flags.Int("n", 20, "Maximum entries to show")
	prune := flags.Duration("prune", 0, "Delete entries older than this (e.g. 720h) and exit")
	clearAll := flags.Bool("clear", false, "Delete all entries and exit")
	flags.Parse(args)

	path := *dbPath
	if path == "" {
		path = brand.DefaultHistoryPath()
	}
	store, err := history.NewStore(path)
	if err != nil {
		return err
	}
	defer store.Close()

	if *clearAll {
		removed, err := store.Prune(time.Now().Add(time.Hour))
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d entries\n", removed)
		return nil
	}
	if *prune > 0 {
		removed, err := store.Prune(time.Now().Add(-*prune))
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d entries older than %s\n", removed, *prune)
		return nil
	}

	entries, err := store.List(*input, *limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No history.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tOUTCOME\tINPUT\tPACKETS\tMASKED\tPRESERVED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
			e.Timestamp.Format(time.RFC3339), e.Outcome, e.Input,
			e.Masking.PacketsProcessed, e.Masking.BytesMasked, e.Masking.BytesPreserved)
	}
	w.Flush()

	for _, e := range entries {
		if e.Error != "" {
			fmt.Printf("\n%s: %s\n", e.Input, e.Error)
		}
	}
	return nil
}
