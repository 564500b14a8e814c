package main

import (
	"fmt"
	"os"

	"grimm.is/capscrub/cmd"
	"grimm.is/capscrub/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "mask":
		err = cmd.RunMask(os.Args[2:])

	case "check":
		err = cmd.RunCheck(os.Args[2:])

	case "diff":
		err = cmd.RunDiff(os.Args[2:])

	case "history":
		err = cmd.RunHistory(os.Args[2:])

	case "version":
		fmt.Printf("%s version %s (%s, built %s)\n",
			brand.Name, brand.Version, brand.GitCommit, brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Commands:
  mask      Sanitize capture files (two-pass: analyze, then mask)
            Options: --config (-c) <file>, --out-dir (-o) <dir>,
                     --workers <n>, --dissector builtin|tshark,
                     --report <path|->, --no-history
  check     Validate configuration; with captures, run analysis only
            Options: --config (-c) <file>, --verbose (-v)
  diff      Compare the TLS structure of two captures
            Options: --context <n>
  history   Show or prune past runs
            Options: --db <file>, --input <file>, -n <count>, --prune <age>, --clear
  version   Print version information

Examples:
  %s mask session.pcap                     # Writes session.scrubbed.pcap
  %s mask -o /tmp/clean --workers 4 *.pcap
  %s mask --report - session.pcapng        # JSON report on stdout
  %s check -v session.pcap                 # Dry-run analysis
  %s diff session.pcap session.scrubbed.pcap
  %s history -n 10
`,
		brand.Name, brand.Description,
		brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName,
		brand.LowerName, brand.LowerName, brand.LowerName)
}
