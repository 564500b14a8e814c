package cmd

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/capscrub/internal/brand"
	"grimm.is/capscrub/internal/dissect"
	"grimm.is/capscrub/internal/logging"
)

// RunDiff compares the TLS structure of two captures. A sanitized file
// should produce an empty diff against its original: same packets, same
// flows, same record framing. Payload bytes are deliberately excluded.
func RunDiff(args []string) error {
	flags := flag.NewFlagSet("diff", flag.ExitOnError)
	ctxLines := flags.Int("context", 3, "Context lines around differences")
	flags.Parse(args)

	if flags.NArg() != 2 {
		return fmt.Errorf("usage: %s diff [options] <capture-a> <capture-b>", brand.BinaryName)
	}
	pathA, pathB := flags.Arg(0), flags.Arg(1)

	log := logging.Default()
	linesA, err := structureLines(log, pathA)
	if err != nil {
		return fmt.Errorf("dissecting %s: %w", pathA, err)
	}
	linesB, err := structureLines(log, pathB)
	if err != nil {
		return fmt.Errorf("dissecting %s: %w", pathB, err)
	}

	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        linesA,
		B:        linesB,
		FromFile: pathA,
		ToFile:   pathB,
		Context:  *ctxLines,
	})
	if err != nil {
		return fmt.Errorf("computing diff: %w", err)
	}
	if text == "" {
		fmt.Println("Captures are structurally identical.")
		return nil
	}
	fmt.Print(text)
	return fmt.Errorf("captures differ")
}

// structureLines renders each TCP payload packet as one comparable line.
func structureLines(log *logging.Logger, path string) ([]string, error) {
	d := dissect.NewBuiltin(log)
	var lines []string
	err := d.Dissect(context.Background(), path, func(pkt dissect.Packet) error {
		var b strings.Builder
		fmt.Fprintf(&b, "#%d %s %s seq=%d len=%d",
			pkt.Num, pkt.Flow, pkt.Dir, pkt.Seq, pkt.PayloadLen)
		for _, r := range pkt.Records {
			fmt.Fprintf(&b, " %s@%d+%d", r.ContentType, r.Offset, r.Length)
		}
		lines = append(lines, b.String()+"\n")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lines, nil
}
