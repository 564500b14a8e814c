package dissect

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"net/netip"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"grimm.is/capscrub/internal/flow"
	"grimm.is/capscrub/internal/logging"
)

// tsharkFields is the field list requested from tshark, one batch run
// per capture file. Order matters: parsing indexes into it.
var tsharkFields = []string{
	"frame.number",
	"frame.time_epoch",
	"ip.src",
	"ipv6.src",
	"tcp.srcport",
	"ip.dst",
	"ipv6.dst",
	"tcp.dstport",
	"tcp.seq_raw",
	"tcp.len",
	"tls.record.content_type",
	"tls.record.length",
}

// Tshark invokes an external tshark binary in batch mode and parses its
// field output into the common Packet stream. One subprocess run covers
// the whole file; the run is bounded by Timeout.
type Tshark struct {
	Binary  string
	Timeout time.Duration

	log *logging.Logger
}

// NewTshark builds the subprocess adapter. An empty binary means
// "tshark" resolved via PATH.
func NewTshark(binary string, timeout time.Duration, log *logging.Logger) *Tshark {
	if binary == "" {
		binary = "tshark"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Tshark{Binary: binary, Timeout: timeout, log: log.WithComponent("tshark")}
}

// Dissect implements Dissector. Binary missing, unusable, or overrunning
// the timeout surfaces as ErrDissectionUnavailable so the pipeline can
// apply its configured fallback.
func (t *Tshark) Dissect(ctx context.Context, path string, emit func(Packet) error) error {
	if _, err := exec.LookPath(t.Binary); err != nil {
		return fmt.Errorf("%w: %s not found: %v", ErrDissectionUnavailable, t.Binary, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, t.Timeout)
	defer cancel()

	// tshark output goes through a temp file rather than an in-memory
	// pipe so a multi-gigabyte capture cannot balloon the heap. The file
	// is removed on every exit path.
	tmp, err := os.CreateTemp("", "capscrub-tshark-*.tsv")
	if err != nil {
		return fmt.Errorf("create dissector temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	args := []string{"-r", path, "-Y", "tcp.len > 0", "-T", "fields",
		"-E", "separator=/t", "-E", "occurrence=a", "-E", "aggregator=,"}
	for _, f := range tsharkFields {
		args = append(args, "-e", f)
	}

	cmd := exec.CommandContext(runCtx, t.Binary, args...)
	cmd.Stdout = tmp
	var stderr strings.Builder
	cmd.Stderr = &stderr

	t.log.Debug("invoking external dissector", "binary", t.Binary, "file", path)
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return fmt.Errorf("%w: %s timed out after %s", ErrDissectionUnavailable, t.Binary, t.Timeout)
		}
		return fmt.Errorf("%w: %s failed: %v: %s", ErrDissectionUnavailable, t.Binary, err, strings.TrimSpace(stderr.String()))
	}

	if _, err := tmp.Seek(0, 0); err != nil {
		return fmt.Errorf("rewind dissector output: %w", err)
	}
	return t.parse(ctx, tmp.Name(), bufio.NewScanner(tmp), emit)
}

func (t *Tshark) parse(ctx context.Context, name string, sc *bufio.Scanner, emit func(Packet) error) error {
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lineNo++
		pkt, ok := t.parseLine(sc.Text())
		if !ok {
			t.log.Debug("skipping unparsable dissector line", "line", lineNo)
			continue
		}
		if err := emit(pkt); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read dissector output %s: %w", name, err)
	}
	return nil
}

// parseLine converts one tab-separated tshark line into a Packet.
func (t *Tshark) parseLine(line string) (Packet, bool) {
	cols := strings.Split(line, "\t")
	if len(cols) < len(tsharkFields) {
		return Packet{}, false
	}

	num, err := strconv.Atoi(cols[0])
	if err != nil {
		return Packet{}, false
	}
	ts := parseEpoch(cols[1])

	srcAddr, ok := parseAddr(cols[2], cols[3])
	if !ok {
		return Packet{}, false
	}
	dstAddr, ok := parseAddr(cols[5], cols[6])
	if !ok {
		return Packet{}, false
	}
	srcPort, err1 := strconv.ParseUint(firstField(cols[4]), 10, 16)
	dstPort, err2 := strconv.ParseUint(firstField(cols[7]), 10, 16)
	seq, err3 := strconv.ParseUint(firstField(cols[8]), 10, 32)
	plen, err4 := strconv.Atoi(firstField(cols[9]))
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || plen <= 0 {
		return Packet{}, false
	}

	key, dir := flow.NewKey(srcAddr, uint16(srcPort), dstAddr, uint16(dstPort))
	pkt := Packet{
		Num:        num,
		Flow:       key,
		Dir:        dir,
		Seq:        uint32(seq),
		PayloadLen: plen,
		Timestamp:  ts,
	}
	pkt.Records = parseRecordHints(cols[10], cols[11])
	return pkt, true
}

// parseRecordHints pairs up the aggregated content-type and length
// columns. tshark reports no offsets, so they are reconstructed by
// stacking records from the payload start; hints that do not line up
// with the true stream position fail the reassembler's boundary check
// and are ignored there.
func parseRecordHints(typesCol, lensCol string) []RecordHint {
	if typesCol == "" || lensCol == "" {
		return nil
	}
	types := strings.Split(typesCol, ",")
	lens := strings.Split(lensCol, ",")
	n := len(types)
	if len(lens) < n {
		n = len(lens)
	}
	var hints []RecordHint
	off := 0
	for i := 0; i < n; i++ {
		ct, err1 := strconv.Atoi(strings.TrimSpace(types[i]))
		ln, err2 := strconv.Atoi(strings.TrimSpace(lens[i]))
		if err1 != nil || err2 != nil || !ContentType(ct).IsValid() || ln <= 0 || ln > MaxRecordLen {
			continue
		}
		hints = append(hints, RecordHint{ContentType: ContentType(ct), Length: ln, Offset: off})
		off += HeaderLen + ln
	}
	return hints
}

// parseAddr picks whichever of the v4/v6 columns is populated.
func parseAddr(v4, v6 string) (netip.Addr, bool) {
	s := firstField(v4)
	if s == "" {
		s = firstField(v6)
	}
	if s == "" {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// firstField returns the first entry of a comma-aggregated tshark field.
// Tunneled packets can report a field more than once; the outermost
// occurrence corresponds to the innermost layer last, so take the first.
func firstField(s string) string {
	if i := strings.IndexByte(s, ','); i >= 0 {
		return s[:i]
	}
	return s
}

func parseEpoch(s string) time.Time {
	f, err := strconv.ParseFloat(firstField(s), 64)
	if err != nil {
		return time.Time{}
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9))
}

// Ensure both implementations satisfy the interface.
var (
	_ Dissector = (*Builtin)(nil)
	_ Dissector = (*Tshark)(nil)
)
