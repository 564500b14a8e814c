package dissect

import (
	"context"
	"fmt"
	"io"

	"grimm.is/capscrub/internal/capio"
	"grimm.is/capscrub/internal/logging"
)

// Builtin is the in-process dissector. It walks the capture with
// gopacket and classifies TLS records with a positional header scan. It
// needs no external tooling and is the default.
type Builtin struct {
	log *logging.Logger
}

// NewBuiltin creates the in-process dissector.
func NewBuiltin(log *logging.Logger) *Builtin {
	return &Builtin{log: log.WithComponent("dissect")}
}

// Dissect implements Dissector.
func (b *Builtin) Dissect(ctx context.Context, path string, emit func(Packet) error) error {
	in, err := capio.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	num := 0
	skipped := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := in.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read packet %d from %s: %w", num+1, path, err)
		}
		num++

		view, ok := ParseTCP(data, in.LinkType())
		if !ok || len(view.Payload) == 0 {
			skipped++
			continue
		}

		pkt := Packet{
			Num:        num,
			Flow:       view.Flow,
			Dir:        view.Dir,
			Seq:        view.Seq,
			PayloadLen: len(view.Payload),
			Records:    ScanRecords(view.Payload),
			Timestamp:  ci.Timestamp,
		}
		if err := emit(pkt); err != nil {
			return err
		}
	}

	b.log.Debug("dissection complete", "file", path, "packets", num, "non_tcp_or_empty", skipped)
	return nil
}
