// Package capio reads and writes packet capture files. It hides the
// difference between classic pcap and pcapng behind small Reader/Writer
// interfaces so callers can re-emit a capture in the same format they
// read it from.
package capio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format identifies the on-disk capture format.
type Format string

const (
	FormatPcap   Format = "pcap"
	FormatPcapng Format = "pcapng"
)

// pcapng section header block type, little- or big-endian agnostic.
const ngMagic = 0x0A0D0D0A

// classic pcap magics: micro/nano resolution, both byte orders.
var pcapMagics = map[uint32]bool{
	0xA1B2C3D4: true,
	0xD4C3B2A1: true,
	0xA1B23C4D: true,
	0x4D3CB2A1: true,
}

// Reader yields packets from a capture file in order.
type Reader interface {
	// ReadPacketData returns the next packet's bytes and capture metadata.
	// io.EOF signals a clean end of file.
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	// LinkType reports the capture's link layer.
	LinkType() layers.LinkType
}

// Writer appends packets to an output capture.
type Writer interface {
	WritePacket(ci gopacket.CaptureInfo, data []byte) error
}

// File is an open capture file.
type File struct {
	Reader
	Format Format
	Path   string

	f *os.File
}

// Close releases the underlying file handle.
func (c *File) Close() error {
	return c.f.Close()
}

// DetectFormat sniffs the first four bytes of path.
func DetectFormat(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var magic [4]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil {
		return "", fmt.Errorf("read capture magic from %s: %w", path, err)
	}
	le := binary.LittleEndian.Uint32(magic[:])
	be := binary.BigEndian.Uint32(magic[:])
	switch {
	case le == ngMagic || be == ngMagic:
		return FormatPcapng, nil
	case pcapMagics[le] || pcapMagics[be]:
		return FormatPcap, nil
	default:
		return "", fmt.Errorf("%s: not a pcap or pcapng file (magic %x)", path, magic)
	}
}

// Open opens path for sequential packet reading, auto-detecting format.
func Open(path string) (*File, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(f, 1<<20)
	var rd Reader
	switch format {
	case FormatPcapng:
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open pcapng %s: %w", path, err)
		}
		rd = ng
	default:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("open pcap %s: %w", path, err)
		}
		rd = pr
	}

	return &File{Reader: rd, Format: format, Path: path, f: f}, nil
}

// OutFile is an open output capture.
type OutFile struct {
	Writer
	Path string

	f  *os.File
	ng *pcapgo.NgWriter
}

// Create opens path for writing in the given format and link type. The
// snaplen mirrors what classic tooling defaults to.
func Create(path string, format Format, linkType layers.LinkType, snaplen uint32) (*OutFile, error) {
	if snaplen == 0 {
		snaplen = 262144
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	out := &OutFile{Path: path, f: f}
	switch format {
	case FormatPcapng:
		ng, err := pcapgo.NewNgWriter(f, linkType)
		if err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("create pcapng %s: %w", path, err)
		}
		out.Writer = ng
		out.ng = ng
	default:
		w := pcapgo.NewWriter(f)
		if err := w.WriteFileHeader(snaplen, linkType); err != nil {
			f.Close()
			os.Remove(path)
			return nil, fmt.Errorf("create pcap %s: %w", path, err)
		}
		out.Writer = w
	}
	return out, nil
}

// Close flushes and closes the output file.
func (o *OutFile) Close() error {
	if o.ng != nil {
		if err := o.ng.Flush(); err != nil {
			o.f.Close()
			return err
		}
	}
	if err := o.f.Sync(); err != nil {
		o.f.Close()
		return err
	}
	return o.f.Close()
}

// Discard closes and removes a partially written output. Used on error
// and cancellation paths so a half-written capture is never left behind.
func (o *OutFile) Discard() {
	o.f.Close()
	os.Remove(o.Path)
}
