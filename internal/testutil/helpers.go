// Package testutil builds the synthetic capture files the package tests
// feed through the pipeline.
package testutil

import (
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"grimm.is/capscrub/internal/logging"
)

// Logger returns a logger that discards everything.
func Logger(t *testing.T) *logging.Logger {
	t.Helper()
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

// Segment describes one TCP segment to serialize into a capture.
type Segment struct {
	SrcIP   string
	DstIP   string
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Payload []byte
	VLAN    uint16 // 802.1Q tag when non-zero
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Frame serializes a Segment into a full Ethernet frame with valid IPv4
// and TCP checksums.
func Frame(t *testing.T, seg Segment) []byte {
	t.Helper()

	eth := &layers.Ethernet{
		SrcMAC: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		DstMAC: []byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    mustIP(t, seg.SrcIP),
		DstIP:    mustIP(t, seg.DstIP),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(seg.SrcPort),
		DstPort: layers.TCPPort(seg.DstPort),
		Seq:     seg.Seq,
		ACK:     true,
		Window:  65535,
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}

	stack := []gopacket.SerializableLayer{eth}
	if seg.VLAN != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		stack = append(stack, &layers.Dot1Q{
			VLANIdentifier: seg.VLAN,
			Type:           layers.EthernetTypeIPv4,
		})
	} else {
		eth.EthernetType = layers.EthernetTypeIPv4
	}
	stack = append(stack, ip, tcp, gopacket.Payload(seg.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		t.Fatalf("serializing segment: %v", err)
	}
	return buf.Bytes()
}

// WriteCapture writes the segments as a pcap file in a temp directory
// and returns its path.
func WriteCapture(t *testing.T, segs []Segment) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "input.pcap")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating capture: %v", err)
	}
	defer f.Close()

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(262144, layers.LinkTypeEthernet); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	for i, seg := range segs {
		data := Frame(t, seg)
		ci := gopacket.CaptureInfo{
			Timestamp:     baseTime.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		if err := w.WritePacket(ci, data); err != nil {
			t.Fatalf("writing packet %d: %v", i+1, err)
		}
	}
	return path
}

// TLSRecord builds a TLS record of the given content type around body.
func TLSRecord(ct byte, body []byte) []byte {
	rec := make([]byte, 0, 5+len(body))
	rec = append(rec, ct, 0x03, 0x03, byte(len(body)>>8), byte(len(body)))
	return append(rec, body...)
}

func mustIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s).To4()
	if ip == nil {
		t.Fatalf("bad IPv4 literal %q", s)
	}
	return ip
}
