package dissect

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(ct byte, body []byte) []byte {
	rec := []byte{ct, 0x03, 0x03, byte(len(body) >> 8), byte(len(body))}
	return append(rec, body...)
}

func TestScanSingleRecord(t *testing.T) {
	payload := record(22, bytes.Repeat([]byte{0xAA}, 100))

	hints := ScanRecords(payload)
	require.Len(t, hints, 1)
	assert.Equal(t, ContentHandshake, hints[0].ContentType)
	assert.Equal(t, 100, hints[0].Length)
	assert.Equal(t, 0, hints[0].Offset)
}

func TestScanMultipleRecords(t *testing.T) {
	payload := append(record(22, make([]byte, 64)), record(23, make([]byte, 37))...)

	hints := ScanRecords(payload)
	require.Len(t, hints, 2)
	assert.Equal(t, ContentHandshake, hints[0].ContentType)
	assert.Equal(t, 0, hints[0].Offset)
	assert.Equal(t, ContentApplicationData, hints[1].ContentType)
	assert.Equal(t, 69, hints[1].Offset)
	assert.Equal(t, 37, hints[1].Length)
}

func TestScanRecordSpanningPastPayloadEnd(t *testing.T) {
	// Header declares 4000 bytes but only 10 are present; the header is
	// still reported so reassembly can accumulate the remainder.
	full := record(23, make([]byte, 4000))
	payload := full[:15]

	hints := ScanRecords(payload)
	require.Len(t, hints, 1)
	assert.Equal(t, 4000, hints[0].Length)
}

func TestScanStopsAtGarbage(t *testing.T) {
	payload := append(record(23, make([]byte, 8)), []byte("HTTP/1.1 200 OK")...)

	hints := ScanRecords(payload)
	require.Len(t, hints, 1)
	assert.Equal(t, 0, hints[0].Offset)
}

func TestScanRejectsNonTLS(t *testing.T) {
	assert.Nil(t, ScanRecords([]byte("GET / HTTP/1.1\r\n")))
	assert.Nil(t, ScanRecords(nil))
	assert.Nil(t, ScanRecords([]byte{23, 0x03}))
}

func TestLooksLikeHeader(t *testing.T) {
	cases := []struct {
		name  string
		bytes []byte
		want  bool
	}{
		{"handshake", []byte{22, 0x03, 0x01, 0x00, 0x10}, true},
		{"tls13 app data", []byte{23, 0x03, 0x04, 0x10, 0x00}, true},
		{"bad content type", []byte{25, 0x03, 0x03, 0x00, 0x10}, false},
		{"bad major version", []byte{22, 0x02, 0x03, 0x00, 0x10}, false},
		{"bad minor version", []byte{22, 0x03, 0x05, 0x00, 0x10}, false},
		{"zero length", []byte{22, 0x03, 0x03, 0x00, 0x00}, false},
		{"oversized length", []byte{22, 0x03, 0x03, 0xFF, 0xFF}, false},
		{"short", []byte{22, 0x03}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, looksLikeHeader(tc.bytes))
		})
	}
}
