package sample

import (
	"bufio"
	"bytes"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/dustingooding/lager-go/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := Message{
		UUID:        uuid.New(),
		Version:     "1.0.0",
		Compression: 0,
		Timestamp:   1234567890,
		Data: [][]byte{
			{0x01},
			{0x02, 0x03},
			{0x04, 0x05, 0x06, 0x07},
			{0, 1, 2, 3, 4, 5, 6, 7},
		},
	}

	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.UUID != m.UUID {
		t.Errorf("UUID mismatch: got %v want %v", got.UUID, m.UUID)
	}
	if got.Version != m.Version {
		t.Errorf("Version mismatch: got %q want %q", got.Version, m.Version)
	}
	if got.Timestamp != m.Timestamp {
		t.Errorf("Timestamp mismatch: got %d want %d", got.Timestamp, m.Timestamp)
	}
	if len(got.Data) != len(m.Data) {
		t.Fatalf("Data length mismatch: got %d want %d", len(got.Data), len(m.Data))
	}
	for i := range m.Data {
		if !bytes.Equal(got.Data[i], m.Data[i]) {
			t.Errorf("Data[%d] mismatch: got %v want %v", i, got.Data[i], m.Data[i])
		}
	}
}

func TestDecodeRejectsUnsupportedFrameSize(t *testing.T) {
	var buf bytes.Buffer
	m := Message{UUID: uuid.New(), Version: "v", Data: [][]byte{{1, 2, 3}}}
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if _, err := Decode(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error decoding unsupported 3-byte data frame")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	var buf bytes.Buffer
	id := uuid.New()
	// Manually truncate by encoding only via wire with fewer frames.
	if err := wire.WriteMessage(&buf, id[:], []byte("v")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	if _, err := Decode(bufio.NewReader(&buf)); !errors.Is(err, ErrMalformedMessage) {
		t.Fatalf("expected ErrMalformedMessage for a 2-frame message, got %v", err)
	}

	// A complete four-frame header with no data frames is not short.
	buf.Reset()
	m := Message{UUID: id}
	if err := Encode(&buf, m); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	r := bufio.NewReader(&buf)
	if _, err := Decode(r); err != nil {
		t.Fatalf("expected zero-data message to decode fine: %v", err)
	}
}

func TestPrefixBytes(t *testing.T) {
	id := uuid.New()
	m := Message{UUID: id, Timestamp: 42}
	p := m.Prefix()
	if len(p) != 24 {
		t.Fatalf("expected 24-byte prefix, got %d", len(p))
	}
	if !bytes.Equal(p[:16], id[:]) {
		t.Error("prefix uuid mismatch")
	}
}
