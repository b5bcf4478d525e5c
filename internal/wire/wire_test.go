package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	frames := [][]byte{[]byte("ICANHAZ?"), []byte(""), []byte("hello")}
	if err := WriteMessage(&buf, frames...); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	got, err := ReadMessage(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if !bytes.Equal(got[i], frames[i]) {
			t.Errorf("frame %d: got %q, want %q", i, got[i], frames[i])
		}
	}
}

func TestWriteMessageRequiresFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf); err == nil {
		t.Fatal("expected error for empty frame list")
	}
}

func TestMultipleMessagesOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, []byte("a"), []byte("b")); err != nil {
		t.Fatal(err)
	}
	if err := WriteMessage(&buf, []byte("c")); err != nil {
		t.Fatal(err)
	}

	r := bufio.NewReader(&buf)
	m1, err := ReadMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(m1) != 2 {
		t.Fatalf("first message: got %d frames, want 2", len(m1))
	}

	m2, err := ReadMessage(r)
	if err != nil {
		t.Fatal(err)
	}
	if len(m2) != 1 || string(m2[0]) != "c" {
		t.Fatalf("second message: got %v", m2)
	}
}

func TestFloat64RoundTrip(t *testing.T) {
	for _, v := range []float64{0, 1, -1, 12345.6789, 9007199254740992} {
		got, err := DecodeFloat64(EncodeFloat64(v))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got != v {
			t.Errorf("got %v, want %v", got, v)
		}
	}
}

func TestUint64RoundTrip(t *testing.T) {
	v := uint64(1717171717171717)
	got, err := DecodeUint64(EncodeUint64(v))
	if err != nil {
		t.Fatal(err)
	}
	if got != v {
		t.Errorf("got %d, want %d", got, v)
	}
}

func TestUint16RoundTrip(t *testing.T) {
	got, err := DecodeUint16(EncodeUint16(0))
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestDecodeFloat64BadLength(t *testing.T) {
	if _, err := DecodeFloat64([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short frame")
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	hdr := []byte{0, 0, 0, 0, 0}
	hdr[1] = 0xff
	hdr[2] = 0xff
	hdr[3] = 0xff
	hdr[4] = 0xff
	buf.Write(hdr)
	if _, err := ReadMessage(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for oversized frame length")
	}
}
