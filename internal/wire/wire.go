// Package wire implements the multi-frame socket framing used by every
// component of the telemetry bus: the CHP snapshot/publisher/collector
// channels, the forwarder relay, and the tap/mug sample stream.
//
// A message is an ordered sequence of one or more frames. Frames are
// written back-to-back on the connection; each is preceded by a one-byte
// "more" flag (1 if another frame follows, 0 if this is the last frame of
// the message) and a 4-byte little-endian length. There is no separate
// in-band message-length field — the more-flag is the only framing
// metadata an application needs, matching the "more-frames-follow"
// semantics spec'd for the CHP and sample wire formats.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxFrameLen guards against a corrupt or hostile length prefix causing an
// unbounded allocation.
const MaxFrameLen = 64 << 20 // 64 MiB

// WriteMessage writes frames as a single framed message. An empty frames
// slice is rejected; every message must carry at least one frame.
func WriteMessage(w io.Writer, frames ...[]byte) error {
	if len(frames) == 0 {
		return fmt.Errorf("wire: message must contain at least one frame")
	}
	for i, f := range frames {
		more := byte(0)
		if i < len(frames)-1 {
			more = 1
		}
		hdr := make([]byte, 5)
		hdr[0] = more
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(f)))
		if _, err := w.Write(hdr); err != nil {
			return fmt.Errorf("wire: write frame header: %w", err)
		}
		if len(f) > 0 {
			if _, err := w.Write(f); err != nil {
				return fmt.Errorf("wire: write frame body: %w", err)
			}
		}
	}
	return nil
}

// ReadMessage reads one framed message, returning all of its frames in
// order. It blocks until the message is fully read or the reader returns
// an error (including io.EOF on a clean close between messages).
func ReadMessage(r *bufio.Reader) ([][]byte, error) {
	var frames [][]byte
	for {
		hdr := make([]byte, 5)
		if _, err := io.ReadFull(r, hdr); err != nil {
			return nil, err
		}
		more := hdr[0]
		n := binary.LittleEndian.Uint32(hdr[1:])
		if n > MaxFrameLen {
			return nil, fmt.Errorf("wire: frame length %d exceeds max %d", n, MaxFrameLen)
		}
		body := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(r, body); err != nil {
				return nil, fmt.Errorf("wire: read frame body: %w", err)
			}
		}
		frames = append(frames, body)
		if more == 0 {
			return frames, nil
		}
	}
}

// EncodeFloat64 encodes v as an 8-byte little-endian IEEE-754 double, the
// on-the-wire representation for CHP sequence numbers.
func EncodeFloat64(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// DecodeFloat64 decodes an 8-byte little-endian IEEE-754 double.
func DecodeFloat64(b []byte) (float64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("wire: float64 frame must be 8 bytes, got %d", len(b))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// EncodeUint64 encodes v as an 8-byte little-endian unsigned integer, used
// for sample timestamps.
func EncodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return b
}

// DecodeUint64 decodes an 8-byte little-endian unsigned integer.
func DecodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("wire: uint64 frame must be 8 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint64(b), nil
}

// EncodeUint16 encodes v as a 2-byte little-endian unsigned integer, used
// for the reserved compression flag.
func EncodeUint16(v uint16) []byte {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return b
}

// DecodeUint16 decodes a 2-byte little-endian unsigned integer.
func DecodeUint16(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("wire: uint16 frame must be 2 bytes, got %d", len(b))
	}
	return binary.LittleEndian.Uint16(b), nil
}
