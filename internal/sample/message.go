// Package sample defines the wire format a tap publishes and a mug
// consumes: a fixed four-frame header (identity, version, compression,
// timestamp) followed by the schema-ordered data frames themselves.
package sample

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/dustingooding/lager-go/internal/wire"
)

// ErrMalformedMessage marks a structural validation failure discovered
// after a message's frames were fully read off the wire: wrong frame
// count, a bad identity width, or an unsupported data frame size. The
// bufio.Reader is already positioned at the next message, so callers
// should drop the message and keep reading rather than reconnect.
var ErrMalformedMessage = errors.New("sample: malformed message")

// validFrameSizes enumerates the only widths a tap is allowed to publish a
// data item as; anything else indicates a schema/publisher mismatch.
var validFrameSizes = map[int]bool{1: true, 2: true, 4: true, 8: true}

// Message is one published sample: a tap identity, its schema version tag,
// a reserved compression flag (always 0 in this revision), a nanosecond
// timestamp, and the raw data items in schema order.
type Message struct {
	UUID        uuid.UUID
	Version     string
	Compression uint16
	Timestamp   uint64
	Data        [][]byte
}

// Encode writes m as a framed message: uuid, version, compression,
// timestamp, then each data frame in order.
func Encode(w io.Writer, m Message) error {
	frames := make([][]byte, 0, 4+len(m.Data))
	id := make([]byte, 16)
	copy(id, m.UUID[:])
	frames = append(frames,
		id,
		[]byte(m.Version),
		wire.EncodeUint16(m.Compression),
		wire.EncodeUint64(m.Timestamp),
	)
	frames = append(frames, m.Data...)
	return wire.WriteMessage(w, frames...)
}

// Decode reads one framed sample message and validates that every data
// frame is one of the supported widths.
func Decode(r *bufio.Reader) (Message, error) {
	frames, err := wire.ReadMessage(r)
	if err != nil {
		return Message{}, err
	}
	if len(frames) < 4 {
		return Message{}, fmt.Errorf("%w: expected at least 4 header frames, got %d", ErrMalformedMessage, len(frames))
	}
	if len(frames[0]) != 16 {
		return Message{}, fmt.Errorf("%w: identity frame must be 16 bytes, got %d", ErrMalformedMessage, len(frames[0]))
	}

	var m Message
	copy(m.UUID[:], frames[0])
	m.Version = string(frames[1])

	compression, err := wire.DecodeUint16(frames[2])
	if err != nil {
		return Message{}, fmt.Errorf("%w: decode compression: %v", ErrMalformedMessage, err)
	}
	m.Compression = compression

	ts, err := wire.DecodeUint64(frames[3])
	if err != nil {
		return Message{}, fmt.Errorf("%w: decode timestamp: %v", ErrMalformedMessage, err)
	}
	m.Timestamp = ts

	for _, d := range frames[4:] {
		if !validFrameSizes[len(d)] {
			return Message{}, fmt.Errorf("%w: unsupported data frame size %d", ErrMalformedMessage, len(d))
		}
	}
	m.Data = frames[4:]

	return m, nil
}

// Prefix returns the identity+timestamp bytes a keg writer prepends to
// every sample buffer, matching the accumulation order a consumer builds
// its record in: identity first, then timestamp, then each data item as it
// arrives.
func (m Message) Prefix() []byte {
	buf := make([]byte, 0, 16+8)
	buf = append(buf, m.UUID[:]...)
	buf = append(buf, wire.EncodeUint64(m.Timestamp)...)
	return buf
}
