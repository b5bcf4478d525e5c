package chp

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dustingooding/lager-go/internal/wire"
)

// encodeEntryFrames builds the 5-frame shape shared by snapshot replies,
// publisher updates, heartbeats, and client mutations: key, sequence (8B
// double LE), owner uuid (16 raw bytes, or empty for control frames),
// properties, value.
func encodeEntryFrames(key string, sequence float64, owner uuid.UUID, hasOwner bool, properties, value string) [][]byte {
	ownerFrame := []byte{}
	if hasOwner {
		ownerFrame = append([]byte{}, owner[:]...)
	}
	return [][]byte{
		[]byte(key),
		wire.EncodeFloat64(sequence),
		ownerFrame,
		[]byte(properties),
		[]byte(value),
	}
}

func decodeEntryFrames(frames [][]byte) (Entry, error) {
	if len(frames) != 5 {
		return Entry{}, fmt.Errorf("chp: expected 5 frames, got %d", len(frames))
	}
	seq, err := wire.DecodeFloat64(frames[1])
	if err != nil {
		return Entry{}, fmt.Errorf("chp: decode sequence: %w", err)
	}
	d := Entry{
		Key:        string(frames[0]),
		Sequence:   int64(seq),
		Properties: string(frames[3]),
		Value:      string(frames[4]),
	}
	switch len(frames[2]) {
	case 0:
		// control frame (heartbeat/terminator) or a client that hasn't set an identity.
	case 16:
		copy(d.OwnerUUID[:], frames[2])
		d.HasOwner = true
	default:
		return Entry{}, fmt.Errorf("chp: owner uuid frame must be 0 or 16 bytes, got %d", len(frames[2]))
	}
	return d, nil
}

// snapshotRequestFrames builds the 2-frame ICANHAZ? request.
func snapshotRequestFrames(subtree string) [][]byte {
	return [][]byte{[]byte(msgICANHAZ), []byte(subtree)}
}

func heartbeatFrames() [][]byte {
	return encodeEntryFrames(msgHeartbeat, 0, uuid.UUID{}, false, "", "")
}

func terminatorFrames(sequence int64, subtree string) [][]byte {
	return encodeEntryFrames(msgKTHXBAI, float64(sequence), uuid.UUID{}, false, "", subtree)
}
