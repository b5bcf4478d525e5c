// Package chp implements the Clustered Hash-map Protocol: a replicated,
// sequence-numbered key/value map served by a Server and mirrored by one
// or more Clients over three independent channels (snapshot, publisher,
// collector).
package chp

import "github.com/google/uuid"

// Entry is one key/value record in the replicated map, as decoded off the
// wire's 5-frame tuple or staged for a server mutation. Sequence is kept
// as a native int64 internally; it is only coerced to a float64 when it
// crosses the wire, per the legacy double-precision wire contract.
type Entry struct {
	Key        string
	Value      string
	Sequence   int64
	OwnerUUID  uuid.UUID
	HasOwner   bool
	Properties string
}

// maxSafeSequence is the largest integer a float64 can represent exactly.
// The server refuses to mint a sequence number beyond it, since the wire
// contract carries Sequence as a float64 (spec: "implementations SHOULD
// validate against overflow at 2^53 and reject/rotate the server at that
// point").
const maxSafeSequence = 1 << 53

const (
	msgICANHAZ  = "ICANHAZ?"
	msgKTHXBAI  = "KTHXBAI"
	msgHeartbeat = "HUGZ"
)
