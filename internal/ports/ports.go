// Package ports centralizes the fixed offsets every component adds to a
// shared base port to find its peers, so the CHP server/client, forwarder,
// tap, and mug all agree on the same layout without passing the individual
// port numbers around by hand.
package ports

// Offsets from a configured base port. CHP claims the first three; the
// forwarder's frontend/backend relay ports sit immediately above it.
const (
	SnapshotOffset  = 0
	PublisherOffset = 1
	CollectorOffset = 2

	ForwarderFrontendOffset = 3
	ForwarderBackendOffset  = 4
)
