package core

import "context"

// JournalManager is the external journal storage engine this subsystem
// replicates for. Only the checkpoint-facing surface is consumed here;
// entry append/read stays behind the journal's own API.
type JournalManager interface {
	// CheckpointState produces a serialized snapshot of the journal's
	// full filesystem state, suitable for later recovery.
	CheckpointState(ctx context.Context) ([]byte, error)
	// Recover rebuilds journal state from a snapshot previously produced
	// by CheckpointState.
	Recover(ctx context.Context, state []byte) error
}

// StorageTier names a storage class in the tiered backend.
type StorageTier string

const (
	TierHot     StorageTier = "hot"
	TierWarm    StorageTier = "warm"
	TierCold    StorageTier = "cold"
	TierArchive StorageTier = "archive"
)

// TieredBackend physically places content across storage classes. It is
// consulted only by tiered-level replication.
type TieredBackend interface {
	// StoreContent writes content into the given tier and returns the
	// backend's content id.
	StoreContent(ctx context.Context, content []byte, tier StorageTier) (string, error)
	// MoveContentToTier relocates previously stored content to another
	// tier, returning the (possibly new) content id.
	MoveContentToTier(ctx context.Context, contentID string, tier StorageTier) (string, error)
}

// ReplicationTransport delivers replication payloads to peers. Retries,
// timeouts, and error classification are the transport's concern; the
// engine only consumes the boolean outcome.
type ReplicationTransport interface {
	// ReplicateToPeer delivers one payload to one peer and reports
	// whether the peer acknowledged it.
	ReplicateToPeer(ctx context.Context, peerID string, payload []byte, kind PayloadKind) bool
	// InitializeDistributedState announces this node to the cluster so
	// peers can discover it.
	InitializeDistributedState(ctx context.Context) error
}
