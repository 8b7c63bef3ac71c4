package storage

import "context"

// Provider is the uniform storage contract. Local, Network and P2P
// implement it identically from the caller's perspective; they differ
// only in where chunks live.
type Provider interface {
	// Store splits data into chunks per opts, persists them, and returns
	// the resulting artifact metadata.
	Store(ctx context.Context, data []byte, opts StoreOptions) (ArtifactMetadata, error)
	// Retrieve reassembles and returns an artifact's full bytes.
	Retrieve(ctx context.Context, id string) ([]byte, error)
	// Delete removes an artifact. Returns false if the id was unknown to
	// this provider.
	Delete(ctx context.Context, id string) (bool, error)
	// GetMetadata returns an artifact's metadata without fetching chunks.
	GetMetadata(ctx context.Context, id string) (ArtifactMetadata, error)
	// UpdateMetadata applies patch to an artifact's stored metadata.
	UpdateMetadata(ctx context.Context, id string, patch func(*ArtifactMetadata)) (ArtifactMetadata, error)
	// ValidateChecksum recomputes an artifact's checksum from its stored
	// chunks and compares it against the recorded metadata checksum.
	ValidateChecksum(ctx context.Context, id string) (bool, error)
	// GetStats reports this provider's point-in-time statistics.
	GetStats(ctx context.Context) (Stats, error)
	// Cleanup runs provider-specific maintenance (stale entry pruning,
	// cache eviction). It is safe to call repeatedly.
	Cleanup(ctx context.Context) error
}
