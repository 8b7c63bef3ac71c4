package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nmxmxh/meshvault/internal/chunk"
	"github.com/nmxmxh/meshvault/internal/dhtnode"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
)

// chunkEnvelope is the DHT value payload for a chunk key: identity plus
// bytes, so a holder can serve it back without a side channel.
type chunkEnvelope struct {
	Descriptor chunk.Descriptor `json:"descriptor"`
	Data       []byte           `json:"data"`
}

func chunkKey(checksum string) identity.ID { return identity.KeyFor("chunk:" + checksum) }
func metadataKey(id string) identity.ID    { return identity.KeyFor("metadata:" + id) }

// NetworkProvider is the DHT-backed storage provider: for each chunk,
// select the n closest nodes via FIND_NODE(chunk_checksum) and issue a
// per-node STORE to exactly that set; write the artifact's metadata to
// `metadata:<id>`. n comes from StoreOptions.Replicas (default
// MinReplicas), so the caller's replica count bounds the fan-out width.
//
// Bulk unicast chunk transfer belongs to the transport layer, not here:
// the chunk bytes ride the STORE value envelope.
type NetworkProvider struct {
	dht *dhtnode.DHT
	now func() time.Time
}

// NewNetworkProvider creates a provider backed by dht.
func NewNetworkProvider(dht *dhtnode.DHT) *NetworkProvider {
	return &NetworkProvider{dht: dht, now: time.Now}
}

// WithClock overrides the time source (intended for tests).
func (p *NetworkProvider) WithClock(now func() time.Time) *NetworkProvider {
	p.now = now
	return p
}

func locationsFromClosest(peers []identity.ID, n int) []ChunkLocation {
	if n > len(peers) {
		n = len(peers)
	}
	out := make([]ChunkLocation, n)
	for i := 0; i < n; i++ {
		out[i] = ChunkLocation{
			NodeID:       peers[i].String(),
			StorageType:  StorageNetwork,
			Availability: 1,
			Health:       1,
		}
	}
	return out
}

// Store splits data into chunks, writes each as a DHT value keyed by its
// checksum to the n closest peers, and writes the resulting metadata to
// `metadata:<id>`.
func (p *NetworkProvider) Store(ctx context.Context, data []byte, opts StoreOptions) (ArtifactMetadata, error) {
	now := p.now()
	id := opts.artifactID(data, now)
	n := opts.replicas()

	chunks, err := chunk.Split(data, opts.chunkSize())
	if err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "chunk split failed", err)
	}

	descriptors := make([]ChunkDescriptor, len(chunks))
	for i, c := range chunks {
		target := chunkKey(c.Checksum)
		closest, ferr := p.dht.FindNode(ctx, target)
		if ferr != nil {
			return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "find_node for chunk placement failed", ferr)
		}
		writeSet := closest
		if len(writeSet) > n {
			writeSet = writeSet[:n]
		}
		closestIDs := make([]identity.ID, len(writeSet))
		for j, peer := range writeSet {
			closestIDs[j] = peer.ID
		}

		envBytes, merr := json.Marshal(chunkEnvelope{Descriptor: c.Descriptor, Data: c.Data})
		if merr != nil {
			return ArtifactMetadata{}, merr
		}
		if _, perr := p.dht.StoreAt(ctx, target, envBytes, writeSet); perr != nil {
			return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "store chunk failed", perr)
		}

		descriptors[i] = ChunkDescriptor{
			Descriptor: c.Descriptor,
			Locations:  locationsFromClosest(closestIDs, n),
			Replicas:   n,
			Encryption: opts.Encrypt,
			Compression: opts.Compress,
		}
	}

	meta := ArtifactMetadata{
		ID:          id,
		Size:        int64(len(data)),
		Chunks:      descriptors,
		Created:     now,
		Modified:    now,
		Checksum:    contentChecksum(data),
		StorageType: StorageNetwork,
		Replicas:    n,
		Encryption:  opts.Encrypt,
		Compression: opts.Compress,
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	if _, err := p.dht.Put(ctx, metadataKey(id), metaBytes); err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "store metadata failed", err)
	}
	return meta, nil
}

// GetMetadata fetches an artifact's metadata from `metadata:<id>`.
func (p *NetworkProvider) GetMetadata(ctx context.Context, id string) (ArtifactMetadata, error) {
	raw, err := p.dht.Get(ctx, metadataKey(id))
	if err != nil {
		return ArtifactMetadata{}, err
	}
	var meta ArtifactMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed artifact metadata", err)
	}
	return meta, nil
}

// Retrieve fetches every chunk from the DHT and reassembles the artifact.
func (p *NetworkProvider) Retrieve(ctx context.Context, id string) ([]byte, error) {
	meta, err := p.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks := make([]chunk.Chunk, len(meta.Chunks))
	for i, cd := range meta.Chunks {
		raw, err := p.dht.Get(ctx, chunkKey(cd.Checksum))
		if err != nil {
			return nil, meshvaulterrors.Wrap(meshvaulterrors.RetrieveError, "fetch chunk failed", err)
		}
		var env chunkEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed chunk envelope", err)
		}
		chunks[i] = chunk.Chunk{Descriptor: cd.Descriptor, Data: env.Data}
	}

	combined, err := chunk.Combine(chunks)
	if err != nil {
		return nil, meshvaulterrors.ChunkValidationErr(meta.Checksum, err)
	}
	return combined, nil
}

// Delete removes an artifact's metadata and best-effort removes its
// chunks. A chunk may still be referenced by other artifacts or be
// unreachable; deletion succeeds as long as the metadata entry is
// removed.
func (p *NetworkProvider) Delete(ctx context.Context, id string) (bool, error) {
	meta, err := p.GetMetadata(ctx, id)
	if err != nil {
		if meshvaulterrors.Is(err, meshvaulterrors.NotFound) {
			return false, nil
		}
		return false, err
	}
	for _, cd := range meta.Chunks {
		_ = p.dht.Delete(ctx, chunkKey(cd.Checksum))
	}
	if err := p.dht.Delete(ctx, metadataKey(id)); err != nil {
		return false, err
	}
	return true, nil
}

// UpdateMetadata fetches, patches and re-stores an artifact's metadata.
func (p *NetworkProvider) UpdateMetadata(ctx context.Context, id string, patch func(*ArtifactMetadata)) (ArtifactMetadata, error) {
	meta, err := p.GetMetadata(ctx, id)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	patch(&meta)
	meta.Modified = p.now()

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	if _, err := p.dht.Put(ctx, metadataKey(id), metaBytes); err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "update metadata failed", err)
	}
	return meta, nil
}

// ValidateChecksum recomputes an artifact's checksum from its fetched
// chunks and compares it to the recorded metadata checksum.
func (p *NetworkProvider) ValidateChecksum(ctx context.Context, id string) (bool, error) {
	data, err := p.Retrieve(ctx, id)
	if err != nil {
		return false, err
	}
	meta, err := p.GetMetadata(ctx, id)
	if err != nil {
		return false, err
	}
	return contentChecksum(data) == meta.Checksum, nil
}

// GetStats reports the provider's reachable-peer count as a proxy for its
// network footprint; artifact-level totals live in the publisher's index
// keys, not enumerable from a single provider without a network scan.
func (p *NetworkProvider) GetStats(ctx context.Context) (Stats, error) {
	return Stats{
		ActiveProviders: p.dht.Table().Size() + 1,
		Reliability:     1,
	}, nil
}

// Cleanup is a no-op: the DHT's own republish/refresh tasks (internal/
// dhtnode) handle republishing and peer liveness; stored values have no
// expiry to clean up.
func (p *NetworkProvider) Cleanup(ctx context.Context) error {
	return nil
}
