package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nmxmxh/meshvault/internal/chunk"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
)

// LocalProvider persists chunks and metadata to disk: one replica,
// synchronous writes, atomic rename on metadata updates. Layout is
// <root>/chunks/<id>/<index> for chunk bytes and <root>/metadata/<id>
// for the metadata JSON.
type LocalProvider struct {
	root string
	mu   sync.RWMutex
	now  func() time.Time
}

// NewLocalProvider creates a provider rooted at root. It touches nothing
// on disk; directories under root are created when artifacts are written.
func NewLocalProvider(root string) *LocalProvider {
	return &LocalProvider{root: root, now: time.Now}
}

// WithClock overrides the time source (intended for tests).
func (p *LocalProvider) WithClock(now func() time.Time) *LocalProvider {
	p.now = now
	return p
}

func (p *LocalProvider) chunksDir(id string) string { return filepath.Join(p.root, "chunks", id) }
func (p *LocalProvider) chunkPath(id string, index int) string {
	return filepath.Join(p.chunksDir(id), strconv.Itoa(index))
}
func (p *LocalProvider) metaPath(id string) string { return filepath.Join(p.root, "metadata", id) }

// Store splits data into chunks, writes each chunk file synchronously,
// and writes the resulting metadata atomically.
func (p *LocalProvider) Store(ctx context.Context, data []byte, opts StoreOptions) (ArtifactMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	id := opts.artifactID(data, now)

	chunks, err := chunk.Split(data, opts.chunkSize())
	if err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "chunk split failed", err)
	}

	descriptors := make([]ChunkDescriptor, len(chunks))
	for i, c := range chunks {
		if err := os.MkdirAll(p.chunksDir(id), 0o755); err != nil {
			return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "create chunk dir failed", err)
		}
		if err := os.WriteFile(p.chunkPath(id, c.Index), c.Data, 0o644); err != nil {
			return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "write chunk failed", err)
		}
		descriptors[i] = ChunkDescriptor{
			Descriptor: c.Descriptor,
			Locations: []ChunkLocation{{
				NodeID:       "local",
				StorageType:  StorageLocal,
				Availability: 1,
				LastSeen:     now,
				Health:       1,
			}},
			Replicas:   1,
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
		StorageType: StorageLocal,
		Replicas:    1,
		Encryption:  opts.Encrypt,
		Compression: opts.Compress,
	}

	if err := writeJSONAtomic(p.metaPath(id), meta); err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "write metadata failed", err)
	}
	return meta, nil
}

func (p *LocalProvider) readMetadata(id string) (ArtifactMetadata, error) {
	var meta ArtifactMetadata
	if err := readJSON(p.metaPath(id), &meta); err != nil {
		if os.IsNotExist(err) {
			return ArtifactMetadata{}, meshvaulterrors.NotFoundErr("artifact", id)
		}
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.RetrieveError, "read metadata failed", err)
	}
	return meta, nil
}

// Retrieve reassembles an artifact's full bytes from its chunk files,
// rejecting (with no partial data returned) on any checksum mismatch.
func (p *LocalProvider) Retrieve(ctx context.Context, id string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	meta, err := p.readMetadata(id)
	if err != nil {
		return nil, err
	}

	chunks := make([]chunk.Chunk, len(meta.Chunks))
	for i, cd := range meta.Chunks {
		data, err := os.ReadFile(p.chunkPath(id, cd.Index))
		if err != nil {
			return nil, meshvaulterrors.Wrap(meshvaulterrors.RetrieveError, "read chunk failed", err)
		}
		chunks[i] = chunk.Chunk{Descriptor: cd.Descriptor, Data: data}
	}

	combined, err := chunk.Combine(chunks)
	if err != nil {
		return nil, meshvaulterrors.ChunkValidationErr(meta.Checksum, err)
	}
	return combined, nil
}

// Delete removes an artifact's chunk directory and metadata file.
func (p *LocalProvider) Delete(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := os.Stat(p.metaPath(id)); os.IsNotExist(err) {
		return false, nil
	}
	_ = os.RemoveAll(p.chunksDir(id))
	if err := os.Remove(p.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return false, meshvaulterrors.Wrap(meshvaulterrors.RetrieveError, "delete metadata failed", err)
	}
	return true, nil
}

// GetMetadata returns an artifact's stored metadata without touching its
// chunk files.
func (p *LocalProvider) GetMetadata(ctx context.Context, id string) (ArtifactMetadata, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readMetadata(id)
}

// UpdateMetadata applies patch to an artifact's metadata and rewrites it
// atomically.
func (p *LocalProvider) UpdateMetadata(ctx context.Context, id string, patch func(*ArtifactMetadata)) (ArtifactMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	meta, err := p.readMetadata(id)
	if err != nil {
		return ArtifactMetadata{}, err
	}
	patch(&meta)
	meta.Modified = p.now()
	if err := writeJSONAtomic(p.metaPath(id), meta); err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "write metadata failed", err)
	}
	return meta, nil
}

// ValidateChecksum recomputes an artifact's checksum from its stored
// chunks and compares it to the recorded metadata checksum.
func (p *LocalProvider) ValidateChecksum(ctx context.Context, id string) (bool, error) {
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

// GetStats reports the total size recorded in the artifacts' metadata
// files, with one active provider and full reliability.
func (p *LocalProvider) GetStats(ctx context.Context) (Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(p.root, "metadata"))
	if err != nil {
		if os.IsNotExist(err) {
			return Stats{ActiveProviders: 1, Reliability: 1}, nil
		}
		return Stats{}, meshvaulterrors.Wrap(meshvaulterrors.RetrieveError, "list metadata failed", err)
	}

	var total int64
	for _, e := range entries {
		var meta ArtifactMetadata
		if err := readJSON(filepath.Join(p.root, "metadata", e.Name()), &meta); err == nil {
			total += meta.Size
		}
	}
	return Stats{
		TotalSize:       total,
		ActiveProviders: 1,
		Reliability:     1,
	}, nil
}

// Cleanup is a no-op for the local provider: there is no remote expiry or
// cache eviction to perform, only on-disk state the caller owns directly.
func (p *LocalProvider) Cleanup(ctx context.Context) error {
	return nil
}
