package storage

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/nmxmxh/meshvault/internal/chunk"
	"github.com/nmxmxh/meshvault/internal/dhtnode"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"golang.org/x/time/rate"
)

// announcement is the value stored at `p2p:announce:<node_id>`.
type announcement struct {
	NodeID string   `json:"node_id"`
	Chunks []string `json:"chunks"`
	TS     int64    `json:"ts"`
}

// P2PProvider holds a local chunk cache and tracks which peers have
// announced holding which chunks (peerChunks: checksum -> set<peer_id>),
// broadcasting its own holdings periodically. Each node also publishes
// its own chunk copies under holder-scoped keys
// (`p2p:chunk:<node_id>:<checksum>`), so retrieval can try each
// advertised holder's copy in ascending observed latency.
//
// Direct unicast chunk transfer between peers belongs to the transport
// layer: a holder's bytes ride the DHT value store rather than a
// dedicated connection.
type P2PProvider struct {
	dht   *dhtnode.DHT
	limit *rate.Limiter
	now   func() time.Time

	mu          sync.RWMutex
	localCache  map[string][]byte // checksum -> bytes
	peerChunks  map[string]map[string]struct{} // checksum -> set<peer_id>
	peerLatency map[string]float64             // peer_id -> observed latency ms

	meta map[string]ArtifactMetadata // id -> metadata, held locally for this provider's own writes

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// AnnounceInterval is the default p2p announcement cadence.
const AnnounceInterval = 60 * time.Second

// NewP2PProvider creates a provider backed by dht, self-identified by
// dht.Self() in announcements.
func NewP2PProvider(dht *dhtnode.DHT) *P2PProvider {
	return &P2PProvider{
		dht:         dht,
		limit:       rate.NewLimiter(rate.Every(AnnounceInterval), 1),
		now:         time.Now,
		localCache:  make(map[string][]byte),
		peerChunks:  make(map[string]map[string]struct{}),
		peerLatency: make(map[string]float64),
		meta:        make(map[string]ArtifactMetadata),
	}
}

// WithClock overrides the time source (intended for tests).
func (p *P2PProvider) WithClock(now func() time.Time) *P2PProvider {
	p.now = now
	return p
}

// StartAnnouncing launches the periodic announcement loop, rate-limited
// to AnnounceInterval.
func (p *P2PProvider) StartAnnouncing(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(AnnounceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				p.announce(runCtx)
			}
		}
	}()
}

// StopAnnouncing halts the periodic announcement loop.
func (p *P2PProvider) StopAnnouncing() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// p2pChunkKey addresses one holder's copy of a chunk.
func p2pChunkKey(nodeID, checksum string) identity.ID {
	return identity.KeyFor("p2p:chunk:" + nodeID + ":" + checksum)
}

func (p *P2PProvider) announce(ctx context.Context) {
	if !p.limit.Allow() {
		return
	}
	p.mu.RLock()
	checksums := make([]string, 0, len(p.localCache))
	for sum := range p.localCache {
		checksums = append(checksums, sum)
	}
	p.mu.RUnlock()

	a := announcement{NodeID: p.dht.Self().String(), Chunks: checksums, TS: p.now().Unix()}
	data, err := json.Marshal(a)
	if err != nil {
		return
	}
	key := identity.KeyFor("p2p:announce:" + p.dht.Self().String())
	_, _ = p.dht.Put(ctx, key, data)
}

// ObserveAnnouncement records a peer's advertised chunk holdings, called
// when this node learns of an announcement (e.g. via its own periodic
// network scan or an inbound gossip path outside this package's scope).
func (p *P2PProvider) ObserveAnnouncement(peerID string, checksums []string, latencyMs float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sum := range checksums {
		if p.peerChunks[sum] == nil {
			p.peerChunks[sum] = make(map[string]struct{})
		}
		p.peerChunks[sum][peerID] = struct{}{}
	}
	p.peerLatency[peerID] = latencyMs
}

// holdersByLatency returns the peers known to hold checksum, ascending by
// observed latency (unknown latency sorts last).
func (p *P2PProvider) holdersByLatency(checksum string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	holders := p.peerChunks[checksum]
	out := make([]string, 0, len(holders))
	for id := range holders {
		out = append(out, id)
	}
	sortByLatency(out, p.peerLatency)
	return out
}

func sortByLatency(ids []string, latency map[string]float64) {
	latencyOf := func(id string) float64 {
		if v, ok := latency[id]; ok {
			return v
		}
		return math.MaxFloat64
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && latencyOf(ids[j]) < latencyOf(ids[j-1]); j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

// Store chunks data, caches it locally, publishes each chunk under this
// node's holder-scoped key, and writes metadata to the DHT so other
// peers can resolve the artifact id to a chunk list.
func (p *P2PProvider) Store(ctx context.Context, data []byte, opts StoreOptions) (ArtifactMetadata, error) {
	now := p.now()
	id := opts.artifactID(data, now)

	chunks, err := chunk.Split(data, opts.chunkSize())
	if err != nil {
		return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "chunk split failed", err)
	}

	descriptors := make([]ChunkDescriptor, len(chunks))
	p.mu.Lock()
	for i, c := range chunks {
		p.localCache[c.Checksum] = c.Data
		descriptors[i] = ChunkDescriptor{
			Descriptor: c.Descriptor,
			Locations: []ChunkLocation{{
				NodeID:       p.dht.Self().String(),
				StorageType:  StorageP2P,
				Availability: 1,
				LastSeen:     now,
				Health:       1,
			}},
			Replicas:    1,
			Encryption:  opts.Encrypt,
			Compression: opts.Compress,
		}
	}
	p.mu.Unlock()

	self := p.dht.Self().String()
	for _, c := range chunks {
		envBytes, merr := json.Marshal(chunkEnvelope{Descriptor: c.Descriptor, Data: c.Data})
		if merr != nil {
			return ArtifactMetadata{}, merr
		}
		if _, perr := p.dht.Put(ctx, p2pChunkKey(self, c.Checksum), envBytes); perr != nil {
			return ArtifactMetadata{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "publish chunk copy failed", perr)
		}
	}

	meta := ArtifactMetadata{
		ID:          id,
		Size:        int64(len(data)),
		Chunks:      descriptors,
		Created:     now,
		Modified:    now,
		Checksum:    contentChecksum(data),
		StorageType: StorageP2P,
		Replicas:    1,
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

	p.mu.Lock()
	p.meta[id] = meta
	p.mu.Unlock()
	return meta, nil
}

func (p *P2PProvider) GetMetadata(ctx context.Context, id string) (ArtifactMetadata, error) {
	p.mu.RLock()
	if meta, ok := p.meta[id]; ok {
		p.mu.RUnlock()
		return meta, nil
	}
	p.mu.RUnlock()

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

// Retrieve tries the local cache first, then each advertised holder's
// copy in ascending observed latency, then the generic `chunk:<checksum>`
// key as a last resort. A holder copy that fails verification is skipped
// in favor of the next.
func (p *P2PProvider) Retrieve(ctx context.Context, id string) ([]byte, error) {
	meta, err := p.GetMetadata(ctx, id)
	if err != nil {
		return nil, err
	}

	chunks := make([]chunk.Chunk, len(meta.Chunks))
	for i, cd := range meta.Chunks {
		p.mu.RLock()
		cached, ok := p.localCache[cd.Checksum]
		p.mu.RUnlock()
		if ok {
			chunks[i] = chunk.Chunk{Descriptor: cd.Descriptor, Data: cached}
			continue
		}

		data, ferr := p.fetchFromHolders(ctx, cd)
		if ferr != nil {
			return nil, ferr
		}
		chunks[i] = chunk.Chunk{Descriptor: cd.Descriptor, Data: data}
	}

	combined, err := chunk.Combine(chunks)
	if err != nil {
		return nil, meshvaulterrors.ChunkValidationErr(meta.Checksum, err)
	}
	return combined, nil
}

// fetchFromHolders resolves one chunk's bytes from the network: each
// advertised holder's copy in ascending observed latency first, then the
// generic chunk key.
func (p *P2PProvider) fetchFromHolders(ctx context.Context, cd ChunkDescriptor) ([]byte, error) {
	for _, holder := range p.holdersByLatency(cd.Checksum) {
		raw, err := p.dht.Get(ctx, p2pChunkKey(holder, cd.Checksum))
		if err != nil {
			continue
		}
		var env chunkEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		if chunk.Verify(env.Data, cd.Descriptor) != nil {
			continue
		}
		return env.Data, nil
	}

	raw, err := p.dht.Get(ctx, chunkKey(cd.Checksum))
	if err != nil {
		return nil, meshvaulterrors.Wrap(meshvaulterrors.RetrieveError, "fetch chunk failed", err)
	}
	var env chunkEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed chunk envelope", err)
	}
	return env.Data, nil
}

// Delete drops the artifact's chunks from the local cache and removes
// the metadata entry this node owns. Other holders' caches are
// unaffected; deletion is best-effort.
func (p *P2PProvider) Delete(ctx context.Context, id string) (bool, error) {
	meta, err := p.GetMetadata(ctx, id)
	if err != nil {
		if meshvaulterrors.Is(err, meshvaulterrors.NotFound) {
			return false, nil
		}
		return false, err
	}

	p.mu.Lock()
	for _, cd := range meta.Chunks {
		delete(p.localCache, cd.Checksum)
	}
	delete(p.meta, id)
	p.mu.Unlock()

	self := p.dht.Self().String()
	for _, cd := range meta.Chunks {
		_ = p.dht.Delete(ctx, p2pChunkKey(self, cd.Checksum))
	}

	if err := p.dht.Delete(ctx, metadataKey(id)); err != nil {
		return false, err
	}
	return true, nil
}

func (p *P2PProvider) UpdateMetadata(ctx context.Context, id string, patch func(*ArtifactMetadata)) (ArtifactMetadata, error) {
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

	p.mu.Lock()
	p.meta[id] = meta
	p.mu.Unlock()
	return meta, nil
}

func (p *P2PProvider) ValidateChecksum(ctx context.Context, id string) (bool, error) {
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

// GetStats reports local cache size and known-holder population.
func (p *P2PProvider) GetStats(ctx context.Context) (Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total int64
	for _, data := range p.localCache {
		total += int64(len(data))
	}
	holders := make(map[string]struct{})
	for _, set := range p.peerChunks {
		for id := range set {
			holders[id] = struct{}{}
		}
	}
	return Stats{
		TotalSize:       total,
		ActiveProviders: len(holders) + 1,
		Reliability:     1,
	}, nil
}

// Cleanup drops cached chunks no longer referenced by any metadata this
// node owns, bounding local cache growth.
func (p *P2PProvider) Cleanup(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	referenced := make(map[string]struct{})
	for _, meta := range p.meta {
		for _, cd := range meta.Chunks {
			referenced[cd.Checksum] = struct{}{}
		}
	}
	for sum := range p.localCache {
		if _, ok := referenced[sum]; !ok {
			delete(p.localCache, sum)
		}
	}
	return nil
}
