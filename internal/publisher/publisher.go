// Package publisher binds a chunk set and semantic metadata into a
// ContentRecord, writes it to the DHT, and maintains capped discovery
// indexes.
package publisher

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/nmxmxh/meshvault/internal/dhtnode"
	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/nmxmxh/meshvault/internal/storage"
)

// MaxIndexEntries caps every index key's entry list, bounding how much
// a single hot index key can grow.
const MaxIndexEntries = 1000

// ContentMeta is the semantic metadata a caller supplies alongside raw
// bytes when publishing.
type ContentMeta struct {
	Type   string            `json:"type,omitempty"`
	Tags   []string          `json:"tags,omitempty"`
	Region string            `json:"region,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
	Score  float64           `json:"score,omitempty"`
}

// ContentRecord is a published artifact's full record: its metadata
// plus the advertised providers and usage stats.
type ContentRecord struct {
	Artifact  storage.ArtifactMetadata `json:"artifact"`
	Meta      ContentMeta              `json:"meta"`
	Providers []ProviderEntry          `json:"providers"`
	Stats     storage.Stats            `json:"stats"`
}

// ProviderEntry is a single advertised provider of a content record's
// bytes, subject to staleness pruning when now-last_seen > T_stale.
type ProviderEntry struct {
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
}

// IndexEntry is one element of a capped discovery index array.
type IndexEntry struct {
	ContentID string  `json:"content_id"`
	Score     float64 `json:"score"`
	TS        int64   `json:"ts"`
}

// VersionInfo is one entry in an artifact's `versions:<artifact_id>`
// ordered list. The version/diff engine itself is an external
// collaborator; meshvault only owns the append-only registry surface
// those collaborators read and write through.
type VersionInfo struct {
	Version   string `json:"version"`
	ContentID string `json:"content_id"`
	TS        int64  `json:"ts"`
}

// Publisher binds storage.Manager writes to DHT-visible content records
// and discovery indexes.
type Publisher struct {
	manager *storage.Manager
	dht     *dhtnode.DHT
	bus     *events.Bus
	self    identity.ID
	now     func() time.Time
}

// New creates a Publisher over manager, using dht for the content/index/
// version key namespace and bus for content:published/version:created
// events.
func New(manager *storage.Manager, dht *dhtnode.DHT, bus *events.Bus) *Publisher {
	return &Publisher{manager: manager, dht: dht, bus: bus, self: dht.Self(), now: time.Now}
}

// WithClock overrides the time source (intended for tests).
func (p *Publisher) WithClock(now func() time.Time) *Publisher {
	p.now = now
	return p
}

func contentKey(id string) identity.ID  { return identity.KeyFor("content:" + id) }
func versionsKey(id string) identity.ID { return identity.KeyFor("versions:" + id) }

func indexTypeKey(t string) identity.ID     { return identity.KeyFor("index:type:" + t) }
func indexTagKey(tag string) identity.ID    { return identity.KeyFor("index:tag:" + tag) }
func indexRegionKey(region string) identity.ID {
	return identity.KeyFor("index:region:" + region)
}
func indexFieldKey(field, value string) identity.ID {
	return identity.KeyFor("index:metadata:" + field + ":" + value)
}

// Publish splits and stores data via the storage manager, builds a
// ContentRecord, writes it to `content:<id>`, and appends index entries
// for discovery.
func (p *Publisher) Publish(ctx context.Context, data []byte, meta ContentMeta, opts storage.StoreOptions) (string, error) {
	artifact, err := p.manager.Store(ctx, data, opts)
	if err != nil {
		return "", err
	}

	record := ContentRecord{
		Artifact: artifact,
		Meta:     meta,
		Providers: []ProviderEntry{{
			NodeID:   p.self.String(),
			LastSeen: p.now(),
		}},
		Stats: storage.Stats{},
	}

	if err := p.writeRecord(ctx, record); err != nil {
		return "", err
	}

	if err := p.updateIndexes(ctx, record); err != nil {
		return "", err
	}

	p.bus.Emit(events.ContentPublished, artifact.ID)
	return artifact.ID, nil
}

func (p *Publisher) writeRecord(ctx context.Context, record ContentRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := p.dht.Put(ctx, contentKey(record.Artifact.ID), raw); err != nil {
		return meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "store content record failed", err)
	}
	return nil
}

// GetRecord fetches a content record by artifact id.
func (p *Publisher) GetRecord(ctx context.Context, id string) (ContentRecord, error) {
	raw, err := p.dht.Get(ctx, contentKey(id))
	if err != nil {
		return ContentRecord{}, err
	}
	var record ContentRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return ContentRecord{}, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed content record", err)
	}
	return record, nil
}

// Retrieve resolves id to its bytes and content record.
func (p *Publisher) Retrieve(ctx context.Context, id string) ([]byte, ContentRecord, error) {
	record, err := p.GetRecord(ctx, id)
	if err != nil {
		return nil, ContentRecord{}, err
	}
	data, err := p.manager.Retrieve(ctx, id)
	if err != nil {
		return nil, ContentRecord{}, err
	}
	return data, record, nil
}

// ProviderStaleThreshold is how long a provider entry may go without a
// refresh before AddProvider prunes it from a content record.
const ProviderStaleThreshold = time.Hour

// AddProvider records nodeID as a holder of id's bytes. Entries are
// deduplicated on node id; entries not refreshed within
// ProviderStaleThreshold are pruned on the way through.
func (p *Publisher) AddProvider(ctx context.Context, id, nodeID string) (ContentRecord, error) {
	record, err := p.GetRecord(ctx, id)
	if err != nil {
		return ContentRecord{}, err
	}

	now := p.now()
	kept := make([]ProviderEntry, 0, len(record.Providers)+1)
	seen := false
	for _, e := range record.Providers {
		if e.NodeID == nodeID {
			e.LastSeen = now
			seen = true
		} else if now.Sub(e.LastSeen) > ProviderStaleThreshold {
			continue
		}
		kept = append(kept, e)
	}
	if !seen {
		kept = append(kept, ProviderEntry{NodeID: nodeID, LastSeen: now})
	}
	record.Providers = kept
	record.Stats.ActiveProviders = len(kept)

	if err := p.writeRecord(ctx, record); err != nil {
		return ContentRecord{}, err
	}
	return record, nil
}

// CreateVersion appends a version entry to `versions:<artifact_id>`,
// rejecting a duplicate version label. The version/diff engine that
// decides what counts as a valid successor version is an external
// collaborator; this method only owns the append-only registry surface
// it reads and writes through.
func (p *Publisher) CreateVersion(ctx context.Context, artifactID, version string) (VersionInfo, error) {
	versions, err := p.ListVersions(ctx, artifactID)
	if err != nil && !meshvaulterrors.Is(err, meshvaulterrors.NotFound) {
		return VersionInfo{}, err
	}
	for _, v := range versions {
		if v.Version == version {
			return VersionInfo{}, meshvaulterrors.New(meshvaulterrors.VersionExists, "version already recorded: "+version)
		}
	}

	info := VersionInfo{Version: version, ContentID: artifactID, TS: p.now().Unix()}
	versions = append(versions, info)

	raw, err := json.Marshal(versions)
	if err != nil {
		return VersionInfo{}, err
	}
	if _, err := p.dht.Put(ctx, versionsKey(artifactID), raw); err != nil {
		return VersionInfo{}, meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "store version list failed", err)
	}

	p.bus.Emit(events.VersionCreated, info)
	return info, nil
}

// ListVersions returns an artifact's recorded version history, oldest
// first.
func (p *Publisher) ListVersions(ctx context.Context, artifactID string) ([]VersionInfo, error) {
	raw, err := p.dht.Get(ctx, versionsKey(artifactID))
	if err != nil {
		if meshvaulterrors.Is(err, meshvaulterrors.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	var versions []VersionInfo
	if err := json.Unmarshal(raw, &versions); err != nil {
		return nil, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed version list", err)
	}
	return versions, nil
}

// updateIndexes appends record's artifact id to every applicable
// discovery index key.
func (p *Publisher) updateIndexes(ctx context.Context, record ContentRecord) error {
	keys := make([]identity.ID, 0, 4+len(record.Meta.Tags)+len(record.Meta.Fields))
	if record.Meta.Type != "" {
		keys = append(keys, indexTypeKey(record.Meta.Type))
	}
	if record.Meta.Region != "" {
		keys = append(keys, indexRegionKey(record.Meta.Region))
	}
	for _, tag := range record.Meta.Tags {
		keys = append(keys, indexTagKey(tag))
	}
	for field, value := range record.Meta.Fields {
		keys = append(keys, indexFieldKey(field, value))
	}

	entry := IndexEntry{ContentID: record.Artifact.ID, Score: record.Meta.Score, TS: p.now().Unix()}
	for _, key := range keys {
		if err := p.appendIndex(ctx, key, entry); err != nil {
			return err
		}
	}
	return nil
}

// appendIndex is idempotent: it reads the current array, appends (or
// replaces, if ContentID already present) entry, sorts by
// (score desc, ts desc), and truncates to MaxIndexEntries.
func (p *Publisher) appendIndex(ctx context.Context, key identity.ID, entry IndexEntry) error {
	var entries []IndexEntry
	raw, err := p.dht.Get(ctx, key)
	switch {
	case err == nil:
		if uerr := json.Unmarshal(raw, &entries); uerr != nil {
			return meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed index entries", uerr)
		}
	case meshvaulterrors.Is(err, meshvaulterrors.NotFound):
		entries = nil
	default:
		return err
	}

	replaced := false
	for i, e := range entries {
		if e.ContentID == entry.ContentID {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].TS > entries[j].TS
	})
	if len(entries) > MaxIndexEntries {
		entries = entries[:MaxIndexEntries]
	}

	out, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if _, err := p.dht.Put(ctx, key, out); err != nil {
		return meshvaulterrors.Wrap(meshvaulterrors.NetworkStoreError, "store index entries failed", err)
	}
	return nil
}
