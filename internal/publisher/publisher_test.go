package publisher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nmxmxh/meshvault/internal/dhtnode"
	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/storage"
	"github.com/nmxmxh/meshvault/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithLastByte(b byte) identity.ID {
	var id identity.ID
	id[identity.Size-1] = b
	return id
}

func newTestPublisher(t *testing.T) *Publisher {
	t.Helper()
	net := transport.NewNetwork()
	self := idWithLastByte(1)
	addr := self.String()
	tr := transport.NewMemoryTransport(net, addr, addr)
	table := routing.NewTable(self)
	bus := events.New()
	d := dhtnode.New(self, table, tr, bus, dhtnode.DefaultConfig())
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })

	local := storage.NewLocalProvider(t.TempDir())
	manager := storage.NewManager(storage.LocalOnly, local, nil, nil, bus)
	return New(manager, d, bus)
}

func TestPublishAndRetrieveRoundTrip(t *testing.T) {
	p := newTestPublisher(t)
	data := []byte("published artifact bytes")
	meta := ContentMeta{Type: "dataset", Tags: []string{"ml", "vision"}, Region: "us-east"}

	id, err := p.Publish(context.Background(), data, meta, storage.StoreOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	got, record, err := p.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.Equal(t, meta.Type, record.Meta.Type)
	assert.Len(t, record.Providers, 1)
}

func TestPublishUpdatesTypeAndTagIndexes(t *testing.T) {
	p := newTestPublisher(t)

	id1, err := p.Publish(context.Background(), []byte("one"), ContentMeta{Type: "model", Tags: []string{"nlp"}, Score: 5}, storage.StoreOptions{})
	require.NoError(t, err)
	id2, err := p.Publish(context.Background(), []byte("two"), ContentMeta{Type: "model", Tags: []string{"nlp"}, Score: 10}, storage.StoreOptions{})
	require.NoError(t, err)

	raw, err := p.dht.Get(context.Background(), indexTypeKey("model"))
	require.NoError(t, err)
	var entries []IndexEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 2)
	// higher score sorts first
	assert.Equal(t, id2, entries[0].ContentID)
	assert.Equal(t, id1, entries[1].ContentID)
}

func TestIndexCapsAtMaxEntries(t *testing.T) {
	p := newTestPublisher(t)
	key := indexTypeKey("flood")

	for i := 0; i < MaxIndexEntries+10; i++ {
		entry := IndexEntry{ContentID: time.Now().String() + string(rune(i)), Score: float64(i), TS: int64(i)}
		require.NoError(t, p.appendIndex(context.Background(), key, entry))
	}

	raw, err := p.dht.Get(context.Background(), key)
	require.NoError(t, err)
	var entries []IndexEntry
	require.NoError(t, json.Unmarshal(raw, &entries))
	assert.Len(t, entries, MaxIndexEntries)
}

func TestCreateVersionRejectsDuplicate(t *testing.T) {
	p := newTestPublisher(t)
	id, err := p.Publish(context.Background(), []byte("versioned"), ContentMeta{Type: "dataset"}, storage.StoreOptions{})
	require.NoError(t, err)

	_, err = p.CreateVersion(context.Background(), id, "v1.0.0")
	require.NoError(t, err)

	_, err = p.CreateVersion(context.Background(), id, "v1.0.0")
	require.Error(t, err)
	assert.True(t, meshvaulterrors.Is(err, meshvaulterrors.VersionExists))
}

func TestListVersionsReturnsInOrder(t *testing.T) {
	p := newTestPublisher(t)
	id, err := p.Publish(context.Background(), []byte("versioned2"), ContentMeta{Type: "dataset"}, storage.StoreOptions{})
	require.NoError(t, err)

	_, err = p.CreateVersion(context.Background(), id, "v1")
	require.NoError(t, err)
	_, err = p.CreateVersion(context.Background(), id, "v2")
	require.NoError(t, err)

	versions, err := p.ListVersions(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "v1", versions[0].Version)
	assert.Equal(t, "v2", versions[1].Version)
}

func TestListVersionsEmptyForUnknownArtifact(t *testing.T) {
	p := newTestPublisher(t)
	versions, err := p.ListVersions(context.Background(), "never-published")
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestAddProviderDedupsAndPrunesStale(t *testing.T) {
	p := newTestPublisher(t)
	id, err := p.Publish(context.Background(), []byte("shared widely"), ContentMeta{Type: "dataset"}, storage.StoreOptions{})
	require.NoError(t, err)

	rec, err := p.AddProvider(context.Background(), id, "peer-1")
	require.NoError(t, err)
	assert.Len(t, rec.Providers, 2) // publishing node + peer-1

	rec, err = p.AddProvider(context.Background(), id, "peer-1")
	require.NoError(t, err)
	assert.Len(t, rec.Providers, 2, "re-adding the same provider must not duplicate it")

	later := time.Now().Add(2 * ProviderStaleThreshold)
	p.WithClock(func() time.Time { return later })

	rec, err = p.AddProvider(context.Background(), id, "peer-2")
	require.NoError(t, err)
	require.Len(t, rec.Providers, 1, "stale providers must be pruned")
	assert.Equal(t, "peer-2", rec.Providers[0].NodeID)
	assert.Equal(t, 1, rec.Stats.ActiveProviders)
}
