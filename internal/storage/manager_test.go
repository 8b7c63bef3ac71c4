package storage

import (
	"context"
	"testing"
	"time"

	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/nmxmxh/meshvault/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLocalOnlyRoundTrip(t *testing.T) {
	local := NewLocalProvider(t.TempDir())
	m := NewManager(LocalOnly, local, nil, nil, events.New())

	data := []byte("local only content")
	meta, err := m.Store(context.Background(), data, StoreOptions{})
	require.NoError(t, err)

	got, err := m.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestManagerNoProvidersForStrategy(t *testing.T) {
	m := NewManager(NetworkOnly, nil, nil, nil, events.New())
	_, err := m.Store(context.Background(), []byte("x"), StoreOptions{})
	require.Error(t, err)
	assert.True(t, meshvaulterrors.Is(err, meshvaulterrors.NoProviders))
}

func TestManagerHybridWritesPrimarySyncAndReplicatesAsync(t *testing.T) {
	local := NewLocalProvider(t.TempDir())
	net := transport.NewNetwork()
	d := newTestDHT(t, net, idWithLastByte(1))
	network := NewNetworkProvider(d)

	bus := events.New()
	m := NewManager(Hybrid, local, network, nil, bus)

	data := []byte("hybrid content")
	meta, err := m.Store(context.Background(), data, StoreOptions{})
	require.NoError(t, err)

	got, err := local.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	require.Eventually(t, func() bool {
		_, err := network.GetMetadata(context.Background(), meta.ID)
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestManagerRetrieveFallsThroughPriorityOrder(t *testing.T) {
	local := NewLocalProvider(t.TempDir())
	net := transport.NewNetwork()
	d := newTestDHT(t, net, idWithLastByte(2))
	network := NewNetworkProvider(d)

	m := NewManager(Hybrid, local, network, nil, events.New())

	data := []byte("network only artifact")
	meta, err := network.Store(context.Background(), data, StoreOptions{})
	require.NoError(t, err)

	got, err := m.Retrieve(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestManagerRetrieveNotFoundAcrossAllProviders(t *testing.T) {
	local := NewLocalProvider(t.TempDir())
	m := NewManager(LocalOnly, local, nil, nil, events.New())

	_, err := m.Retrieve(context.Background(), "missing-id")
	require.Error(t, err)
	assert.True(t, meshvaulterrors.Is(err, meshvaulterrors.NotFound))
}

func TestManagerDeleteSucceedsIfAnyProviderDeletes(t *testing.T) {
	local := NewLocalProvider(t.TempDir())
	m := NewManager(LocalOnly, local, nil, nil, events.New())

	meta, err := m.Store(context.Background(), []byte("to delete"), StoreOptions{})
	require.NoError(t, err)

	ok, err := m.Delete(context.Background(), meta.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestManagerGetStatsAggregates(t *testing.T) {
	local := NewLocalProvider(t.TempDir())
	net := transport.NewNetwork()
	d := newTestDHT(t, net, idWithLastByte(3))
	network := NewNetworkProvider(d)

	m := NewManager(Hybrid, local, network, nil, events.New())
	_, err := local.Store(context.Background(), []byte("abc"), StoreOptions{})
	require.NoError(t, err)

	stats, err := m.GetStats(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.ActiveProviders, 2)
}
