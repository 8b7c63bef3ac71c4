package transport

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/meshvault/internal/wire"
)

func newTestLibp2pTransport(t *testing.T, name string) *Libp2pTransport {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RPCTimeout = 2 * time.Second
	cfg.ConnectionTimeout = 2 * time.Second
	cfg.MaxRetries = 1
	cfg.ReconnectDelay = 50 * time.Millisecond

	path := filepath.Join(t.TempDir(), name+"_identity.json")
	tr, err := NewLibp2pTransport(path, cfg, nil)
	require.NoError(t, err)
	return tr
}

func TestLibp2pTransportSendRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestLibp2pTransport(t, "a")
	b := newTestLibp2pTransport(t, "b")
	defer a.Close()
	defer b.Close()

	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	b.RegisterHandler(func(ctx context.Context, peerID string, msg wire.Message) (wire.Message, error) {
		return wire.NewResponse(msg.DHTType, msg.Payload.ID, "b", time.Now()), nil
	})

	require.NotEmpty(t, b.LocalAddresses())
	peerID, err := a.Dial(ctx, b.LocalAddresses()[0])
	require.NoError(t, err)

	msg := wire.NewQuery(wire.DHTPing, "a", time.Now())
	resp, err := a.Send(ctx, peerID, msg)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload.ID, resp.Payload.ID)
	assert.Equal(t, wire.TypeResponse, resp.Type)

	metrics := a.Metrics()
	assert.Equal(t, uint64(1), metrics.MessagesSent)
	assert.Equal(t, "healthy", a.Health().Status)
}

func TestLibp2pTransportSendBeforeStart(t *testing.T) {
	a := newTestLibp2pTransport(t, "unstarted")
	defer a.Close()
	_, err := a.Send(context.Background(), "12D3KooWnonexistent", wire.NewQuery(wire.DHTPing, "a", time.Now()))
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestLibp2pTransportDialInvalidAddress(t *testing.T) {
	ctx := context.Background()
	a := newTestLibp2pTransport(t, "dialer")
	defer a.Close()
	require.NoError(t, a.Start(ctx))

	_, err := a.Dial(ctx, "not-a-multiaddr")
	assert.Error(t, err)
}

func TestLibp2pIdentityPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist_identity.json")
	cfg := DefaultConfig()

	first, err := NewLibp2pTransport(path, cfg, nil)
	require.NoError(t, err)
	firstID := first.host.ID().String()
	require.NoError(t, first.Close())

	second, err := NewLibp2pTransport(path, cfg, nil)
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, firstID, second.host.ID().String())
}
