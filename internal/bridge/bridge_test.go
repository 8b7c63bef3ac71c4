package bridge

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noSleep(time.Duration) {}

func TestConnectSucceedsOnFirstTransport(t *testing.T) {
	b := New().WithSleep(noSleep)
	var tried []TransportKind

	err := b.Connect(func(kind TransportKind) error {
		tried = append(tried, kind)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, Connected, b.State())
	assert.Equal(t, []TransportKind{TransportLocalIPC}, tried)
}

func TestConnectFallsThroughTransportOrder(t *testing.T) {
	b := New().WithSleep(noSleep)
	var tried []TransportKind

	err := b.Connect(func(kind TransportKind) error {
		tried = append(tried, kind)
		if kind == TransportBootstrap {
			return nil
		}
		return errors.New("unreachable")
	})

	require.NoError(t, err)
	assert.Equal(t, Connected, b.State())
	assert.Equal(t, []TransportKind{TransportLocalIPC, TransportNetwork, TransportBootstrap}, tried)
}

func TestConnectRejectedUnlessDisconnected(t *testing.T) {
	b := New().WithSleep(noSleep)
	require.NoError(t, b.Connect(func(TransportKind) error { return nil }))

	err := b.Connect(func(TransportKind) error { return nil })
	assert.ErrorIs(t, err, ErrNotDisconnected)
}

func TestConnectExhaustsRetries(t *testing.T) {
	b := New().WithMaxRetries(2).WithSleep(noSleep)
	attempts := 0

	err := b.Connect(func(TransportKind) error {
		attempts++
		return errors.New("down")
	})

	assert.Error(t, err)
	assert.Equal(t, Disconnected, b.State())
	assert.Equal(t, 3*3, attempts) // (maxRetries+1) rounds * 3 transport kinds
}

func TestDisconnectLifecycle(t *testing.T) {
	b := New().WithSleep(noSleep)
	require.NoError(t, b.Connect(func(TransportKind) error { return nil }))

	b.BeginDisconnect()
	assert.Equal(t, Disconnecting, b.State())

	b.FinishDisconnect()
	assert.Equal(t, Disconnected, b.State())
}

func TestPeerLifecycle(t *testing.T) {
	p := NewPeerLifecycle()
	assert.Equal(t, PeerUnknown, p.State())

	p.BeginConnecting()
	assert.Equal(t, PeerConnecting, p.State())

	now := time.Now()
	p.MarkConnected(now)
	assert.Equal(t, PeerConnected, p.State())

	p.RefreshStaleness(now.Add(2 * time.Hour))
	assert.Equal(t, PeerStale, p.State())
	assert.True(t, p.IsStale())

	p.MarkConnected(now.Add(2 * time.Hour))
	assert.Equal(t, PeerConnected, p.State())

	p.Evict()
	assert.Equal(t, PeerEvicted, p.State())
	p.MarkConnected(time.Now())
	assert.Equal(t, PeerEvicted, p.State())
}
