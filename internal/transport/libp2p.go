package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	libp2phost "github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/nmxmxh/meshvault/internal/wire"
)

// ProtocolID is the libp2p stream protocol the DHT wire format rides on.
const ProtocolID = "/meshvault/dht/1.0.0"

// identityRecord is the on-disk persisted libp2p keypair.
type identityRecord struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// loadOrCreateKey loads a persisted ed25519 key from path, generating and
// saving a fresh one on first run. This is the libp2p transport's own
// identity, independent of the 256-bit DHT identity.ID.
func loadOrCreateKey(path string) (crypto.PrivKey, error) {
	if data, err := os.ReadFile(path); err == nil {
		var rec identityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		return crypto.UnmarshalPrivateKey(rec.PrivKey)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(identityRecord{PrivKey: raw, PeerID: pid.String()})
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, err
		}
	}
	return priv, nil
}

// Libp2pTransport is the production Transport backed by go-libp2p
// streams: a persistent ed25519 identity, one stream per RPC, and a
// stream handler for inbound requests.
type Libp2pTransport struct {
	cfg    Config
	host   libp2phost.Host
	logger *slog.Logger

	mu      sync.RWMutex
	handler Handler

	metricsMu sync.Mutex
	metrics   ConnectionMetrics

	startTime time.Time
	started   atomic.Bool
	lastError atomic.Value // string
}

// NewLibp2pTransport constructs a transport using a persisted identity at
// identityPath (created on first run) and the given config.
func NewLibp2pTransport(identityPath string, cfg Config, logger *slog.Logger) (*Libp2pTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	priv, err := loadOrCreateKey(identityPath)
	if err != nil {
		return nil, fmt.Errorf("transport: load identity: %w", err)
	}
	host, err := libp2p.New(libp2p.Identity(priv))
	if err != nil {
		return nil, fmt.Errorf("transport: new libp2p host: %w", err)
	}

	t := &Libp2pTransport{
		cfg:    cfg,
		host:   host,
		logger: logger.With("component", "transport", "peer_id", host.ID().String()),
	}
	t.lastError.Store("")
	return t, nil
}

// Start registers the stream handler and begins accepting inbound RPCs.
func (t *Libp2pTransport) Start(ctx context.Context) error {
	t.host.SetStreamHandler(ProtocolID, t.handleStream)
	t.startTime = time.Now()
	t.started.Store(true)
	t.logger.Info("transport started", "addrs", t.LocalAddresses())
	return nil
}

// Stop removes the stream handler; open connections are left to Close.
func (t *Libp2pTransport) Stop() error {
	t.host.RemoveStreamHandler(ProtocolID)
	t.started.Store(false)
	return nil
}

// Close shuts down the underlying libp2p host.
func (t *Libp2pTransport) Close() error {
	return t.host.Close()
}

// LocalAddresses returns this node's dialable multiaddrs with its peer ID
// suffix, e.g. "/ip4/.../tcp/.../p2p/<id>".
func (t *Libp2pTransport) LocalAddresses() []string {
	id := t.host.ID().String()
	addrs := t.host.Addrs()
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a.String(), id))
	}
	return out
}

// RegisterHandler installs the inbound message handler.
func (t *Libp2pTransport) RegisterHandler(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// Dial parses a multiaddr, connects, and returns the resolved peer ID
// string.
func (t *Libp2pTransport) Dial(ctx context.Context, addr string) (string, error) {
	maddr, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("transport: invalid address %q: %w", addr, err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return "", fmt.Errorf("transport: resolve address %q: %w", addr, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
	defer cancel()

	if err := t.host.Connect(dialCtx, *info); err != nil {
		t.recordFailure(err)
		return "", fmt.Errorf("transport: connect to %s: %w", info.ID, err)
	}
	t.recordConnection()
	return info.ID.String(), nil
}

// Send opens a stream to peerID, writes msg, and blocks for the
// correlated response or RPCTimeout, retrying up to cfg.MaxRetries times
// on transient stream errors.
func (t *Libp2pTransport) Send(ctx context.Context, peerID string, msg wire.Message) (wire.Message, error) {
	if !t.started.Load() {
		return wire.Message{}, ErrNotStarted
	}
	pid, err := peer.Decode(peerID)
	if err != nil {
		return wire.Message{}, fmt.Errorf("transport: invalid peer id %q: %w", peerID, err)
	}

	var lastErr error
	for attempt := 0; attempt <= t.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return wire.Message{}, ctx.Err()
			case <-time.After(t.cfg.ReconnectDelay):
			}
		}
		resp, err := t.sendOnce(ctx, pid, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		t.recordFailure(err)
	}
	return wire.Message{}, fmt.Errorf("transport: send to %s failed after retries: %w", peerID, lastErr)
}

func (t *Libp2pTransport) sendOnce(ctx context.Context, pid peer.ID, msg wire.Message) (wire.Message, error) {
	streamCtx, cancel := context.WithTimeout(ctx, t.cfg.RPCTimeout)
	defer cancel()

	stream, err := t.host.NewStream(streamCtx, pid, ProtocolID)
	if err != nil {
		return wire.Message{}, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	data, err := wire.Encode(msg)
	if err != nil {
		return wire.Message{}, fmt.Errorf("encode message: %w", err)
	}
	if _, err := stream.Write(data); err != nil {
		return wire.Message{}, fmt.Errorf("write stream: %w", err)
	}
	if err := stream.CloseWrite(); err != nil {
		return wire.Message{}, fmt.Errorf("close write side: %w", err)
	}

	raw, err := io.ReadAll(stream)
	if err != nil {
		return wire.Message{}, fmt.Errorf("read response: %w", err)
	}
	resp, err := wire.Decode(raw)
	if err != nil {
		return wire.Message{}, fmt.Errorf("decode response: %w", err)
	}

	t.recordSent(len(data), len(raw))
	return resp, nil
}

// handleStream is the libp2p stream handler: it decodes one request per
// stream, dispatches to the registered Handler, and writes the response
// back before closing, matching the one-RPC-per-stream convention Send
// uses.
func (t *Libp2pTransport) handleStream(s network.Stream) {
	defer s.Close()

	raw, err := io.ReadAll(s)
	if err != nil {
		t.logger.Warn("failed to read inbound stream", "error", err)
		return
	}

	msg, err := wire.Decode(raw)
	if err != nil {
		t.logger.Warn("dropping malformed message", "error", err)
		return
	}

	t.mu.RLock()
	h := t.handler
	t.mu.RUnlock()
	if h == nil {
		t.logger.Warn("no handler registered, dropping message", "dht_type", msg.DHTType)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.RPCTimeout)
	defer cancel()

	resp, err := h(ctx, s.Conn().RemotePeer().String(), msg)
	if err != nil {
		t.logger.Warn("handler error", "error", err, "dht_type", msg.DHTType)
		return
	}

	data, err := wire.Encode(resp)
	if err != nil {
		t.logger.Warn("failed to encode response", "error", err)
		return
	}
	if _, err := s.Write(data); err != nil {
		t.logger.Warn("failed to write response", "error", err)
	}
	t.recordReceived(len(raw), len(data))
}

func (t *Libp2pTransport) recordConnection() {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	t.metrics.TotalConnections++
	t.metrics.ActiveConnections = uint32(len(t.host.Network().Peers()))
}

func (t *Libp2pTransport) recordSent(sentBytes, recvBytes int) {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	t.metrics.MessagesSent++
	t.metrics.BytesSent += uint64(sentBytes)
	t.metrics.BytesReceived += uint64(recvBytes)
}

func (t *Libp2pTransport) recordReceived(recvBytes, sentBytes int) {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	t.metrics.MessagesReceived++
	t.metrics.BytesReceived += uint64(recvBytes)
	t.metrics.BytesSent += uint64(sentBytes)
}

func (t *Libp2pTransport) recordFailure(err error) {
	t.metricsMu.Lock()
	t.metrics.FailedMessages++
	t.metricsMu.Unlock()
	if err != nil {
		t.lastError.Store(err.Error())
	}
}

// Metrics returns a snapshot of transport counters, deriving the
// error/success rates from the raw counts.
func (t *Libp2pTransport) Metrics() ConnectionMetrics {
	t.metricsMu.Lock()
	defer t.metricsMu.Unlock()
	m := t.metrics
	m.ActiveConnections = uint32(len(t.host.Network().Peers()))
	total := m.MessagesSent + m.MessagesReceived
	if total > 0 {
		m.ErrorRate = float32(m.FailedMessages) / float32(total)
		m.SuccessRate = 1 - m.ErrorRate
	}
	return m
}

// Health reports a coarse status derived from the error rate.
func (t *Libp2pTransport) Health() TransportHealth {
	m := t.Metrics()
	status := "healthy"
	score := float32(1.0)
	if m.ErrorRate > 0.5 {
		status = "degraded"
		score = 1 - m.ErrorRate
	}
	if !t.started.Load() {
		status = "stopped"
		score = 0
	}
	lastErr, _ := t.lastError.Load().(string)
	return TransportHealth{
		Status:    status,
		Score:     score,
		LastError: lastErr,
		Uptime:    time.Since(t.startTime).String(),
	}
}
