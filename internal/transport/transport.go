// Package transport defines the network collaborator interface the DHT
// core depends on, plus its connection metrics/health surface.
//
// The DHT-specific RPCs (FindNode, FindValue, Store, Ping) are framed as
// wire.Message payloads by internal/dhtnode rather than as separate
// interface methods, so this package stays protocol-agnostic.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/nmxmxh/meshvault/internal/wire"
)

// Transport is the sole network collaborator the DHT core depends on.
type Transport interface {
	// Start brings the transport online: binds listeners, advertises
	// addresses, begins accepting inbound streams.
	Start(ctx context.Context) error
	// Stop takes the transport offline so it no longer serves inbound
	// messages. Open connections and other resources are released by Close.
	Stop() error
	// Dial resolves addr to a routable peer ID, establishing a connection
	// if one is not already open. It does not send anything.
	Dial(ctx context.Context, addr string) (string, error)
	// Send delivers msg to peerID and waits for the correlated response.
	Send(ctx context.Context, peerID string, msg wire.Message) (wire.Message, error)
	// Close releases all resources held by the transport.
	Close() error
	// LocalAddresses returns the addresses this transport is reachable at.
	LocalAddresses() []string
	// RegisterHandler installs the inbound handler for incoming messages.
	// Only one handler may be registered; a second call replaces the first.
	RegisterHandler(handler Handler)
	// Metrics reports point-in-time connection statistics.
	Metrics() ConnectionMetrics
	// Health reports the transport's self-assessed operating status.
	Health() TransportHealth
}

// Handler processes an inbound message and returns the response to send
// back, or an error to log and drop silently. Validation failures are
// dropped at this layer, not in the transport.
type Handler func(ctx context.Context, peerID string, msg wire.Message) (wire.Message, error)

// Clock abstracts time.Now for components that need to be deterministically
// tested. The schedulers in internal/dhtnode take a plain func() time.Time
// instead of this interface.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock backed by the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Keystore abstracts message signing. Signing is optional: nodes that
// want authenticated peers supply a Keystore; nodes that don't may use
// NoopKeystore, leaving the trust boundary to the deployment.
type Keystore interface {
	Sign(data []byte) ([]byte, error)
	Verify(peerID string, data, sig []byte) bool
}

// NoopKeystore implements Keystore by treating every message as
// unauthenticated.
type NoopKeystore struct{}

// Sign always returns a nil signature.
func (NoopKeystore) Sign(data []byte) ([]byte, error) { return nil, nil }

// Verify always reports true: no signature is required.
func (NoopKeystore) Verify(peerID string, data, sig []byte) bool { return true }

// ConnectionMetrics tracks transport-level statistics.
type ConnectionMetrics struct {
	ActiveConnections uint32  `json:"active_connections"`
	TotalConnections  uint64  `json:"total_connections"`
	BytesSent         uint64  `json:"bytes_sent"`
	BytesReceived     uint64  `json:"bytes_received"`
	MessagesSent      uint64  `json:"messages_sent"`
	MessagesReceived  uint64  `json:"messages_received"`
	LatencyP50Ms      float32 `json:"latency_p50_ms"`
	LatencyP95Ms      float32 `json:"latency_p95_ms"`
	ErrorRate         float32 `json:"error_rate"`
	SuccessRate       float32 `json:"success_rate"`
	FailedMessages    uint64  `json:"failed_messages"`
}

// TransportHealth is the transport's self-assessed operating status.
type TransportHealth struct {
	Status    string  `json:"status"`
	Score     float32 `json:"score"`
	LastError string  `json:"last_error,omitempty"`
	Uptime    string  `json:"uptime"`
}

// Config holds transport tuning knobs.
type Config struct {
	ConnectionTimeout time.Duration
	RPCTimeout        time.Duration
	MaxRetries        int
	ReconnectDelay    time.Duration
	MaxMessageSize    int
}

// DefaultConfig returns the standard production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectionTimeout: 10 * time.Second,
		RPCTimeout:        30 * time.Second,
		MaxRetries:        3,
		ReconnectDelay:    5 * time.Second,
		MaxMessageSize:    10 * 1024 * 1024,
	}
}

// Errors common to every Transport implementation.
var (
	ErrNotStarted    = errors.New("transport: not started")
	ErrAlreadyClosed = errors.New("transport: already closed")
	ErrPeerUnknown   = errors.New("transport: peer unknown")
	ErrTimeout       = errors.New("transport: rpc timeout")
)
