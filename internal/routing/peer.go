package routing

import (
	"time"

	"github.com/nmxmxh/meshvault/internal/identity"
)

// PeerType classifies a peer's role in the mesh.
type PeerType string

const (
	PeerTypeGlobal   PeerType = "global"
	PeerTypeRegional PeerType = "regional"
	PeerTypeLocal    PeerType = "local"
	PeerTypeUnknown  PeerType = "unknown"
)

// StorageCapacity reports a peer's self-advertised disk budget.
type StorageCapacity struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
}

// PeerMetadata is the slow-changing, mostly self-reported half of a peer
// record.
type PeerMetadata struct {
	Type         PeerType `json:"type"`
	Region       string   `json:"region,omitempty"`
	Version      string   `json:"version,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Uptime       time.Duration `json:"uptime"`
	LastSeen     time.Time     `json:"last_seen"`
}

// PeerMetrics is the fast-changing, locally-observed half of a peer record.
type PeerMetrics struct {
	LatencyMs   float64         `json:"latency_ms"`
	BandwidthKb float64         `json:"bandwidth_kbps"`
	Reliability float64         `json:"reliability"`
	Storage     StorageCapacity `json:"storage"`
}

// Peer is the routing table's record of a known node. Mutable fields (LastSeen within Metadata, and Metrics) are
// updated in place on every successful exchange.
type Peer struct {
	ID        identity.ID `json:"id"`
	Addresses []string    `json:"addresses"`
	Protocols []string    `json:"protocols,omitempty"`
	Metadata  PeerMetadata `json:"metadata"`
	Metrics   PeerMetrics  `json:"metrics"`
}

// Touch refreshes LastSeen to now, as happens on every successful RPC
// exchange with the peer.
func (p *Peer) Touch(now time.Time) {
	p.Metadata.LastSeen = now
}

// IsStale reports whether the peer has not been seen within threshold,
// the liveness check behind both bucket eviction and the stale peer state.
func (p *Peer) IsStale(now time.Time, threshold time.Duration) bool {
	return now.Sub(p.Metadata.LastSeen) > threshold
}
