package bridge

import (
	"fmt"
	"sync"
	"time"
)

// PeerState is a remote peer's position in the liveness lifecycle:
// UNKNOWN -> CONNECTING -> CONNECTED -> STALE -> EVICTED.
type PeerState int

const (
	PeerUnknown PeerState = iota
	PeerConnecting
	PeerConnected
	PeerStale
	PeerEvicted
)

func (s PeerState) String() string {
	switch s {
	case PeerUnknown:
		return "unknown"
	case PeerConnecting:
		return "connecting"
	case PeerConnected:
		return "connected"
	case PeerStale:
		return "stale"
	case PeerEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// StaleAfter is how long a peer may go unseen before it is considered
// stale, matching routing.DefaultStaleThreshold.
const StaleAfter = time.Hour

// PeerLifecycle tracks one remote peer's connection state machine,
// independent of its k-bucket membership (internal/routing owns the
// routing-table placement; this owns only the state transitions).
type PeerLifecycle struct {
	mu       sync.Mutex
	state    PeerState
	lastSeen time.Time
}

// NewPeerLifecycle creates a lifecycle in the Unknown state.
func NewPeerLifecycle() *PeerLifecycle {
	return &PeerLifecycle{state: PeerUnknown}
}

// State reports the peer's current lifecycle state.
func (p *PeerLifecycle) State() PeerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// BeginConnecting transitions Unknown/Stale -> Connecting.
func (p *PeerLifecycle) BeginConnecting() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerUnknown || p.state == PeerStale {
		p.state = PeerConnecting
	}
}

// MarkConnected transitions to Connected and refreshes last-seen. A
// successful PING returns a peer to Connected from any non-Evicted
// state.
func (p *PeerLifecycle) MarkConnected(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerEvicted {
		return
	}
	p.state = PeerConnected
	p.lastSeen = now
}

// RefreshStaleness transitions Connected -> Stale when now-lastSeen
// exceeds StaleAfter. Intended to be called by the periodic liveness
// task.
func (p *PeerLifecycle) RefreshStaleness(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == PeerConnected && now.Sub(p.lastSeen) > StaleAfter {
		p.state = PeerStale
	}
}

// Evict transitions to Evicted. A stale peer is evicted on the next
// add-peer contention; callers invoke this from routing.Table's
// stale-replacement path.
func (p *PeerLifecycle) Evict() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = PeerEvicted
}

// IsStale reports whether the peer is currently Stale.
func (p *PeerLifecycle) IsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == PeerStale
}
