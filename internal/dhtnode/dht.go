// Package dhtnode implements a single DHT node: iterative
// FIND_NODE/FIND_VALUE/STORE lookups, replication to the k-closest
// peers, periodic liveness refresh, and value republish.
package dhtnode

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/transport"
)

// Alpha is the per-lookup RPC concurrency.
const Alpha = 3

// Config holds the DHT node's tuning knobs.
type Config struct {
	Alpha             int
	RPCTimeout        time.Duration
	RefreshInterval   time.Duration // cadence of the liveness task
	RefreshThreshold  time.Duration // T_refresh: peer eligible for a liveness PING
	RepublishInterval time.Duration // T_republish
}

// DefaultConfig returns the standard production defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:             Alpha,
		RPCTimeout:        30 * time.Second,
		RefreshInterval:   60 * time.Second,
		RefreshThreshold:  routing.DefaultStaleThreshold,
		RepublishInterval: time.Hour,
	}
}

// Envelope wraps every stored DHT value. Last-writer-wins by TS. Envelopes
// carry no expiry and are never aged out; Get reports InvalidMetadata for a
// stored value it cannot decode rather than skipping it.
type Envelope struct {
	Payload   json.RawMessage `json:"payload"`
	TS        int64           `json:"ts"`
	Signature []byte          `json:"signature,omitempty"`
}

// isTombstone reports whether the envelope represents a deletion, encoded
// as a STORE with a null value.
func (e Envelope) isTombstone() bool {
	return len(e.Payload) == 0 || string(e.Payload) == "null"
}

// peerWire is the wire-level rendering of a routing.Peer exchanged in
// FIND_NODE/FIND_VALUE responses: just enough to dial and re-route, not
// the full Peer record (metrics/metadata stay local).
type peerWire struct {
	ID        string   `json:"id"`
	Addresses []string `json:"addresses"`
}

func toPeerWire(peers []routing.Peer) []peerWire {
	out := make([]peerWire, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerWire{ID: p.ID.String(), Addresses: p.Addresses})
	}
	return out
}

func fromPeerWire(raw json.RawMessage, self identity.ID) []routing.Peer {
	if len(raw) == 0 {
		return nil
	}
	var wirePeers []peerWire
	if err := json.Unmarshal(raw, &wirePeers); err != nil {
		return nil
	}
	out := make([]routing.Peer, 0, len(wirePeers))
	for _, wp := range wirePeers {
		id, err := identity.Parse(wp.ID)
		if err != nil || id.Equal(self) {
			continue
		}
		out = append(out, routing.Peer{ID: id, Addresses: wp.Addresses})
	}
	return out
}

// DHT is a single node's view of the distributed hash table: its routing
// table, its locally held values, and the transport it reaches peers
// through.
type DHT struct {
	self      identity.ID
	table     *routing.Table
	transport transport.Transport
	keystore  transport.Keystore
	bus       *events.Bus
	clock     func() time.Time
	config    Config

	mu         sync.RWMutex
	localStore map[identity.ID]Envelope
	owned      map[identity.ID]struct{}

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a DHT node. bus may be nil (events.New() is used).
func New(self identity.ID, table *routing.Table, tr transport.Transport, bus *events.Bus, cfg Config) *DHT {
	if bus == nil {
		bus = events.New()
	}
	return &DHT{
		self:       self,
		table:      table,
		transport:  tr,
		keystore:   transport.NoopKeystore{},
		bus:        bus,
		clock:      time.Now,
		config:     cfg,
		localStore: make(map[identity.ID]Envelope),
		owned:      make(map[identity.ID]struct{}),
	}
}

// WithKeystore installs a signer/verifier for outgoing/incoming
// envelopes. Signing is optional: unsigned envelopes are still accepted
// and ranked purely by timestamp, so the trust boundary is whatever the
// deployment opts into.
func (d *DHT) WithKeystore(ks transport.Keystore) *DHT {
	d.keystore = ks
	return d
}

// WithClock overrides the time source (intended for tests).
func (d *DHT) WithClock(now func() time.Time) *DHT {
	d.clock = now
	return d
}

// Self returns the node's own identity.
func (d *DHT) Self() identity.ID { return d.self }

// Table exposes the underlying routing table, e.g. for bootstrap seeding.
func (d *DHT) Table() *routing.Table { return d.table }

// Events exposes the node's event bus for subscription.
func (d *DHT) Events() *events.Bus { return d.bus }

// Start brings the node online: registers the inbound handler, starts the
// transport, and launches the periodic liveness-refresh and republish
// tasks.
func (d *DHT) Start(ctx context.Context) error {
	if d.running.Swap(true) {
		return meshvaulterrors.New(meshvaulterrors.AlreadyConnected, "dht node already started")
	}
	d.transport.RegisterHandler(d.HandleMessage)
	if err := d.transport.Start(ctx); err != nil {
		d.running.Store(false)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go d.refreshLoop(runCtx)
	go d.republishLoop(runCtx)

	d.bus.Emit(events.Started, d.self.String())
	return nil
}

// Stop performs a graceful drain: no new lookups accepted, background
// tasks cancelled, all peers removed, transport closed.
func (d *DHT) Stop() error {
	if !d.running.Swap(false) {
		return meshvaulterrors.New(meshvaulterrors.NotRunning, "dht node not running")
	}
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()

	for _, p := range d.table.GetClosest(d.self, d.table.Size()) {
		d.table.RemovePeer(p.ID)
	}

	err := d.transport.Stop()
	if closeErr := d.transport.Close(); err == nil {
		err = closeErr
	}
	d.bus.Emit(events.Stopped, d.self.String())
	return err
}

func (d *DHT) checkRunning() error {
	if !d.running.Load() {
		return meshvaulterrors.New(meshvaulterrors.NotRunning, "dht node not running")
	}
	return nil
}
