package dhtnode

import (
	"context"
	"math"
	"time"

	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
)

// refreshLoop is the periodic liveness task: every RefreshInterval, PING every peer last seen longer than RefreshThreshold
// ago; remove it from the routing table on failure.
func (d *DHT) refreshLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runRefresh(ctx)
		}
	}
}

func (d *DHT) runRefresh(ctx context.Context) {
	now := d.clock()
	for _, p := range d.table.GetClosest(d.self, d.table.Size()) {
		if now.Sub(p.Metadata.LastSeen) < d.config.RefreshThreshold {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, d.config.RPCTimeout)
		err := d.pingRPC(pingCtx, p)
		cancel()
		if err != nil {
			d.table.RemovePeer(p.ID)
			d.bus.Emit(events.PeerDisconnect, p.ID.String())
			continue
		}
		p.Touch(now)
		_ = d.table.AddPeer(p)
		d.bus.Emit(events.PeerConnect, p.ID.String())
	}
}

// republishLoop is the periodic republish task: every RepublishInterval, every key this node Put republishes to the current
// k-closest set, so values survive routing-table churn.
func (d *DHT) republishLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.config.RepublishInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runRepublish(ctx)
		}
	}
}

func (d *DHT) runRepublish(ctx context.Context) {
	d.mu.RLock()
	keys := make([]identity.ID, 0, len(d.owned))
	for k := range d.owned {
		keys = append(keys, k)
	}
	d.mu.RUnlock()

	for _, key := range keys {
		d.mu.RLock()
		env, ok := d.localStore[key]
		d.mu.RUnlock()
		if !ok {
			continue
		}
		peers, err := d.FindNode(ctx, key)
		if err != nil {
			continue
		}
		d.replicate(ctx, key, env, peers)
	}
}

// EstimateNetworkSize approximates the total network size from the
// density of the routing table's closest-filled bucket: for a uniformly
// distributed key space, the expected number of peers in bucket i is
// proportional to 2^i, so the bucket index of the lowest non-empty bucket
// gives a log2 estimate of the network population.
func (d *DHT) EstimateNetworkSize() int {
	const maxExponent = 62 // clamp: a real deployment never approaches this depth

	levels := d.table.BucketFillLevels()
	for i, count := range levels {
		if count > 0 {
			// Bucket i holds peers whose XOR distance has its highest set
			// bit at position i; when the closest populated bucket is i,
			// the estimate is 2^(NumBuckets-1-i) peers.
			exponent := identity.NumBuckets - 1 - i
			if exponent > maxExponent {
				exponent = maxExponent
			}
			return int(math.Pow(2, float64(exponent)))
		}
	}
	return d.table.Size()
}
