package dhtnode

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/wire"
	"golang.org/x/sync/errgroup"
)

// maxLookupRounds bounds the iterative lookup defensively; convergence in
// a healthy network happens in O(log N) rounds, far below this.
const maxLookupRounds = 64

type lookupCandidate struct {
	peer    routing.Peer
	queried bool
}

// lookupResult is what one iterativeLookup run produces: the k closest
// peers known when the lookup stops and, for FIND_VALUE, the value if one
// was returned.
type lookupResult struct {
	closest []routing.Peer
	value   json.RawMessage
	found   bool
}

// iterativeLookup is the Kademlia iterative lookup: repeatedly query
// the alpha closest not-yet-queried peers among the k closest known
// candidates, merging newly learned peers into the shortlist, until no
// unqueried candidate is left among the k closest, a round finds no closer
// peer while all k closest have been queried, or (for FIND_VALUE) a value
// is returned.
func (d *DHT) iterativeLookup(ctx context.Context, target identity.ID, dhtType wire.DHTType) (lookupResult, error) {
	var result lookupResult

	seed := d.table.GetClosest(target, routing.K)
	if len(seed) == 0 {
		return result, nil
	}

	shortlist := make(map[identity.ID]*lookupCandidate, len(seed))
	order := make([]identity.ID, 0, len(seed))
	for _, p := range seed {
		shortlist[p.ID] = &lookupCandidate{peer: p}
		order = append(order, p.ID)
	}

	sortByDistance := func() {
		sort.Slice(order, func(i, j int) bool {
			return identity.Less(identity.Distance(target, order[i]), identity.Distance(target, order[j]))
		})
	}
	sortByDistance()

	closestDistance := func() identity.ID {
		return identity.Distance(target, order[0])
	}

	kBest := func() []identity.ID {
		n := len(order)
		if n > routing.K {
			n = routing.K
		}
		return order[:n]
	}

	for round := 0; round < maxLookupRounds; round++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		prevClosest := closestDistance()

		var batch []*lookupCandidate
		for _, id := range kBest() {
			if len(batch) >= d.config.Alpha {
				break
			}
			c := shortlist[id]
			if !c.queried {
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		for _, c := range batch {
			c.queried = true
			peer := c.peer
			g.Go(func() error {
				peers, value, found, err := d.rpc(gctx, peer, target, dhtType)
				if err != nil {
					return nil // unreachable peer: not queried again, not fatal to the lookup
				}
				mu.Lock()
				defer mu.Unlock()
				if found {
					result.value = value
					result.found = true
				}
				for _, np := range peers {
					if np.ID.Equal(d.self) {
						continue
					}
					if _, ok := shortlist[np.ID]; !ok {
						shortlist[np.ID] = &lookupCandidate{peer: np}
						order = append(order, np.ID)
					}
				}
				return nil
			})
		}
		_ = g.Wait()

		if dhtType == wire.DHTFindValue && result.found {
			break
		}

		sortByDistance()
		if len(order) > routing.K {
			order = order[:routing.K]
		}

		if !identity.Less(closestDistance(), prevClosest) {
			allQueried := true
			for _, id := range kBest() {
				if !shortlist[id].queried {
					allQueried = false
					break
				}
			}
			if allQueried {
				break
			}
		}
	}

	closest := make([]routing.Peer, 0, len(kBest()))
	for _, id := range kBest() {
		closest = append(closest, shortlist[id].peer)
	}
	result.closest = closest
	return result, nil
}

// FindNode runs an iterative FIND_NODE lookup and returns the k closest
// peers converged on, merging them into the local routing table.
func (d *DHT) FindNode(ctx context.Context, target identity.ID) ([]routing.Peer, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}
	result, err := d.iterativeLookup(ctx, target, wire.DHTFindNode)
	if err != nil {
		return nil, err
	}
	for _, p := range result.closest {
		_ = d.table.AddPeer(p)
	}
	return result.closest, nil
}

// FindClosest returns the k peers (known locally and over the network)
// closest to key.
func (d *DHT) FindClosest(ctx context.Context, key identity.ID) ([]routing.Peer, error) {
	return d.FindNode(ctx, key)
}
