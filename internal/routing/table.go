// Package routing implements a Kademlia-style k-bucket routing table:
// 256 buckets of up to K peers each, indexed by the most-significant set
// bit of the XOR distance to self.
package routing

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/nmxmxh/meshvault/internal/identity"
)

// K is the maximum number of peers held per bucket.
const K = 20

// DefaultStaleThreshold is how long a peer may go unseen before it is
// eligible for eviction when its bucket is full.
const DefaultStaleThreshold = time.Hour

// ErrBucketFull is returned by AddPeer when a bucket is at capacity and
// every resident is still live: the new peer is dropped rather than
// evicting a live resident.
var ErrBucketFull = errors.New("routing: bucket full, peer dropped")

type bucket struct {
	peers       []Peer
	lastUpdated time.Time
}

// Table is a single node's Kademlia routing table: 256 buckets of up to K
// peers, keyed by distance from Self.
type Table struct {
	mu             sync.RWMutex
	self           identity.ID
	buckets        [identity.NumBuckets]bucket
	staleThreshold time.Duration
	now            func() time.Time
}

// NewTable creates a routing table for the given self identity.
func NewTable(self identity.ID) *Table {
	return &Table{
		self:           self,
		staleThreshold: DefaultStaleThreshold,
		now:            time.Now,
	}
}

// WithStaleThreshold overrides T_stale (intended for tests).
func (t *Table) WithStaleThreshold(d time.Duration) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.staleThreshold = d
	return t
}

// WithClock overrides the time source (intended for tests).
func (t *Table) WithClock(now func() time.Time) *Table {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
	return t
}

func (t *Table) indexOf(b *bucket, id identity.ID) int {
	for i := range b.peers {
		if b.peers[i].ID.Equal(id) {
			return i
		}
	}
	return -1
}

// AddPeer inserts or refreshes a peer: if already present, move to tail
// and refresh LastSeen; else append if room; else replace a stale
// resident; else reject without disturbing a live bucket.
func (t *Table) AddPeer(p Peer) error {
	if p.ID.Equal(t.self) {
		return nil // self is never inserted
	}

	idx, ok := identity.BucketIndex(t.self, p.ID)
	if !ok {
		return nil // distance 0 without equal IDs cannot happen; defensive no-op
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	now := t.now()

	if existing := t.indexOf(b, p.ID); existing >= 0 {
		p.Touch(now)
		b.peers = append(b.peers[:existing], b.peers[existing+1:]...)
		b.peers = append(b.peers, p)
		b.lastUpdated = now
		return nil
	}

	p.Touch(now)

	if len(b.peers) < K {
		b.peers = append(b.peers, p)
		b.lastUpdated = now
		return nil
	}

	// Bucket full: replace the first resident that has gone stale.
	for i := range b.peers {
		if b.peers[i].IsStale(now, t.staleThreshold) {
			b.peers = append(b.peers[:i], b.peers[i+1:]...)
			b.peers = append(b.peers, p)
			b.lastUpdated = now
			return nil
		}
	}

	return ErrBucketFull
}

// RemovePeer evicts a peer from its bucket. Idempotent: removing an
// unknown peer is a no-op.
func (t *Table) RemovePeer(id identity.ID) {
	if id.Equal(t.self) {
		return
	}
	idx, ok := identity.BucketIndex(t.self, id)
	if !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	b := &t.buckets[idx]
	if existing := t.indexOf(b, id); existing >= 0 {
		b.peers = append(b.peers[:existing], b.peers[existing+1:]...)
		b.lastUpdated = t.now()
	}
}

// GetPeer returns a copy of a known peer's record.
func (t *Table) GetPeer(id identity.ID) (Peer, bool) {
	idx, ok := identity.BucketIndex(t.self, id)
	if !ok {
		return Peer{}, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	b := &t.buckets[idx]
	if i := t.indexOf(b, id); i >= 0 {
		return b.peers[i], true
	}
	return Peer{}, false
}

// GetClosest returns up to count peers ordered by ascending XOR distance
// to key, ties broken by bucket position then insertion order.
func (t *Table) GetClosest(key identity.ID, count int) []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	candidates := make([]Peer, 0, count*2)
	for i := range t.buckets {
		candidates = append(candidates, t.buckets[i].peers...)
	}

	dist := make([]identity.ID, len(candidates))
	for i, p := range candidates {
		dist[i] = identity.Distance(key, p.ID)
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return identity.Less(dist[order[a]], dist[order[b]])
	})

	if count > len(order) {
		count = len(order)
	}
	result := make([]Peer, count)
	for i := 0; i < count; i++ {
		result[i] = candidates[order[i]]
	}
	return result
}

// Size returns the total number of live peers across all buckets.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].peers)
	}
	return n
}

// BucketFillLevels returns the peer count of every bucket, for metrics.
func (t *Table) BucketFillLevels() [identity.NumBuckets]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var levels [identity.NumBuckets]int
	for i := range t.buckets {
		levels[i] = len(t.buckets[i].peers)
	}
	return levels
}

// Snapshot captures every bucket's peers so a node can persist its
// routing state across restarts.
func (t *Table) Snapshot() [][]Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([][]Peer, len(t.buckets))
	for i := range t.buckets {
		out[i] = append([]Peer(nil), t.buckets[i].peers...)
	}
	return out
}

// Restore replaces the table's contents with a prior Snapshot. Each peer is
// placed in the bucket its distance to the current Self gives, whatever
// bucket it was stored under; a peer equal to Self, or one that finds its
// bucket already holding K peers, is dropped.
func (t *Table) Restore(snapshot [][]Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.buckets {
		t.buckets[i] = bucket{}
	}
	now := t.now()
	for _, bucketPeers := range snapshot {
		for _, p := range bucketPeers {
			idx, ok := identity.BucketIndex(t.self, p.ID)
			if !ok || len(t.buckets[idx].peers) >= K {
				continue
			}
			t.buckets[idx].peers = append(t.buckets[idx].peers, p)
			t.buckets[idx].lastUpdated = now
		}
	}
}
