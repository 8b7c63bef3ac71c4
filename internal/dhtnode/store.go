package dhtnode

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/wire"
)

// Put stores value under key: run FIND_NODE(key), then STORE to each of
// the k closest peers. The node always keeps its own copy and tracks the
// key as owned for periodic republish; the returned ack count tells the
// caller how many remote peers confirmed the write.
func (d *DHT) Put(ctx context.Context, key identity.ID, value json.RawMessage) (acks int, err error) {
	if err := d.checkRunning(); err != nil {
		return 0, err
	}

	env := Envelope{Payload: value, TS: d.clock().Unix()}
	if sig, signErr := d.keystore.Sign(value); signErr == nil {
		env.Signature = sig
	}

	d.applyStore(key, env)
	d.mu.Lock()
	d.owned[key] = struct{}{}
	d.mu.Unlock()

	peers, err := d.FindNode(ctx, key)
	if err != nil {
		return 0, err
	}

	acks = d.replicate(ctx, key, env, peers)
	d.bus.Emit(events.Stored, key.String())
	return acks, nil
}

// StoreAt writes value under key to an explicit peer set instead of the
// full k-closest set, so callers that select their own placement (the
// network storage provider's replica-bounded chunk writes) control the
// fan-out width. The node keeps its own copy and tracks the key as owned
// for republish, the same as Put.
func (d *DHT) StoreAt(ctx context.Context, key identity.ID, value json.RawMessage, peers []routing.Peer) (acks int, err error) {
	if err := d.checkRunning(); err != nil {
		return 0, err
	}

	env := Envelope{Payload: value, TS: d.clock().Unix()}
	if sig, signErr := d.keystore.Sign(value); signErr == nil {
		env.Signature = sig
	}

	d.applyStore(key, env)
	d.mu.Lock()
	d.owned[key] = struct{}{}
	d.mu.Unlock()

	acks = d.replicate(ctx, key, env, peers)
	d.bus.Emit(events.Stored, key.String())
	return acks, nil
}

// replicate sends STORE to every candidate peer concurrently and counts
// the acknowledgments.
func (d *DHT) replicate(ctx context.Context, key identity.ID, env Envelope, peers []routing.Peer) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	acks := 0
	for _, p := range peers {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.storeRPC(ctx, p, key, env); err == nil {
				mu.Lock()
				acks++
				mu.Unlock()
			} else {
				d.bus.Emit(events.ReplicationFailed, key.String())
			}
		}()
	}
	wg.Wait()
	if acks > 0 {
		d.bus.Emit(events.Replicated, key.String())
	}
	return acks
}

// Get retrieves the value stored at key: checks the local store first,
// then runs an iterative FIND_VALUE lookup across the network.
func (d *DHT) Get(ctx context.Context, key identity.ID) (json.RawMessage, error) {
	if err := d.checkRunning(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	local, ok := d.localStore[key]
	d.mu.RUnlock()
	if ok && !local.isTombstone() {
		d.bus.Emit(events.Retrieved, key.String())
		return local.Payload, nil
	}

	result, err := d.iterativeLookup(ctx, key, wire.DHTFindValue)
	if err != nil {
		return nil, err
	}
	if !result.found {
		return nil, meshvaulterrors.NotFoundErr("value", key.String())
	}

	var env Envelope
	if err := json.Unmarshal(result.value, &env); err != nil {
		return nil, meshvaulterrors.Wrap(meshvaulterrors.InvalidMetadata, "malformed dht envelope", err)
	}
	if env.isTombstone() {
		return nil, meshvaulterrors.NotFoundErr("value", key.String())
	}

	d.cacheOnHit(key, env, result.closest)
	d.bus.Emit(events.Retrieved, key.String())
	return env.Payload, nil
}

// cacheOnHit stores the found value at the single closest peer known
// from the lookup. Failures are ignored: this is an optimization, not a
// correctness requirement.
func (d *DHT) cacheOnHit(key identity.ID, env Envelope, closest []routing.Peer) {
	if len(closest) == 0 {
		return
	}
	target := closest[0]
	go func() {
		storeCtx, cancel := context.WithTimeout(context.Background(), d.config.RPCTimeout)
		defer cancel()
		_ = d.storeRPC(storeCtx, target, key, env)
	}()
}

// Delete removes key by writing a tombstone envelope (a STORE with a
// null value), which overrides prior writes by timestamp.
func (d *DHT) Delete(ctx context.Context, key identity.ID) error {
	if err := d.checkRunning(); err != nil {
		return err
	}

	env := Envelope{Payload: nil, TS: d.clock().Unix()}
	d.applyStore(key, env)
	d.mu.Lock()
	delete(d.owned, key)
	d.mu.Unlock()

	peers, err := d.FindNode(ctx, key)
	if err != nil {
		return err
	}
	d.replicate(ctx, key, env, peers)
	d.bus.Emit(events.Deleted, key.String())
	return nil
}
