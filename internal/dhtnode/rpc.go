package dhtnode

import (
	"context"
	"encoding/json"

	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/meshvaulterrors"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/wire"
)

func addrOf(p routing.Peer) string {
	if len(p.Addresses) > 0 {
		return p.Addresses[0]
	}
	return p.ID.String()
}

// rpc sends a FIND_NODE or FIND_VALUE query to peer and parses the
// response: either a value (FIND_VALUE hit) or a list of closer peers.
func (d *DHT) rpc(ctx context.Context, peer routing.Peer, target identity.ID, dhtType wire.DHTType) (peers []routing.Peer, value json.RawMessage, found bool, err error) {
	msg := wire.NewQuery(dhtType, d.self.String(), d.clock())
	msg.Payload.Key = target.String()

	rpcCtx, cancel := context.WithTimeout(ctx, d.config.RPCTimeout)
	defer cancel()

	resp, err := d.transport.Send(rpcCtx, addrOf(peer), msg)
	if err != nil {
		return nil, nil, false, meshvaulterrors.PeerUnreachableErr(peer.ID.String(), err)
	}

	if dhtType == wire.DHTFindValue && len(resp.Payload.Value) > 0 && string(resp.Payload.Value) != "null" {
		return nil, resp.Payload.Value, true, nil
	}

	return fromPeerWire(resp.Payload.Data, d.self), nil, false, nil
}

// storeRPC sends a STORE for key/env to peer, returning an error if the
// peer could not be reached or rejected it.
func (d *DHT) storeRPC(ctx context.Context, peer routing.Peer, key identity.ID, env Envelope) error {
	envBytes, err := json.Marshal(env)
	if err != nil {
		return err
	}
	msg := wire.NewQuery(wire.DHTStore, d.self.String(), d.clock())
	msg.Payload.Key = key.String()
	msg.Payload.Value = envBytes

	rpcCtx, cancel := context.WithTimeout(ctx, d.config.RPCTimeout)
	defer cancel()

	_, err = d.transport.Send(rpcCtx, addrOf(peer), msg)
	if err != nil {
		return meshvaulterrors.PeerUnreachableErr(peer.ID.String(), err)
	}
	return nil
}

// pingRPC sends a liveness PING to peer.
func (d *DHT) pingRPC(ctx context.Context, peer routing.Peer) error {
	msg := wire.NewQuery(wire.DHTPing, d.self.String(), d.clock())

	rpcCtx, cancel := context.WithTimeout(ctx, d.config.RPCTimeout)
	defer cancel()

	_, err := d.transport.Send(rpcCtx, addrOf(peer), msg)
	if err != nil {
		return meshvaulterrors.PeerUnreachableErr(peer.ID.String(), err)
	}
	return nil
}
