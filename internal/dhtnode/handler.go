package dhtnode

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/nmxmxh/meshvault/internal/events"
	"github.com/nmxmxh/meshvault/internal/identity"
	"github.com/nmxmxh/meshvault/internal/routing"
	"github.com/nmxmxh/meshvault/internal/wire"
)

// HandleMessage is the transport.Handler wired to the node's transport in
// Start. It validates the inbound message, refreshes the sender's routing
// table entry, and dispatches to the RPC-specific responder.
func (d *DHT) HandleMessage(ctx context.Context, peerID string, msg wire.Message) (wire.Message, error) {
	now := d.clock()
	if err := wire.Validate(msg, now); err != nil {
		return wire.Message{}, err
	}

	d.touchSender(peerID, msg)
	d.bus.Emit(events.MessageReceived, msg)

	switch msg.DHTType {
	case wire.DHTPing:
		return wire.NewResponse(wire.DHTPing, msg.Payload.ID, d.self.String(), now), nil
	case wire.DHTFindNode:
		return d.handleFindNode(msg)
	case wire.DHTFindValue:
		return d.handleFindValue(msg)
	case wire.DHTStore, wire.DHTDelete:
		return d.handleStore(msg)
	default:
		return wire.Message{}, wire.ErrUnknownDHTType
	}
}

// touchSender records the peer that just reached us, per the Kademlia rule
// that every RPC (inbound or outbound) refreshes the sender's bucket slot.
func (d *DHT) touchSender(peerID string, msg wire.Message) {
	senderID, err := identity.Parse(msg.Payload.Sender)
	if err != nil || senderID.Equal(d.self) {
		return
	}
	p := routing.Peer{ID: senderID, Addresses: []string{peerID}}
	_ = d.table.AddPeer(p)
}

func (d *DHT) handleFindNode(msg wire.Message) (wire.Message, error) {
	target, err := identity.Parse(msg.Payload.Key)
	if err != nil {
		return wire.Message{}, err
	}
	closest := d.table.GetClosest(target, routing.K)
	resp := wire.NewResponse(wire.DHTFindNode, msg.Payload.ID, d.self.String(), d.clock())
	data, err := json.Marshal(toPeerWire(closest))
	if err != nil {
		return wire.Message{}, err
	}
	resp.Payload.Data = data
	return resp, nil
}

func (d *DHT) handleFindValue(msg wire.Message) (wire.Message, error) {
	target, err := identity.Parse(msg.Payload.Key)
	if err != nil {
		return wire.Message{}, err
	}

	d.mu.RLock()
	env, ok := d.localStore[target]
	d.mu.RUnlock()

	resp := wire.NewResponse(wire.DHTFindValue, msg.Payload.ID, d.self.String(), d.clock())
	if ok && !env.isTombstone() {
		envBytes, err := json.Marshal(env)
		if err != nil {
			return wire.Message{}, err
		}
		resp.Payload.Value = envBytes
		return resp, nil
	}

	closest := d.table.GetClosest(target, routing.K)
	data, err := json.Marshal(toPeerWire(closest))
	if err != nil {
		return wire.Message{}, err
	}
	resp.Payload.Data = data
	return resp, nil
}

func (d *DHT) handleStore(msg wire.Message) (wire.Message, error) {
	target, err := identity.Parse(msg.Payload.Key)
	if err != nil {
		return wire.Message{}, err
	}
	if len(msg.Payload.Value) == 0 {
		return wire.Message{}, errors.New("wire: store message missing value")
	}
	var env Envelope
	if err := json.Unmarshal(msg.Payload.Value, &env); err != nil {
		return wire.Message{}, err
	}
	// Unsigned envelopes are accepted and ranked purely by timestamp; a
	// signature, when present, must check out against the sender.
	if len(env.Signature) > 0 && !d.keystore.Verify(msg.Payload.Sender, env.Payload, env.Signature) {
		return wire.Message{}, errors.New("dhtnode: envelope signature rejected")
	}
	d.applyStore(target, env)
	if env.isTombstone() {
		d.bus.Emit(events.Deleted, target.String())
	} else {
		d.bus.Emit(events.Stored, target.String())
	}
	return wire.NewResponse(msg.DHTType, msg.Payload.ID, d.self.String(), d.clock()), nil
}

// applyStore is the last-writer-wins merge rule: a STORE only
// overwrites an existing value if its timestamp is not older.
func (d *DHT) applyStore(key identity.ID, env Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.localStore[key]
	if !ok || env.TS >= existing.TS {
		d.localStore[key] = env
	}
}
