package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nmxmxh/meshvault/internal/wire"
)

// WebsocketFallback is a standalone relay sender for peers that a direct
// libp2p dial cannot reach (NAT traversal failure, firewalled relay-only
// peer). It carries the same wire.Message frames as Libp2pTransport but
// over a single relay WebSocket connection instead of a direct stream. It
// offers only Send and Close, does not implement Transport, and is not
// invoked by Libp2pTransport when a dial fails.
type WebsocketFallback struct {
	relayURL string
	cfg      Config

	mu   sync.Mutex
	conn *websocket.Conn

	pendingMu sync.Mutex
	pending   map[string]chan wire.Message
}

// NewWebsocketFallback creates a fallback transport that relays through
// relayURL (a wss:// endpoint run by an operator-chosen rendezvous node).
func NewWebsocketFallback(relayURL string, cfg Config) *WebsocketFallback {
	return &WebsocketFallback{
		relayURL: relayURL,
		cfg:      cfg,
		pending:  make(map[string]chan wire.Message),
	}
}

// relayEnvelope wraps a wire.Message with the destination peer ID so the
// relay knows where to forward it.
type relayEnvelope struct {
	To  string      `json:"to"`
	Msg wire.Message `json:"msg"`
}

func (w *WebsocketFallback) connect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: w.cfg.ConnectionTimeout}
	conn, _, err := dialer.Dial(w.relayURL, nil)
	if err != nil {
		return fmt.Errorf("transport: connect relay %s: %w", w.relayURL, err)
	}
	w.conn = conn
	go w.receiveLoop(conn)
	return nil
}

func (w *WebsocketFallback) receiveLoop(conn *websocket.Conn) {
	defer func() {
		w.mu.Lock()
		if w.conn == conn {
			w.conn = nil
		}
		w.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			continue
		}
		w.pendingMu.Lock()
		ch, ok := w.pending[msg.Payload.ID]
		if ok {
			delete(w.pending, msg.Payload.ID)
		}
		w.pendingMu.Unlock()
		if ok {
			ch <- msg
		}
	}
}

// Send relays msg to peerID via the rendezvous connection and waits for
// the correlated response or RPCTimeout.
func (w *WebsocketFallback) Send(ctx context.Context, peerID string, msg wire.Message) (wire.Message, error) {
	if err := w.connect(); err != nil {
		return wire.Message{}, err
	}

	ch := make(chan wire.Message, 1)
	w.pendingMu.Lock()
	w.pending[msg.Payload.ID] = ch
	w.pendingMu.Unlock()

	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return wire.Message{}, fmt.Errorf("transport: relay connection lost")
	}

	data, err := json.Marshal(relayEnvelope{To: peerID, Msg: msg})
	if err != nil {
		return wire.Message{}, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return wire.Message{}, fmt.Errorf("transport: relay write: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(w.cfg.RPCTimeout):
		w.pendingMu.Lock()
		delete(w.pending, msg.Payload.ID)
		w.pendingMu.Unlock()
		return wire.Message{}, ErrTimeout
	case <-ctx.Done():
		return wire.Message{}, ctx.Err()
	}
}

// Close terminates the relay connection.
func (w *WebsocketFallback) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
