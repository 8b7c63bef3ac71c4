// Package wire implements the DHT wire protocol codec: message shape,
// dht_type to type mapping, and replay-window validation.
package wire

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Type is the outer message classification.
type Type string

const (
	TypeQuery    Type = "query"
	TypeResponse Type = "response"
	TypeUpdate   Type = "update"
	TypeAnnounce Type = "announce"
)

// DHTType is the RPC being carried. Unknown values are dropped silently by
// receivers to preserve forward compatibility.
type DHTType string

const (
	DHTFindNode  DHTType = "FIND_NODE"
	DHTFindValue DHTType = "FIND_VALUE"
	DHTStore     DHTType = "STORE"
	DHTDelete    DHTType = "DELETE"
	DHTPing      DHTType = "PING"
)

// Protocol and Version identify the wire format.
const (
	Protocol = "dht"
	Version  = "1.0.0"
)

// ReplayWindow bounds how far a message timestamp may drift from now
// before it is rejected as a replay.
const ReplayWindow = 5 * time.Minute

// typeForDHTType maps each RPC to its outer classification: FIND_* and
// PING are queries; STORE/DELETE are updates; responses are constructed
// explicitly by the responder and are not derived from this table.
var typeForDHTType = map[DHTType]Type{
	DHTFindNode:  TypeQuery,
	DHTFindValue: TypeQuery,
	DHTPing:      TypeQuery,
	DHTStore:     TypeUpdate,
	DHTDelete:    TypeUpdate,
}

// Payload carries the RPC-specific fields of a message.
type Payload struct {
	ID        string          `json:"id"`
	Timestamp int64           `json:"timestamp"` // unix seconds
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver,omitempty"`
	Key       string          `json:"key,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Message is the full wire envelope.
type Message struct {
	Type     Type    `json:"type"`
	DHTType  DHTType `json:"dht_type"`
	Protocol string  `json:"protocol"`
	Version  string  `json:"version"`
	Payload  Payload `json:"payload"`
}

// NewQuery builds a query/update message for a given DHT RPC, stamping a
// fresh ID and the current timestamp.
func NewQuery(dhtType DHTType, sender string, now time.Time) Message {
	return Message{
		Type:     typeForDHTType[dhtType],
		DHTType:  dhtType,
		Protocol: Protocol,
		Version:  Version,
		Payload: Payload{
			ID:        uuid.NewString(),
			Timestamp: now.Unix(),
			Sender:    sender,
		},
	}
}

// NewResponse builds a response to requestID from responder.
func NewResponse(dhtType DHTType, requestID, responder string, now time.Time) Message {
	return Message{
		Type:     TypeResponse,
		DHTType:  dhtType,
		Protocol: Protocol,
		Version:  Version,
		Payload: Payload{
			ID:        requestID,
			Timestamp: now.Unix(),
			Sender:    responder,
		},
	}
}

var (
	// ErrMissingDHTType is returned when dht_type is absent.
	ErrMissingDHTType = errors.New("wire: dht_type is required")
	// ErrMissingSender is returned when payload.sender is absent.
	ErrMissingSender = errors.New("wire: sender is required")
	// ErrInvalidKey is returned when payload.key is present but not 64 hex
	// characters.
	ErrInvalidKey = errors.New("wire: key must be 64 hex characters")
	// ErrReplay is returned when the timestamp falls outside ReplayWindow.
	ErrReplay = errors.New("wire: message timestamp outside replay window")
	// ErrUnknownDHTType signals the message should be dropped silently,
	// not surfaced as an error to the peer.
	ErrUnknownDHTType = errors.New("wire: unknown dht_type")
)

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}

// Validate checks a message against the protocol's rejection rules. Unknown
// dht_types are reported via ErrUnknownDHTType so callers can drop them
// silently rather than surfacing an error up the stack.
func Validate(m Message, now time.Time) error {
	if m.DHTType == "" {
		return ErrMissingDHTType
	}
	if _, known := typeForDHTType[m.DHTType]; !known && m.Type != TypeResponse {
		return ErrUnknownDHTType
	}
	if m.Payload.Sender == "" {
		return ErrMissingSender
	}
	if m.Payload.Key != "" && !isHex64(m.Payload.Key) {
		return ErrInvalidKey
	}
	ts := time.Unix(m.Payload.Timestamp, 0)
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > ReplayWindow {
		return ErrReplay
	}
	return nil
}

// Encode serializes a Message to JSON bytes for transport.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses JSON bytes into a Message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
