package wire

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTFindNode, "sender-id", now)
	msg.Payload.Key = strings.Repeat("a", 64)

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, msg.DHTType, decoded.DHTType)
	assert.Equal(t, msg.Payload.Key, decoded.Payload.Key)
}

func TestTypeMapping(t *testing.T) {
	now := time.Now()
	assert.Equal(t, TypeQuery, NewQuery(DHTFindNode, "s", now).Type)
	assert.Equal(t, TypeQuery, NewQuery(DHTFindValue, "s", now).Type)
	assert.Equal(t, TypeQuery, NewQuery(DHTPing, "s", now).Type)
	assert.Equal(t, TypeUpdate, NewQuery(DHTStore, "s", now).Type)
	assert.Equal(t, TypeUpdate, NewQuery(DHTDelete, "s", now).Type)
}

func TestValidateMissingDHTType(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTPing, "s", now)
	msg.DHTType = ""
	assert.ErrorIs(t, Validate(msg, now), ErrMissingDHTType)
}

func TestValidateMissingSender(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTPing, "s", now)
	msg.Payload.Sender = ""
	assert.ErrorIs(t, Validate(msg, now), ErrMissingSender)
}

func TestValidateBadKey(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTFindValue, "s", now)
	msg.Payload.Key = "not-hex"
	assert.ErrorIs(t, Validate(msg, now), ErrInvalidKey)
}

func TestValidateReplayWindow(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTStore, "s", now.Add(-10*time.Minute))
	assert.ErrorIs(t, Validate(msg, now), ErrReplay)

	freshMsg := NewQuery(DHTStore, "s", now.Add(-4*time.Minute))
	assert.NoError(t, Validate(freshMsg, now))
}

func TestValidateFutureReplayWindow(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTStore, "s", now.Add(10*time.Minute))
	assert.ErrorIs(t, Validate(msg, now), ErrReplay)
}

func TestValidateUnknownDHTTypeDroppedSilently(t *testing.T) {
	now := time.Now()
	msg := NewQuery(DHTPing, "s", now)
	msg.DHTType = "FUTURE_RPC"
	msg.Type = TypeQuery
	assert.ErrorIs(t, Validate(msg, now), ErrUnknownDHTType)
}

func TestValidateResponseBypassesTypeMapping(t *testing.T) {
	now := time.Now()
	resp := NewResponse(DHTFindNode, "req-id", "responder", now)
	assert.NoError(t, Validate(resp, now))
}
