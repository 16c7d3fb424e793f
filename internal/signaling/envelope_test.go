package signaling_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

func TestEncodeEnvelope_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	frame, err := signaling.EncodeEnvelope("chat", map[string]string{"action": "send", "content": "hi"}, now)
	require.NoError(t, err)
	assert.Equal(t, signaling.FrameText, frame.Kind)

	env, err := signaling.DecodeEnvelope(frame.Data, 0)
	require.NoError(t, err)
	assert.Equal(t, "chat", env.Namespace)
	assert.Equal(t, now, env.Timestamp)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(env.Payload, &payload))
	assert.Equal(t, "send", payload["action"])
}

func TestDecodeEnvelope_RejectsGarbage(t *testing.T) {
	_, err := signaling.DecodeEnvelope([]byte("not json"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, signaling.ErrMalformedEnvelope))
}

func TestDecodeEnvelope_RequiresNamespace(t *testing.T) {
	_, err := signaling.DecodeEnvelope([]byte(`{"payload":{"action":"join"}}`), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, signaling.ErrMalformedEnvelope))
}

func TestDecodeEnvelope_EnforcesPayloadLimit(t *testing.T) {
	frame, err := signaling.EncodeEnvelope("chat", map[string]string{"content": "0123456789"}, time.Now())
	require.NoError(t, err)

	_, err = signaling.DecodeEnvelope(frame.Data, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, signaling.ErrPayloadTooLarge))

	// A zero limit disables the check.
	_, err = signaling.DecodeEnvelope(frame.Data, 0)
	assert.NoError(t, err)
}

func TestEncodeMessage_RoundTrip(t *testing.T) {
	data, err := signaling.EncodeMessage("polls", "participant-1", map[string]int{"votes": 3})
	require.NoError(t, err)

	msg, err := signaling.DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "polls", msg.Namespace)
	assert.Equal(t, "participant-1", string(msg.Source))
	assert.JSONEq(t, `{"votes":3}`, string(msg.Payload))
}

func TestScope_RoutingKeys(t *testing.T) {
	assert.Equal(t, "room.r1", signaling.RoomScope("r1").RoutingKey())
	assert.Equal(t, "breakout.b1", signaling.BreakoutScope("b1").RoutingKey())
	assert.Equal(t, "participant.p1", signaling.ParticipantScope("p1").RoutingKey())
	assert.Equal(t, "global", signaling.GlobalScope().RoutingKey())
}
