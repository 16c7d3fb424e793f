package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the self-describing container every signaling message travels
// in. The payload schema is owned by the module registered under Namespace;
// the codec never looks inside it.
type Envelope struct {
	Namespace string          `json:"namespace"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// DecodeEnvelope parses a frame into an envelope. maxPayload of 0 disables
// the size check.
func DecodeEnvelope(data []byte, maxPayload int) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Namespace == "" {
		return Envelope{}, fmt.Errorf("%w: missing namespace", ErrMalformedEnvelope)
	}
	if maxPayload > 0 && len(env.Payload) > maxPayload {
		return Envelope{}, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(env.Payload))
	}
	return env, nil
}

// EncodeEnvelope wraps a payload for the given namespace, stamping it with
// the current time. The timestamp is informational and takes no part in
// ordering.
func EncodeEnvelope(namespace string, payload any, now time.Time) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("signaling: marshal payload for %q: %w", namespace, err)
	}
	data, err := json.Marshal(Envelope{Namespace: namespace, Timestamp: now.UTC(), Payload: raw})
	if err != nil {
		return Frame{}, fmt.Errorf("signaling: marshal envelope for %q: %w", namespace, err)
	}
	return Frame{Kind: FrameText, Data: data}, nil
}

// ErrorPayload is the body of a namespaced error event sent back to the
// originator of a failed request. The connection stays open.
type ErrorPayload struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// NewErrorPayload builds the conventional per-request error body.
func NewErrorPayload(code string) ErrorPayload {
	return ErrorPayload{Message: "error", Error: code}
}
