package signaling

import (
	"context"
	"encoding/json"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// ControlNamespace is the namespace of the required control module and of the
// runner's own presence traffic.
const ControlNamespace = "control"

// Presence actions carried as control-namespace exchange messages. The
// runner publishes and intercepts these itself and translates them into
// lifecycle events for every module; the control module only owns the
// client-facing surface.
const (
	PresenceActionJoined      = "participant_joined"
	PresenceActionLeft        = "participant_left"
	PresenceActionRoleUpdated = "role_updated"
	// PresenceActionReplaced tells the runner identified by Conn that a newer
	// connection took over its participant.
	PresenceActionReplaced = "session_replaced"
)

// PresenceMessage is the control-namespace exchange body for presence
// changes.
type PresenceMessage struct {
	Action      string               `json:"action"`
	Participant domain.ParticipantID `json:"participant"`
	DisplayName string               `json:"display_name,omitempty"`
	Role        domain.Role          `json:"role,omitempty"`
	Conn        string               `json:"conn,omitempty"`
}

// PublishRoleUpdate announces a role change for this connection's
// participant to the whole room. The publishing side must already have
// updated its Context role.
func PublishRoleUpdate(ctx context.Context, sig *Context, role domain.Role) error {
	return sig.Publish(ctx, RoomScope(sig.RoomID()), ControlNamespace, PresenceMessage{
		Action:      PresenceActionRoleUpdated,
		Participant: sig.ParticipantID(),
		Role:        role,
	})
}

// decodePresence reports whether a control-namespace payload is a presence
// message the runner handles itself.
func decodePresence(payload json.RawMessage) (PresenceMessage, bool) {
	var msg PresenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return PresenceMessage{}, false
	}
	switch msg.Action {
	case PresenceActionJoined, PresenceActionLeft, PresenceActionRoleUpdated, PresenceActionReplaced:
		return msg, true
	}
	return PresenceMessage{}, false
}
