// Package control implements the required first signaling module: the
// client-facing surface for presence, roles, hand raising and the waiting
// room. Join and leave themselves are runner concerns; control owns what the
// client sees of them.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

// Namespace under which the module is registered.
const Namespace = signaling.ControlNamespace

// Extension kinds served by control beyond the shared ones.
const (
	// ExtensionAccept moves this connection's participant out of the waiting
	// room. Sent by moderation when a moderator accepts the participant.
	ExtensionAccept = "control/accept"
	// ExtensionParticipantRecord returns the stored record of a peer; Data is
	// ignored, Participant selects the peer.
	ExtensionParticipantRecord = "control/participant_record"
)

// Volatile keys owned by control (besides the presence set, which the runner
// owns).
func participantKey(sig *signaling.Context, p domain.ParticipantID) string {
	return sig.Key(Namespace, "participant:"+string(p))
}

func raisedHandsKey(sig *signaling.Context) string {
	return sig.Key(Namespace, "raised_hands")
}

func waitingRoomKey(sig *signaling.Context) string {
	return sig.Key(Namespace, "waiting_room_enabled")
}

// ParticipantRecord is the stored per-participant state.
type ParticipantRecord struct {
	ID          domain.ParticipantID `json:"id"`
	User        domain.UserID        `json:"user,omitempty"`
	DisplayName string               `json:"display_name"`
	Role        domain.Role          `json:"role"`
	JoinedAt    time.Time            `json:"joined_at"`
	Waiting     bool                 `json:"waiting,omitempty"`
}

// command is the client payload.
type command struct {
	Action string `json:"action"`
}

// peerMessage is the control-namespace exchange traffic this module owns
// (presence announcements are handled by the runner before they get here).
type peerMessage struct {
	Action      string               `json:"action"`
	Participant domain.ParticipantID `json:"participant"`
	Raised      bool                 `json:"raised,omitempty"`
	Enabled     bool                 `json:"enabled,omitempty"`
}

const (
	actionRaiseHand   = "raise_hand"
	actionLowerHand   = "lower_hand"
	actionHandUpdated = "hand_updated"
	actionAccepted    = "accepted"
	actionWaitingRoom = "waiting_room_updated"
)

// Factory builds the control module.
type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return nil }
func (*Factory) RequiredFeatures() []domain.FeatureID { return nil }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	m := &controlModule{}
	waiting := false
	if sig.Role() == domain.RoleGuest && !sig.Resumed() {
		enabled, err := sig.Volatile().Get(ctx, waitingRoomKey(sig))
		if err != nil && !errors.Is(err, signaling.ErrKeyMissing) {
			return nil, fmt.Errorf("control: read waiting room flag: %w", err)
		}
		waiting = enabled == "true"
	}
	record := ParticipantRecord{
		ID:          sig.ParticipantID(),
		User:        sig.UserID(),
		DisplayName: sig.DisplayName(),
		Role:        sig.Role(),
		JoinedAt:    sig.Now(),
		Waiting:     waiting,
	}
	if err := m.saveRecord(ctx, sig, record); err != nil {
		return nil, err
	}
	m.waiting = waiting
	return m, nil
}

type controlModule struct {
	waiting bool
}

func (m *controlModule) saveRecord(ctx context.Context, sig *signaling.Context, rec ParticipantRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("control: marshal participant record: %w", err)
	}
	return sig.Volatile().Set(ctx, participantKey(sig, rec.ID), string(raw), 0)
}

func (m *controlModule) loadRecord(ctx context.Context, sig *signaling.Context, p domain.ParticipantID) (ParticipantRecord, error) {
	raw, err := sig.Volatile().Get(ctx, participantKey(sig, p))
	if err != nil {
		return ParticipantRecord{}, err
	}
	var rec ParticipantRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return ParticipantRecord{}, fmt.Errorf("control: corrupt participant record: %w", err)
	}
	return rec, nil
}

func (m *controlModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		return m.onPeerMessage(ctx, sig, ev)
	case signaling.EventLifecycle:
		return m.onLifecycle(ctx, sig, ev.Lifecycle)
	}
	return signaling.Continue(), nil
}

func (m *controlModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	switch cmd.Action {
	case "join":
		return signaling.Continue(), signaling.NewModuleError("already_joined", nil)
	case actionRaiseHand:
		return m.setHand(ctx, sig, true)
	case actionLowerHand:
		return m.setHand(ctx, sig, false)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *controlModule) setHand(ctx context.Context, sig *signaling.Context, raised bool) (signaling.Ack, error) {
	key := raisedHandsKey(sig)
	var err error
	if raised {
		_, err = sig.Volatile().AddToSet(ctx, key, string(sig.ParticipantID()))
	} else {
		_, _, err = sig.Volatile().RemoveFromSet(ctx, key, string(sig.ParticipantID()))
	}
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionHandUpdated, Participant: sig.ParticipantID(), Raised: raised}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *controlModule) onPeerMessage(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	var msg peerMessage
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		sig.Log().WithError(err).Debug("control: dropping undecodable peer message")
		return signaling.Continue(), nil
	}
	switch msg.Action {
	case actionHandUpdated:
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message":     actionHandUpdated,
			"participant": msg.Participant,
			"raised":      msg.Raised,
		})
	case actionWaitingRoom:
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message": actionWaitingRoom,
			"enabled": msg.Enabled,
		})
	}
	return signaling.Continue(), nil
}

func (m *controlModule) onLifecycle(ctx context.Context, sig *signaling.Context, ev *signaling.LifecycleEvent) (signaling.Ack, error) {
	if ev == nil || ev.Participant == sig.ParticipantID() && ev.Kind != signaling.LifecycleRoleChanged {
		return signaling.Continue(), nil
	}
	switch ev.Kind {
	case signaling.LifecycleJoined:
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message":      "participant_joined",
			"participant":  ev.Participant,
			"display_name": ev.DisplayName,
			"role":         ev.Role,
		})
	case signaling.LifecycleLeft:
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message":     "participant_left",
			"participant": ev.Participant,
		})
	case signaling.LifecycleRoleChanged:
		if ev.Participant == sig.ParticipantID() {
			rec, err := m.loadRecord(ctx, sig, sig.ParticipantID())
			if err == nil {
				rec.Role = ev.Role
				if err := m.saveRecord(ctx, sig, rec); err != nil {
					sig.Log().WithError(err).Warn("control: failed to persist role change")
				}
			}
		}
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message":     "role_updated",
			"participant": ev.Participant,
			"role":        ev.Role,
		})
	}
	return signaling.Continue(), nil
}

func (m *controlModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	switch req.Kind {
	case signaling.ExtensionJoinState:
		return m.joinState(ctx, sig)
	case signaling.ExtensionSetRole:
		role, ok := req.Data.(domain.Role)
		if !ok {
			return nil, fmt.Errorf("control: set_role needs a role, got %T", req.Data)
		}
		rec, err := m.loadRecord(ctx, sig, sig.ParticipantID())
		if err != nil {
			return nil, err
		}
		rec.Role = role
		if err := m.saveRecord(ctx, sig, rec); err != nil {
			return nil, err
		}
		sig.SetRole(role)
		return nil, signaling.PublishRoleUpdate(ctx, sig, role)
	case ExtensionAccept:
		if !m.waiting {
			return nil, nil
		}
		rec, err := m.loadRecord(ctx, sig, sig.ParticipantID())
		if err != nil {
			return nil, err
		}
		rec.Waiting = false
		if err := m.saveRecord(ctx, sig, rec); err != nil {
			return nil, err
		}
		m.waiting = false
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionAccepted})
		return nil, nil
	case ExtensionParticipantRecord:
		rec, err := m.loadRecord(ctx, sig, req.Participant)
		if err != nil {
			return nil, err
		}
		return rec, nil
	}
	return nil, nil
}

// joinState is control's contribution to the join-success snapshot: the full
// roster plus the raised-hand set.
func (m *controlModule) joinState(ctx context.Context, sig *signaling.Context) (any, error) {
	members, err := sig.Volatile().SetMembers(ctx, signaling.PresenceKey(sig.RoomID()))
	if err != nil {
		return nil, err
	}
	participants := make([]ParticipantRecord, 0, len(members))
	for _, member := range members {
		rec, err := m.loadRecord(ctx, sig, domain.ParticipantID(member))
		if err != nil {
			if errors.Is(err, signaling.ErrKeyMissing) {
				continue // record racing with a concurrent leave
			}
			return nil, err
		}
		participants = append(participants, rec)
	}
	hands, err := sig.Volatile().SetMembers(ctx, raisedHandsKey(sig))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"participants":    participants,
		"raised_hands":    hands,
		"in_waiting_room": m.waiting,
	}, nil
}

func (m *controlModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	store := sig.Volatile()
	if err := store.Del(ctx, participantKey(sig, sig.ParticipantID())); err != nil {
		sig.Log().WithError(err).Warn("control: failed to delete participant record")
	}
	if _, _, err := store.RemoveFromSet(ctx, raisedHandsKey(sig), string(sig.ParticipantID())); err != nil {
		sig.Log().WithError(err).Warn("control: failed to lower hand during teardown")
	}
	if destroyRoom {
		if err := store.Del(ctx, raisedHandsKey(sig), waitingRoomKey(sig)); err != nil {
			sig.Log().WithError(err).Warn("control: failed to delete room-wide keys")
		}
	}
}
