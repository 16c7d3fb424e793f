// Package moderation gives moderators the levers over other participants:
// kick, ban, waiting-room accept, hand resets and role grants. Commands are
// authorized locally and delivered to the target through participant-scoped
// exchange messages, so the target's own connection enforces the outcome.
package moderation

import (
	"context"
	"encoding/json"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling/modules/control"
)

const Namespace = "moderation"

type command struct {
	Action string               `json:"action"`
	Target domain.ParticipantID `json:"target,omitempty"`
	// Enable selects the waiting-room state for "set_waiting_room".
	Enable bool `json:"enable,omitempty"`
}

// order is what one moderator connection tells a target connection to do.
type order struct {
	Action string               `json:"action"`
	Target domain.ParticipantID `json:"target"`
	Issuer domain.ParticipantID `json:"issuer"`
	Role   domain.Role          `json:"role,omitempty"`
}

const (
	actionKick            = "kick"
	actionBan             = "ban"
	actionAccept          = "accept"
	actionResetHands      = "reset_raised_hands"
	actionGrantModerator  = "grant_moderator"
	actionRevokeModerator = "revoke_moderator"
	actionSetWaitingRoom  = "set_waiting_room"
	actionSetRole         = "set_role"
)

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return []string{control.Namespace} }
func (*Factory) RequiredFeatures() []domain.FeatureID { return nil }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return &moderationModule{}, nil
}

type moderationModule struct{}

func (m *moderationModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		return m.onOrder(ctx, sig, ev)
	}
	return signaling.Continue(), nil
}

func (m *moderationModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionModerate, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}

	switch cmd.Action {
	case actionKick, actionAccept:
		if cmd.Target == "" {
			return signaling.Continue(), signaling.NewModuleError("invalid_target", nil)
		}
		return m.sendOrder(ctx, sig, order{Action: cmd.Action, Target: cmd.Target, Issuer: sig.ParticipantID()})
	case actionBan:
		return m.ban(ctx, sig, cmd.Target)
	case actionGrantModerator:
		return m.changeRole(ctx, sig, cmd.Target, domain.RoleModerator)
	case actionRevokeModerator:
		return m.changeRole(ctx, sig, cmd.Target, domain.RoleUser)
	case actionResetHands:
		return m.resetHands(ctx, sig)
	case actionSetWaitingRoom:
		return m.setWaitingRoom(ctx, sig, cmd.Enable)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *moderationModule) sendOrder(ctx context.Context, sig *signaling.Context, o order) (signaling.Ack, error) {
	if err := sig.Publish(ctx, signaling.ParticipantScope(o.Target), Namespace, o); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

// ban resolves the target's user identity through control's participant
// record, persists the ban, then orders the target off. Guests carry no user
// id and cannot be banned, only kicked.
func (m *moderationModule) ban(ctx context.Context, sig *signaling.Context, target domain.ParticipantID) (signaling.Ack, error) {
	if target == "" {
		return signaling.Continue(), signaling.NewModuleError("invalid_target", nil)
	}
	res, err := sig.QueryModule(ctx, control.Namespace, signaling.ExtensionRequest{
		Kind:        control.ExtensionParticipantRecord,
		Participant: target,
	})
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("target_not_found", err)
	}
	rec, ok := res.(control.ParticipantRecord)
	if !ok || rec.User == "" {
		return signaling.Continue(), signaling.NewModuleError("cannot_ban_guest", nil)
	}
	if _, err := sig.Volatile().AddToSet(ctx, signaling.BanKey(sig.RoomID()), string(rec.User)); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return m.sendOrder(ctx, sig, order{Action: actionBan, Target: target, Issuer: sig.ParticipantID()})
}

func (m *moderationModule) changeRole(ctx context.Context, sig *signaling.Context, target domain.ParticipantID, role domain.Role) (signaling.Ack, error) {
	if target == "" {
		return signaling.Continue(), signaling.NewModuleError("invalid_target", nil)
	}
	if target == sig.ParticipantID() {
		return signaling.Continue(), signaling.NewModuleError("cannot_change_own_role", nil)
	}
	return m.sendOrder(ctx, sig, order{Action: actionSetRole, Target: target, Issuer: sig.ParticipantID(), Role: role})
}

func (m *moderationModule) resetHands(ctx context.Context, sig *signaling.Context) (signaling.Ack, error) {
	key := sig.Key(control.Namespace, "raised_hands")
	hands, err := sig.Volatile().SetMembers(ctx, key)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if err := sig.Volatile().Del(ctx, key); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	for _, p := range hands {
		msg := map[string]any{"action": "hand_updated", "participant": p, "raised": false}
		if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), control.Namespace, msg); err != nil {
			return signaling.Continue(), signaling.NewModuleError("internal_error", err)
		}
	}
	return signaling.Continue(), nil
}

func (m *moderationModule) setWaitingRoom(ctx context.Context, sig *signaling.Context, enable bool) (signaling.Ack, error) {
	key := sig.Key(control.Namespace, "waiting_room_enabled")
	var err error
	if enable {
		err = sig.Volatile().Set(ctx, key, "true", 0)
	} else {
		err = sig.Volatile().Del(ctx, key)
	}
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := map[string]any{"action": "waiting_room_updated", "enabled": enable}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), control.Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

// onOrder runs on the TARGET's connection.
func (m *moderationModule) onOrder(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	var o order
	if err := json.Unmarshal(ev.Payload, &o); err != nil {
		sig.Log().WithError(err).Debug("moderation: dropping undecodable order")
		return signaling.Continue(), nil
	}
	if o.Target != sig.ParticipantID() {
		return signaling.Continue(), nil
	}
	switch o.Action {
	case actionKick:
		return signaling.CloseWithCode(signaling.ClosePolicyViolation, "kicked"), nil
	case actionBan:
		return signaling.CloseWithCode(signaling.ClosePolicyViolation, "banned"), nil
	case actionAccept:
		if _, err := sig.QueryModule(ctx, control.Namespace, signaling.ExtensionRequest{Kind: control.ExtensionAccept}); err != nil {
			sig.Log().WithError(err).Warn("moderation: accept failed")
		}
		return signaling.Continue(), nil
	case actionSetRole:
		if !o.Role.Valid() {
			return signaling.Continue(), nil
		}
		if _, err := sig.QueryModule(ctx, control.Namespace, signaling.ExtensionRequest{Kind: signaling.ExtensionSetRole, Data: o.Role}); err != nil {
			sig.Log().WithError(err).Warn("moderation: role change failed")
		}
		return signaling.Continue(), nil
	}
	return signaling.Continue(), nil
}

func (m *moderationModule) OnExtension(context.Context, *signaling.Context, signaling.ExtensionRequest) (any, error) {
	return nil, nil
}

func (m *moderationModule) Destroy(context.Context, *signaling.Context, bool) {}
