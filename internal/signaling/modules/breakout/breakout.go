// Package breakout manages breakout sessions: a moderator carves the room
// into named sub-rooms and assigns participants. Moving between rooms is a
// reconnect at the transport level; this module owns the shared session
// state and the announcements.
package breakout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

const Namespace = "breakout"

const FeatureBreakout domain.FeatureID = "breakout"

const maxRooms = 64

func sessionKey(sig *signaling.Context) string { return sig.Key(Namespace, "session") }

// BreakoutRoom is one sub-room of a session.
type BreakoutRoom struct {
	ID   domain.BreakoutRoomID `json:"id"`
	Name string                `json:"name"`
}

// Session is the stored breakout configuration.
type Session struct {
	Rooms       []BreakoutRoom                                 `json:"rooms"`
	Assignments map[domain.ParticipantID]domain.BreakoutRoomID `json:"assignments,omitempty"`
	Starter     domain.ParticipantID                           `json:"starter"`
	Started     time.Time                                      `json:"started"`
	// ExpiresAt is zero for open-ended sessions.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

type command struct {
	Action      string                                         `json:"action"`
	Rooms       []string                                       `json:"rooms,omitempty"`
	Assignments map[domain.ParticipantID]domain.BreakoutRoomID `json:"assignments,omitempty"`
	Duration    time.Duration                                  `json:"duration,omitempty"`
}

type peerMessage struct {
	Action  string   `json:"action"`
	Session *Session `json:"session,omitempty"`
}

const (
	actionStarted = "breakout_started"
	actionStopped = "breakout_stopped"
)

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return nil }
func (*Factory) RequiredFeatures() []domain.FeatureID { return []domain.FeatureID{FeatureBreakout} }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return &breakoutModule{}, nil
}

type breakoutModule struct{}

func (m *breakoutModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		m.deliver(sig, ev.Payload)
	}
	return signaling.Continue(), nil
}

func (m *breakoutModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionBreakout, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	switch cmd.Action {
	case "start":
		return m.start(ctx, sig, cmd)
	case "stop":
		return m.stop(ctx, sig)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *breakoutModule) start(ctx context.Context, sig *signaling.Context, cmd command) (signaling.Ack, error) {
	if len(cmd.Rooms) == 0 || len(cmd.Rooms) > maxRooms {
		return signaling.Continue(), signaling.NewModuleError("invalid_rooms", nil)
	}
	session := Session{
		Rooms:       make([]BreakoutRoom, 0, len(cmd.Rooms)),
		Assignments: cmd.Assignments,
		Starter:     sig.ParticipantID(),
		Started:     sig.Now(),
	}
	known := make(map[domain.BreakoutRoomID]bool, len(cmd.Rooms))
	for _, name := range cmd.Rooms {
		name = strings.TrimSpace(name)
		if name == "" {
			return signaling.Continue(), signaling.NewModuleError("invalid_rooms", nil)
		}
		room := BreakoutRoom{ID: domain.NewBreakoutRoomID(), Name: name}
		session.Rooms = append(session.Rooms, room)
		known[room.ID] = true
	}
	for p, target := range cmd.Assignments {
		if p == "" || !known[target] {
			return signaling.Continue(), signaling.NewModuleError("invalid_assignment", nil)
		}
	}
	if cmd.Duration > 0 {
		session.ExpiresAt = session.Started.Add(cmd.Duration)
	}
	raw, err := json.Marshal(session)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	won, err := sig.Volatile().SetIfAbsent(ctx, sessionKey(sig), string(raw), 0)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !won {
		return signaling.Continue(), signaling.NewModuleError("breakout_already_running", nil)
	}
	msg := peerMessage{Action: actionStarted, Session: &session}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *breakoutModule) stop(ctx context.Context, sig *signaling.Context) (signaling.Ack, error) {
	_, err := sig.Volatile().GetDel(ctx, sessionKey(sig))
	if errors.Is(err, signaling.ErrKeyMissing) {
		return signaling.Continue(), signaling.NewModuleError("no_active_breakout", nil)
	}
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	// Connections inside breakout rooms also subscribe to the parent room
	// scope, so one broadcast reaches everyone.
	msg := peerMessage{Action: actionStopped}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *breakoutModule) deliver(sig *signaling.Context, payload json.RawMessage) {
	var msg peerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		sig.Log().WithError(err).Debug("breakout: dropping undecodable message")
		return
	}
	switch msg.Action {
	case actionStarted:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionStarted, "session": msg.Session})
	case actionStopped:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionStopped})
	}
}

func (m *breakoutModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	if req.Kind != signaling.ExtensionJoinState {
		return nil, nil
	}
	raw, err := sig.Volatile().Get(ctx, sessionKey(sig))
	if errors.Is(err, signaling.ErrKeyMissing) {
		return map[string]any{"session": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	var session Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("breakout: corrupt session: %w", err)
	}
	return map[string]any{"session": session}, nil
}

func (m *breakoutModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	if err := sig.Volatile().Del(ctx, sessionKey(sig)); err != nil {
		sig.Log().WithError(err).Warn("breakout: failed to delete session key")
	}
}
