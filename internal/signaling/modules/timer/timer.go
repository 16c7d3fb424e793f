// Package timer implements the shared room countdown. One timer per room,
// claimed with a set-if-absent write; the starter's connection schedules the
// expiry locally so the room hears exactly one timer_expired announcement.
package timer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

const Namespace = "timer"

const FeatureTimer domain.FeatureID = "timer"

const (
	minDuration = time.Second
	maxDuration = 24 * time.Hour
)

func activeKey(sig *signaling.Context) string { return sig.Key(Namespace, "active") }

func readyKey(sig *signaling.Context, id domain.TimerID) string {
	return sig.Key(Namespace, "ready:"+string(id))
}

// Timer is the stored state of the running countdown.
type Timer struct {
	ID      domain.TimerID       `json:"id"`
	Starter domain.ParticipantID `json:"starter"`
	Title   string               `json:"title,omitempty"`
	EndsAt  time.Time            `json:"ends_at"`
	// ReadyCheck asks participants to flag themselves ready before the end.
	ReadyCheck bool `json:"ready_check,omitempty"`
}

type command struct {
	Action     string         `json:"action"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Title      string         `json:"title,omitempty"`
	ReadyCheck bool           `json:"ready_check,omitempty"`
	TimerID    domain.TimerID `json:"timer_id,omitempty"`
	Ready      bool           `json:"ready,omitempty"`
}

type peerMessage struct {
	Action      string               `json:"action"`
	Timer       *Timer               `json:"timer,omitempty"`
	TimerID     domain.TimerID       `json:"timer_id,omitempty"`
	Participant domain.ParticipantID `json:"participant,omitempty"`
	Ready       bool                 `json:"ready,omitempty"`
}

const (
	actionStarted = "timer_started"
	actionStopped = "timer_stopped"
	actionExpired = "timer_expired"
	actionReady   = "ready_updated"
)

// expiryFired is the Spawn result signalling the countdown elapsed.
type expiryFired struct {
	ID domain.TimerID
}

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return nil }
func (*Factory) RequiredFeatures() []domain.FeatureID { return []domain.FeatureID{FeatureTimer} }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return &timerModule{}, nil
}

type timerModule struct{}

func (m *timerModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		m.deliver(sig, ev.Payload)
	case signaling.EventInternal:
		if fired, ok := ev.Internal.(expiryFired); ok {
			return m.expire(ctx, sig, fired.ID)
		}
	}
	return signaling.Continue(), nil
}

func (m *timerModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	switch cmd.Action {
	case "start":
		return m.start(ctx, sig, cmd)
	case "stop":
		return m.stop(ctx, sig, cmd.TimerID)
	case "set_ready":
		return m.setReady(ctx, sig, cmd)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *timerModule) start(ctx context.Context, sig *signaling.Context, cmd command) (signaling.Ack, error) {
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionTimer, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	if cmd.Duration < minDuration || cmd.Duration > maxDuration {
		return signaling.Continue(), signaling.NewModuleError("invalid_duration", nil)
	}
	t := Timer{
		ID:         domain.NewTimerID(),
		Starter:    sig.ParticipantID(),
		Title:      cmd.Title,
		EndsAt:     sig.Now().Add(cmd.Duration),
		ReadyCheck: cmd.ReadyCheck,
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	// The TTL is a backstop for the starter disconnecting uncleanly; the
	// expiry task below is the normal path.
	won, err := sig.Volatile().SetIfAbsent(ctx, activeKey(sig), string(raw), cmd.Duration+time.Minute)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !won {
		return signaling.Continue(), signaling.NewModuleError("timer_already_running", nil)
	}
	duration := cmd.Duration
	id := t.ID
	sig.Spawn(Namespace, func(ctx context.Context) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(duration):
			return expiryFired{ID: id}, nil
		}
	})
	msg := peerMessage{Action: actionStarted, Timer: &t}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *timerModule) active(ctx context.Context, sig *signaling.Context) (Timer, error) {
	raw, err := sig.Volatile().Get(ctx, activeKey(sig))
	if err != nil {
		return Timer{}, err
	}
	var t Timer
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Timer{}, fmt.Errorf("timer: corrupt active timer: %w", err)
	}
	return t, nil
}

func (m *timerModule) stop(ctx context.Context, sig *signaling.Context, id domain.TimerID) (signaling.Ack, error) {
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionTimer, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	t, err := m.active(ctx, sig)
	if err != nil {
		if errors.Is(err, signaling.ErrKeyMissing) {
			return signaling.Continue(), signaling.NewModuleError("no_active_timer", nil)
		}
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if id != "" && id != t.ID {
		return signaling.Continue(), signaling.NewModuleError("timer_mismatch", nil)
	}
	if err := sig.Volatile().Del(ctx, activeKey(sig), readyKey(sig, t.ID)); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionStopped, TimerID: t.ID}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

// expire runs on the starter's connection when the spawned countdown fires.
// The stored timer may already be gone (stopped, or superseded) in which
// case the expiry is stale and dropped.
func (m *timerModule) expire(ctx context.Context, sig *signaling.Context, id domain.TimerID) (signaling.Ack, error) {
	t, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return signaling.Continue(), nil
	}
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if t.ID != id {
		return signaling.Continue(), nil
	}
	if err := sig.Volatile().Del(ctx, activeKey(sig), readyKey(sig, t.ID)); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionExpired, TimerID: t.ID}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *timerModule) setReady(ctx context.Context, sig *signaling.Context, cmd command) (signaling.Ack, error) {
	t, err := m.active(ctx, sig)
	if err != nil {
		if errors.Is(err, signaling.ErrKeyMissing) {
			return signaling.Continue(), signaling.NewModuleError("no_active_timer", nil)
		}
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !t.ReadyCheck {
		return signaling.Continue(), signaling.NewModuleError("no_ready_check", nil)
	}
	if cmd.Ready {
		_, err = sig.Volatile().AddToSet(ctx, readyKey(sig, t.ID), string(sig.ParticipantID()))
	} else {
		_, _, err = sig.Volatile().RemoveFromSet(ctx, readyKey(sig, t.ID), string(sig.ParticipantID()))
	}
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionReady, TimerID: t.ID, Participant: sig.ParticipantID(), Ready: cmd.Ready}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *timerModule) deliver(sig *signaling.Context, payload json.RawMessage) {
	var msg peerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		sig.Log().WithError(err).Debug("timer: dropping undecodable message")
		return
	}
	switch msg.Action {
	case actionStarted:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionStarted, "timer": msg.Timer})
	case actionStopped, actionExpired:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": msg.Action, "timer_id": msg.TimerID})
	case actionReady:
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message":     actionReady,
			"timer_id":    msg.TimerID,
			"participant": msg.Participant,
			"ready":       msg.Ready,
		})
	}
}

func (m *timerModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	if req.Kind != signaling.ExtensionJoinState {
		return nil, nil
	}
	t, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return map[string]any{"active": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	state := map[string]any{"active": t}
	if t.ReadyCheck {
		ready, err := sig.Volatile().SetMembers(ctx, readyKey(sig, t.ID))
		if err != nil {
			return nil, err
		}
		state["ready"] = ready
	}
	return state, nil
}

func (m *timerModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	t, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return
	}
	if err != nil {
		sig.Log().WithError(err).Warn("timer: failed to read active timer during teardown")
		return
	}
	if err := sig.Volatile().Del(ctx, activeKey(sig), readyKey(sig, t.ID)); err != nil {
		sig.Log().WithError(err).Warn("timer: failed to delete timer keys")
	}
}
