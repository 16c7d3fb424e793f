// Package recording tracks the recording state of a room and per-participant
// consent. The actual media capture happens in an external recorder service;
// this module is the signaling contract the clients and the recorder agree
// on.
package recording

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

const Namespace = "recording"

const FeatureRecording domain.FeatureID = "recording"

func activeKey(sig *signaling.Context) string { return sig.Key(Namespace, "active") }

func consentKey(sig *signaling.Context, id domain.RecordingID) string {
	return sig.Key(Namespace, "consented:"+string(id))
}

// Recording is the stored state of the running recording.
type Recording struct {
	ID      domain.RecordingID   `json:"id"`
	Starter domain.ParticipantID `json:"starter"`
	Started time.Time            `json:"started"`
}

type command struct {
	Action      string             `json:"action"`
	RecordingID domain.RecordingID `json:"recording_id,omitempty"`
	Consent     bool               `json:"consent,omitempty"`
}

type peerMessage struct {
	Action      string               `json:"action"`
	Recording   *Recording           `json:"recording,omitempty"`
	RecordingID domain.RecordingID   `json:"recording_id,omitempty"`
	Participant domain.ParticipantID `json:"participant,omitempty"`
	Consent     bool                 `json:"consent,omitempty"`
}

const (
	actionStarted = "recording_started"
	actionStopped = "recording_stopped"
	actionConsent = "consent_updated"
)

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return nil }
func (*Factory) RequiredFeatures() []domain.FeatureID { return []domain.FeatureID{FeatureRecording} }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return &recordingModule{}, nil
}

type recordingModule struct{}

func (m *recordingModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		m.deliver(sig, ev.Payload)
	}
	return signaling.Continue(), nil
}

func (m *recordingModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	switch cmd.Action {
	case "start":
		return m.start(ctx, sig)
	case "stop":
		return m.stop(ctx, sig, cmd.RecordingID)
	case "set_consent":
		return m.setConsent(ctx, sig, cmd.Consent)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *recordingModule) start(ctx context.Context, sig *signaling.Context) (signaling.Ack, error) {
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionRecord, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	rec := Recording{
		ID:      domain.NewRecordingID(),
		Starter: sig.ParticipantID(),
		Started: sig.Now(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	won, err := sig.Volatile().SetIfAbsent(ctx, activeKey(sig), string(raw), 0)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !won {
		return signaling.Continue(), signaling.NewModuleError("already_recording", nil)
	}
	msg := peerMessage{Action: actionStarted, Recording: &rec}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *recordingModule) active(ctx context.Context, sig *signaling.Context) (Recording, error) {
	raw, err := sig.Volatile().Get(ctx, activeKey(sig))
	if err != nil {
		return Recording{}, err
	}
	var rec Recording
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Recording{}, fmt.Errorf("recording: corrupt state: %w", err)
	}
	return rec, nil
}

func (m *recordingModule) stop(ctx context.Context, sig *signaling.Context, id domain.RecordingID) (signaling.Ack, error) {
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionRecord, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	rec, err := m.active(ctx, sig)
	if err != nil {
		if errors.Is(err, signaling.ErrKeyMissing) {
			return signaling.Continue(), signaling.NewModuleError("not_recording", nil)
		}
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if id != "" && id != rec.ID {
		return signaling.Continue(), signaling.NewModuleError("recording_mismatch", nil)
	}
	if err := sig.Volatile().Del(ctx, activeKey(sig), consentKey(sig, rec.ID)); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionStopped, RecordingID: rec.ID}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *recordingModule) setConsent(ctx context.Context, sig *signaling.Context, consent bool) (signaling.Ack, error) {
	rec, err := m.active(ctx, sig)
	if err != nil {
		if errors.Is(err, signaling.ErrKeyMissing) {
			return signaling.Continue(), signaling.NewModuleError("not_recording", nil)
		}
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if consent {
		_, err = sig.Volatile().AddToSet(ctx, consentKey(sig, rec.ID), string(sig.ParticipantID()))
	} else {
		_, _, err = sig.Volatile().RemoveFromSet(ctx, consentKey(sig, rec.ID), string(sig.ParticipantID()))
	}
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionConsent, RecordingID: rec.ID, Participant: sig.ParticipantID(), Consent: consent}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *recordingModule) deliver(sig *signaling.Context, payload json.RawMessage) {
	var msg peerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		sig.Log().WithError(err).Debug("recording: dropping undecodable message")
		return
	}
	switch msg.Action {
	case actionStarted:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionStarted, "recording": msg.Recording})
	case actionStopped:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionStopped, "recording_id": msg.RecordingID})
	case actionConsent:
		_ = sig.SendToSelf(Namespace, map[string]any{
			"message":      actionConsent,
			"recording_id": msg.RecordingID,
			"participant":  msg.Participant,
			"consent":      msg.Consent,
		})
	}
}

func (m *recordingModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	if req.Kind != signaling.ExtensionJoinState {
		return nil, nil
	}
	rec, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return map[string]any{"active": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	consented, err := sig.Volatile().SetMembers(ctx, consentKey(sig, rec.ID))
	if err != nil {
		return nil, err
	}
	return map[string]any{"active": rec, "consented": consented}, nil
}

func (m *recordingModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	rec, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return
	}
	if err != nil {
		sig.Log().WithError(err).Warn("recording: failed to read state during teardown")
		return
	}
	if err := sig.Volatile().Del(ctx, activeKey(sig), consentKey(sig, rec.ID)); err != nil {
		sig.Log().WithError(err).Warn("recording: failed to delete recording keys")
	}
}
