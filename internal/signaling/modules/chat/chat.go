// Package chat implements room chat: broadcast and private messages, a
// bounded history in the volatile store, and an archive written to asset
// storage when the room winds down.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

const Namespace = "chat"

// historyCap bounds the stored history; the trim runs after every push so
// the list never grows past it.
const historyCap = 500

// FeatureChat gates the module per tariff.
const FeatureChat domain.FeatureID = "chat"

const maxContentLen = 4096

func historyKey(sig *signaling.Context) string {
	return sig.Key(Namespace, "history")
}

type command struct {
	Action  string               `json:"action"`
	Content string               `json:"content,omitempty"`
	Target  domain.ParticipantID `json:"target,omitempty"`
}

// StoredMessage is both the exchange payload and the history record.
type StoredMessage struct {
	ID      string               `json:"id"`
	Sender  domain.ParticipantID `json:"sender"`
	Target  domain.ParticipantID `json:"target,omitempty"`
	Content string               `json:"content"`
	SentAt  time.Time            `json:"sent_at"`
}

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return nil }
func (*Factory) RequiredFeatures() []domain.FeatureID { return []domain.FeatureID{FeatureChat} }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return &chatModule{}, nil
}

type chatModule struct{}

func (m *chatModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		m.deliver(sig, ev.Payload)
	}
	return signaling.Continue(), nil
}

func (m *chatModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	switch cmd.Action {
	case "send":
		return m.send(ctx, sig, cmd)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *chatModule) send(ctx context.Context, sig *signaling.Context, cmd command) (signaling.Ack, error) {
	content := strings.TrimSpace(cmd.Content)
	if content == "" {
		return signaling.Continue(), signaling.NewModuleError("empty_message", nil)
	}
	if len(content) > maxContentLen {
		return signaling.Continue(), signaling.NewModuleError("message_too_long", nil)
	}
	msg := StoredMessage{
		ID:      uuid.NewString(),
		Sender:  sig.ParticipantID(),
		Target:  cmd.Target,
		Content: content,
		SentAt:  sig.Now(),
	}

	if cmd.Target != "" {
		// Private messages skip the history: they are not part of the room
		// record. Echo to the sender so both sides render the same thing.
		if err := sig.Publish(ctx, signaling.ParticipantScope(cmd.Target), Namespace, msg); err != nil {
			return signaling.Continue(), signaling.NewModuleError("internal_error", err)
		}
		m.echo(sig, msg)
		return signaling.Continue(), nil
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	store := sig.Volatile()
	if err := store.ListPush(ctx, historyKey(sig), string(raw)); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if err := store.ListTrim(ctx, historyKey(sig), -historyCap, -1); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *chatModule) deliver(sig *signaling.Context, payload json.RawMessage) {
	var msg StoredMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		sig.Log().WithError(err).Debug("chat: dropping undecodable message")
		return
	}
	m.echo(sig, msg)
}

func (m *chatModule) echo(sig *signaling.Context, msg StoredMessage) {
	_ = sig.SendToSelf(Namespace, map[string]any{
		"message": "chat_message",
		"chat":    msg,
	})
}

func (m *chatModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	if req.Kind != signaling.ExtensionJoinState {
		return nil, nil
	}
	entries, err := sig.Volatile().ListRange(ctx, historyKey(sig), -historyCap, -1)
	if err != nil {
		return nil, err
	}
	history := make([]StoredMessage, 0, len(entries))
	for _, raw := range entries {
		var msg StoredMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		history = append(history, msg)
	}
	return map[string]any{"history": history}, nil
}

// Destroy archives the history to asset storage when the last participant
// leaves, then drops the list. Archive failures are logged and the keys are
// deleted anyway; a half-archived room must not block teardown.
func (m *chatModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	entries, err := sig.Volatile().ListRange(ctx, historyKey(sig), 0, -1)
	if err != nil {
		sig.Log().WithError(err).Warn("chat: failed to read history for archiving")
	} else if len(entries) > 0 {
		var b strings.Builder
		for _, raw := range entries {
			b.WriteString(raw)
			b.WriteByte('\n')
		}
		id, err := sig.StoreAsset(ctx, Namespace, "application/x-ndjson", strings.NewReader(b.String()))
		if err != nil {
			sig.Log().WithError(err).Warn("chat: failed to archive history")
		} else {
			sig.Log().WithField("asset", id).WithField("messages", len(entries)).Info("chat: archived history")
		}
	}
	if err := sig.Volatile().Del(ctx, historyKey(sig)); err != nil {
		sig.Log().WithError(err).Warn("chat: failed to delete history")
	}
}
