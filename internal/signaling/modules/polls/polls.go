// Package polls runs in-meeting polls. A room carries at most one active
// poll; startup races are settled with a set-if-absent write, votes are
// deduplicated through a voter set and tallied with atomic counters.
package polls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/signaling"
)

const Namespace = "polls"

const FeaturePolls domain.FeatureID = "polls"

const (
	maxChoices     = 32
	maxTopicLen    = 512
	defaultRunTime = 10 * time.Minute
)

func activeKey(sig *signaling.Context) string { return sig.Key(Namespace, "active") }

func votersKey(sig *signaling.Context, id domain.PollID) string {
	return sig.Key(Namespace, "voters:"+string(id))
}

func tallyKey(sig *signaling.Context, id domain.PollID, choice int) string {
	return sig.Key(Namespace, "tally:"+string(id)+":"+strconv.Itoa(choice))
}

// Poll is the stored definition of the active poll.
type Poll struct {
	ID       domain.PollID        `json:"id"`
	Topic    string               `json:"topic"`
	Choices  []string             `json:"choices"`
	Live     bool                 `json:"live"`
	Starter  domain.ParticipantID `json:"starter"`
	Started  time.Time            `json:"started"`
	Duration time.Duration        `json:"duration"`
}

type command struct {
	Action  string   `json:"action"`
	Topic   string   `json:"topic,omitempty"`
	Choices []string `json:"choices,omitempty"`
	// Live makes tallies visible while the poll runs instead of only at the
	// end.
	Live     bool          `json:"live,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
	PollID   domain.PollID `json:"poll_id,omitempty"`
	Choice   int           `json:"choice,omitempty"`
}

type peerMessage struct {
	Action  string        `json:"action"`
	Poll    *Poll         `json:"poll,omitempty"`
	PollID  domain.PollID `json:"poll_id,omitempty"`
	Results []int64       `json:"results,omitempty"`
}

const (
	actionStarted = "poll_started"
	actionUpdated = "poll_updated"
	actionDone    = "poll_finished"
)

type Factory struct{}

func NewFactory() *Factory { return &Factory{} }

func (*Factory) Namespace() string                    { return Namespace }
func (*Factory) Dependencies() []string               { return nil }
func (*Factory) RequiredFeatures() []domain.FeatureID { return []domain.FeatureID{FeaturePolls} }

func (*Factory) Build(ctx context.Context, sig *signaling.Context) (signaling.Module, error) {
	return &pollsModule{}, nil
}

type pollsModule struct{}

func (m *pollsModule) OnEvent(ctx context.Context, sig *signaling.Context, ev signaling.Event) (signaling.Ack, error) {
	switch ev.Kind {
	case signaling.EventClientCommand:
		return m.onCommand(ctx, sig, ev.Payload)
	case signaling.EventExchangeMessage:
		m.deliver(sig, ev.Payload)
	}
	return signaling.Continue(), nil
}

func (m *pollsModule) onCommand(ctx context.Context, sig *signaling.Context, payload json.RawMessage) (signaling.Ack, error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return signaling.Continue(), signaling.NewModuleError("invalid_payload", err)
	}
	switch cmd.Action {
	case "start":
		return m.start(ctx, sig, cmd)
	case "vote":
		return m.vote(ctx, sig, cmd)
	case "finish":
		return m.finish(ctx, sig, cmd.PollID)
	default:
		return signaling.Continue(), signaling.NewModuleError("invalid_action", nil)
	}
}

func (m *pollsModule) start(ctx context.Context, sig *signaling.Context, cmd command) (signaling.Ack, error) {
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionStartPoll, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	topic := strings.TrimSpace(cmd.Topic)
	if topic == "" || len(topic) > maxTopicLen {
		return signaling.Continue(), signaling.NewModuleError("invalid_topic", nil)
	}
	if len(cmd.Choices) < 2 || len(cmd.Choices) > maxChoices {
		return signaling.Continue(), signaling.NewModuleError("invalid_choices", nil)
	}
	duration := cmd.Duration
	if duration <= 0 {
		duration = defaultRunTime
	}
	poll := Poll{
		ID:       domain.NewPollID(),
		Topic:    topic,
		Choices:  cmd.Choices,
		Live:     cmd.Live,
		Starter:  sig.ParticipantID(),
		Started:  sig.Now(),
		Duration: duration,
	}
	raw, err := json.Marshal(poll)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	// The TTL is a backstop for the starter disconnecting uncleanly; the
	// finish command is the normal path.
	won, err := sig.Volatile().SetIfAbsent(ctx, activeKey(sig), string(raw), duration+time.Minute)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !won {
		return signaling.Continue(), signaling.NewModuleError("poll_already_running", nil)
	}
	msg := peerMessage{Action: actionStarted, Poll: &poll}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

func (m *pollsModule) active(ctx context.Context, sig *signaling.Context) (Poll, error) {
	raw, err := sig.Volatile().Get(ctx, activeKey(sig))
	if err != nil {
		return Poll{}, err
	}
	var poll Poll
	if err := json.Unmarshal([]byte(raw), &poll); err != nil {
		return Poll{}, fmt.Errorf("polls: corrupt active poll: %w", err)
	}
	return poll, nil
}

func (m *pollsModule) vote(ctx context.Context, sig *signaling.Context, cmd command) (signaling.Ack, error) {
	poll, err := m.active(ctx, sig)
	if err != nil {
		if errors.Is(err, signaling.ErrKeyMissing) {
			return signaling.Continue(), signaling.NewModuleError("no_active_poll", nil)
		}
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if cmd.PollID != "" && cmd.PollID != poll.ID {
		return signaling.Continue(), signaling.NewModuleError("poll_mismatch", nil)
	}
	if cmd.Choice < 0 || cmd.Choice >= len(poll.Choices) {
		return signaling.Continue(), signaling.NewModuleError("invalid_choice", nil)
	}
	added, err := sig.Volatile().AddToSet(ctx, votersKey(sig, poll.ID), string(sig.ParticipantID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if added == 0 {
		return signaling.Continue(), signaling.NewModuleError("already_voted", nil)
	}
	if _, err := sig.Volatile().Incr(ctx, tallyKey(sig, poll.ID, cmd.Choice)); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if poll.Live {
		results, err := m.tally(ctx, sig, poll)
		if err != nil {
			return signaling.Continue(), signaling.NewModuleError("internal_error", err)
		}
		msg := peerMessage{Action: actionUpdated, PollID: poll.ID, Results: results}
		if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
			return signaling.Continue(), signaling.NewModuleError("internal_error", err)
		}
	}
	return signaling.Continue(), nil
}

func (m *pollsModule) finish(ctx context.Context, sig *signaling.Context, id domain.PollID) (signaling.Ack, error) {
	allowed, err := sig.Authz().Check(ctx, sig.Subject(), signaling.ActionStartPoll, string(sig.RoomID()))
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if !allowed {
		return signaling.Continue(), signaling.NewModuleError("insufficient_permissions", nil)
	}
	poll, err := m.active(ctx, sig)
	if err != nil {
		if errors.Is(err, signaling.ErrKeyMissing) {
			return signaling.Continue(), signaling.NewModuleError("no_active_poll", nil)
		}
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if id != "" && id != poll.ID {
		return signaling.Continue(), signaling.NewModuleError("poll_mismatch", nil)
	}
	results, err := m.tally(ctx, sig, poll)
	if err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	if err := m.cleanup(ctx, sig, poll); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	msg := peerMessage{Action: actionDone, PollID: poll.ID, Results: results}
	if err := sig.Publish(ctx, signaling.RoomScope(sig.RoomID()), Namespace, msg); err != nil {
		return signaling.Continue(), signaling.NewModuleError("internal_error", err)
	}
	return signaling.Continue(), nil
}

// tally reads the per-choice counters. A missing counter means nobody picked
// that choice yet.
func (m *pollsModule) tally(ctx context.Context, sig *signaling.Context, poll Poll) ([]int64, error) {
	results := make([]int64, len(poll.Choices))
	for i := range poll.Choices {
		raw, err := sig.Volatile().Get(ctx, tallyKey(sig, poll.ID, i))
		if errors.Is(err, signaling.ErrKeyMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("polls: corrupt tally for choice %d: %w", i, err)
		}
		results[i] = n
	}
	return results, nil
}

func (m *pollsModule) cleanup(ctx context.Context, sig *signaling.Context, poll Poll) error {
	keys := []string{activeKey(sig), votersKey(sig, poll.ID)}
	for i := range poll.Choices {
		keys = append(keys, tallyKey(sig, poll.ID, i))
	}
	return sig.Volatile().Del(ctx, keys...)
}

func (m *pollsModule) deliver(sig *signaling.Context, payload json.RawMessage) {
	var msg peerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		sig.Log().WithError(err).Debug("polls: dropping undecodable message")
		return
	}
	switch msg.Action {
	case actionStarted:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionStarted, "poll": msg.Poll})
	case actionUpdated:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionUpdated, "poll_id": msg.PollID, "results": msg.Results})
	case actionDone:
		_ = sig.SendToSelf(Namespace, map[string]any{"message": actionDone, "poll_id": msg.PollID, "results": msg.Results})
	}
}

func (m *pollsModule) OnExtension(ctx context.Context, sig *signaling.Context, req signaling.ExtensionRequest) (any, error) {
	if req.Kind != signaling.ExtensionJoinState {
		return nil, nil
	}
	poll, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return map[string]any{"active": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	state := map[string]any{"active": poll}
	if poll.Live {
		results, err := m.tally(ctx, sig, poll)
		if err != nil {
			return nil, err
		}
		state["results"] = results
	}
	return state, nil
}

func (m *pollsModule) Destroy(ctx context.Context, sig *signaling.Context, destroyRoom bool) {
	if !destroyRoom {
		return
	}
	poll, err := m.active(ctx, sig)
	if errors.Is(err, signaling.ErrKeyMissing) {
		return
	}
	if err != nil {
		sig.Log().WithError(err).Warn("polls: failed to read active poll during teardown")
		return
	}
	if err := m.cleanup(ctx, sig, poll); err != nil {
		sig.Log().WithError(err).Warn("polls: failed to delete poll keys")
	}
}
