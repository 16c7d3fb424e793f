package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// ScopeKind selects the audience of an exchange publish.
type ScopeKind int

const (
	ScopeRoom ScopeKind = iota + 1
	ScopeBreakout
	ScopeParticipant
	ScopeGlobal
)

// Scope names the audience of a publish: a room, a breakout room, a single
// participant or every runner in the cluster.
type Scope struct {
	Kind        ScopeKind
	Room        domain.RoomID
	Breakout    domain.BreakoutRoomID
	Participant domain.ParticipantID
}

func RoomScope(id domain.RoomID) Scope             { return Scope{Kind: ScopeRoom, Room: id} }
func BreakoutScope(id domain.BreakoutRoomID) Scope { return Scope{Kind: ScopeBreakout, Breakout: id} }
func ParticipantScope(id domain.ParticipantID) Scope {
	return Scope{Kind: ScopeParticipant, Participant: id}
}
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// RoutingKey renders the scope as its wire-level routing key.
func (s Scope) RoutingKey() string {
	switch s.Kind {
	case ScopeRoom:
		return fmt.Sprintf("room.%s", s.Room)
	case ScopeBreakout:
		return fmt.Sprintf("breakout.%s", s.Breakout)
	case ScopeParticipant:
		return fmt.Sprintf("participant.%s", s.Participant)
	default:
		return "global"
	}
}

// Delivery is one message received on a subscription.
type Delivery struct {
	RoutingKey string
	Data       []byte
}

// Subscription is a per-runner feed of deliveries. Close is idempotent; the
// channel is closed afterwards.
type Subscription interface {
	C() <-chan Delivery
	Close() error
}

// Exchange is the room/participant scoped pub-sub bus between runners.
// Guarantees: per-publisher FIFO to each subscriber, at-most-once delivery,
// no ordering between publishers. Publish fails with ErrMessageTooLarge for
// oversized messages.
type Exchange interface {
	Publish(ctx context.Context, scope Scope, data []byte) error
	Subscribe(ctx context.Context, scopes ...Scope) (Subscription, error)
}

// Message is the payload runners put on the exchange: the namespace that
// routes it on the receiving side, the publishing participant and the
// module-owned body.
type Message struct {
	Namespace string               `json:"namespace"`
	Source    domain.ParticipantID `json:"source"`
	Payload   json.RawMessage      `json:"payload"`
}

// EncodeMessage marshals an exchange message.
func EncodeMessage(namespace string, source domain.ParticipantID, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("signaling: marshal exchange payload for %q: %w", namespace, err)
	}
	data, err := json.Marshal(Message{Namespace: namespace, Source: source, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("signaling: marshal exchange message for %q: %w", namespace, err)
	}
	return data, nil
}

// DecodeMessage unmarshals an exchange delivery.
func DecodeMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("signaling: decode exchange message: %w", err)
	}
	return msg, nil
}
