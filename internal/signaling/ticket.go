package signaling

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// Well-known volatile keys shared between the runner and the built-in
// modules.

// PresenceKey is the set of ParticipantIDs currently in the room.
func PresenceKey(room domain.RoomID) string { return RoomKey(room, "control", "participants") }

// BanKey is the set of UserIDs banned from the room.
func BanKey(room domain.RoomID) string { return RoomKey(room, "moderation", "bans") }

// TicketData is the state behind an unconsumed ticket: the authenticated
// identity and the pending join it authorizes.
type TicketData struct {
	Room        domain.RoomID         `json:"room"`
	Breakout    domain.BreakoutRoomID `json:"breakout,omitempty"`
	User        domain.UserID         `json:"user,omitempty"` // empty for guests
	Role        domain.Role           `json:"role"`
	DisplayName string                `json:"display_name"`
	// Resumption is the token the client may present after an unclean
	// disconnect; issued together with the ticket.
	Resumption string `json:"resumption"`
}

// ResumptionData reserves a ParticipantID for a grace period after an
// unclean disconnect.
type ResumptionData struct {
	Room        domain.RoomID        `json:"room"`
	Participant domain.ParticipantID `json:"participant"`
	User        domain.UserID        `json:"user,omitempty"`
	Role        domain.Role          `json:"role"`
	DisplayName string               `json:"display_name"`
}

// TicketStore issues and consumes single-use tickets and resumption tokens
// on top of the volatile store. Consumption uses an atomic get-and-delete, so
// parallel redeem attempts have exactly one winner.
type TicketStore struct {
	storage Storage
}

func NewTicketStore(storage Storage) *TicketStore {
	if storage == nil {
		panic("storage cannot be nil for TicketStore")
	}
	return &TicketStore{storage: storage}
}

func ticketKey(token string) string     { return GlobalKey("control", "ticket:"+token) }
func resumptionKey(token string) string { return GlobalKey("control", "resumption:"+token) }

// activeKey marks a live connection for a participant; used to detect
// parallel sessions.
func activeKey(room domain.RoomID, p domain.ParticipantID) string {
	return RoomKey(room, "control", "active:"+string(p))
}

// newToken returns an unguessable token.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("signaling: generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue stores a fresh ticket (and its resumption token) with the given TTL
// and returns the ticket token. The resumption token is written into data.
func (s *TicketStore) Issue(ctx context.Context, data TicketData, ttl time.Duration) (string, TicketData, error) {
	token, err := newToken()
	if err != nil {
		return "", data, err
	}
	if data.Resumption == "" {
		if data.Resumption, err = newToken(); err != nil {
			return "", data, err
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "", data, fmt.Errorf("signaling: marshal ticket: %w", err)
	}
	if err := s.storage.Set(ctx, ticketKey(token), string(raw), ttl); err != nil {
		return "", data, err
	}
	return token, data, nil
}

// Redeem consumes a ticket. A ticket is valid for at most one join; the
// second redeem returns ErrInvalidTicket.
func (s *TicketStore) Redeem(ctx context.Context, token string) (TicketData, error) {
	raw, err := s.storage.GetDel(ctx, ticketKey(token))
	if err != nil {
		if errors.Is(err, ErrKeyMissing) {
			return TicketData{}, ErrInvalidTicket
		}
		return TicketData{}, err
	}
	var data TicketData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return TicketData{}, fmt.Errorf("%w: corrupt ticket", ErrInvalidTicket)
	}
	return data, nil
}

// Arm stores the resumption marker after an unclean disconnect so the
// participant can be reclaimed within the grace period.
func (s *TicketStore) Arm(ctx context.Context, token string, data ResumptionData, ttl time.Duration) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("signaling: marshal resumption: %w", err)
	}
	return s.storage.Set(ctx, resumptionKey(token), string(raw), ttl)
}

// RedeemResumption consumes a resumption token. Exactly one holder can
// succeed; later attempts get ErrResumptionConflict when the participant
// already has a live session, ErrInvalidResumption otherwise.
func (s *TicketStore) RedeemResumption(ctx context.Context, token string) (ResumptionData, error) {
	raw, err := s.storage.GetDel(ctx, resumptionKey(token))
	if err != nil {
		if errors.Is(err, ErrKeyMissing) {
			return ResumptionData{}, ErrInvalidResumption
		}
		return ResumptionData{}, err
	}
	var data ResumptionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return ResumptionData{}, fmt.Errorf("%w: corrupt resumption", ErrInvalidResumption)
	}
	return data, nil
}

// MarkActive records that a runner holds a live connection for the
// participant and returns whether another runner already does.
func (s *TicketStore) MarkActive(ctx context.Context, room domain.RoomID, p domain.ParticipantID, connID string, ttl time.Duration) (replacedConn string, err error) {
	key := activeKey(room, p)
	prev, err := s.storage.Get(ctx, key)
	if err != nil && !errors.Is(err, ErrKeyMissing) {
		return "", err
	}
	if err := s.storage.Set(ctx, key, connID, ttl); err != nil {
		return "", err
	}
	return prev, nil
}

// ClearActive removes the live-connection marker, but only if this runner
// still owns it.
func (s *TicketStore) ClearActive(ctx context.Context, room domain.RoomID, p domain.ParticipantID, connID string) error {
	key := activeKey(room, p)
	return s.storage.Transact(ctx, []string{key}, func(tx Tx) error {
		current, err := tx.Get(key)
		if err != nil {
			if errors.Is(err, ErrKeyMissing) {
				return nil
			}
			return err
		}
		if current == connID {
			tx.Del(key)
		}
		return nil
	})
}
