// Package domain defines the data structures shared across the controller:
// typed identifiers, persistent models and the value objects carried through
// the signaling layer.
package domain

import "github.com/google/uuid"

// Typed identifiers. All ids are opaque UUIDs; the distinct types exist so a
// RoomID can never be passed where a ParticipantID is expected.
type (
	RoomID         string
	BreakoutRoomID string
	ParticipantID  string
	UserID         string
	InviteID       string
	AssetID        string
	TariffID       string
	PollID         string
	TimerID        string
	RecordingID    string
)

func NewRoomID() RoomID                 { return RoomID(uuid.NewString()) }
func NewBreakoutRoomID() BreakoutRoomID { return BreakoutRoomID(uuid.NewString()) }
func NewParticipantID() ParticipantID   { return ParticipantID(uuid.NewString()) }
func NewUserID() UserID                 { return UserID(uuid.NewString()) }
func NewInviteID() InviteID             { return InviteID(uuid.NewString()) }
func NewAssetID() AssetID               { return AssetID(uuid.NewString()) }
func NewTariffID() TariffID             { return TariffID(uuid.NewString()) }
func NewPollID() PollID                 { return PollID(uuid.NewString()) }
func NewTimerID() TimerID               { return TimerID(uuid.NewString()) }
func NewRecordingID() RecordingID       { return RecordingID(uuid.NewString()) }

// ParseRoomID validates that s is a well-formed room id.
func ParseRoomID(s string) (RoomID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return RoomID(id.String()), nil
}

// ParseParticipantID validates that s is a well-formed participant id.
func ParseParticipantID(s string) (ParticipantID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", err
	}
	return ParticipantID(id.String()), nil
}

func (id RoomID) String() string         { return string(id) }
func (id BreakoutRoomID) String() string { return string(id) }
func (id ParticipantID) String() string  { return string(id) }
func (id UserID) String() string         { return string(id) }
func (id InviteID) String() string       { return string(id) }
func (id AssetID) String() string        { return string(id) }
func (id TariffID) String() string       { return string(id) }
func (id PollID) String() string         { return string(id) }
func (id TimerID) String() string        { return string(id) }
func (id RecordingID) String() string    { return string(id) }
