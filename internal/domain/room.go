package domain

import (
	"strings"
	"time"
)

// Room is a persisted meeting room. The volatile per-room state (presence,
// raised hands, chat history and so on) lives in the signaling storage, not
// here.
type Room struct {
	ID        RoomID    `gorm:"primaryKey;type:varchar(36)"`
	CreatorID UserID    `gorm:"index;type:varchar(36);not null"`
	TariffID  TariffID  `gorm:"type:varchar(36);index"`
	Password  string    `gorm:"type:varchar(191)"`
	Closed    bool      `gorm:"index;not null;default:false"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
	// LastActive is bumped when a ticket is issued and when the room is torn
	// down; the sweep job uses it to find abandoned rooms.
	LastActive time.Time `gorm:"index"`
}

// Tariff bounds what a room may do: how many participants may join and which
// features are enabled.
type Tariff struct {
	ID              TariffID `gorm:"primaryKey;type:varchar(36)"`
	Name            string   `gorm:"type:varchar(191);uniqueIndex;not null"`
	MaxParticipants int      `gorm:"not null"`
	// Features is a comma-separated list of FeatureIDs; small and read-mostly,
	// so a join table is not worth it.
	Features  string    `gorm:"type:text"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// FeatureSet parses the stored feature list.
func (t *Tariff) FeatureSet() FeatureSet {
	s := make(FeatureSet)
	for _, f := range strings.Split(t.Features, ",") {
		if f = strings.TrimSpace(f); f != "" {
			s[FeatureID(f)] = struct{}{}
		}
	}
	return s
}
