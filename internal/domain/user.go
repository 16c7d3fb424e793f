package domain

import "time"

// User is an account known through the OIDC provider. Guests joining via
// invite code have no User row.
type User struct {
	ID          UserID    `gorm:"primaryKey;type:varchar(36)"`
	Subject     string    `gorm:"type:varchar(191);uniqueIndex;not null"` // OIDC subject claim
	Email       string    `gorm:"type:varchar(191);index"`
	DisplayName string    `gorm:"type:varchar(191);not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// Invite grants room access to guests holding the code. Only a bcrypt hash of
// the code secret is stored.
type Invite struct {
	ID        InviteID  `gorm:"primaryKey;type:varchar(36)"`
	RoomID    RoomID    `gorm:"index;type:varchar(36);not null"`
	CreatorID UserID    `gorm:"type:varchar(36);not null"`
	CodeHash  string    `gorm:"type:varchar(191);not null"`
	ExpiresAt time.Time `gorm:"index"`
	SingleUse bool      `gorm:"not null;default:false"`
	UsedAt    *time.Time
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// Active reports whether the invite can still be redeemed at the given time.
func (i *Invite) Active(now time.Time) bool {
	if i.SingleUse && i.UsedAt != nil {
		return false
	}
	return i.ExpiresAt.IsZero() || now.Before(i.ExpiresAt)
}

// Asset records a blob persisted by the asset store, e.g. an archived chat
// log or a recording artifact.
type Asset struct {
	ID        AssetID   `gorm:"primaryKey;type:varchar(36)"`
	RoomID    RoomID    `gorm:"index;type:varchar(36);not null"`
	Namespace string    `gorm:"type:varchar(64);not null"` // signaling namespace that produced it
	MimeType  string    `gorm:"type:varchar(191);not null"`
	Size      int64     `gorm:"not null"`
	Checksum  string    `gorm:"type:varchar(64);not null"` // hex sha256 of the content
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
