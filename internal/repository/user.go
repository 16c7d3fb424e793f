package repository

import (
	"context"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// UserRepository stores accounts known through the OIDC provider.
type UserRepository interface {
	// FindByID returns ErrUserNotFound for unknown ids.
	FindByID(ctx context.Context, id domain.UserID) (*domain.User, error)

	// FindBySubject looks a user up by OIDC subject claim; ErrUserNotFound
	// when no account exists yet.
	FindBySubject(ctx context.Context, subject string) (*domain.User, error)

	// Save creates or updates a user.
	Save(ctx context.Context, user *domain.User) error
}

// InviteRepository stores guest invites.
type InviteRepository interface {
	// FindByID returns ErrInviteNotFound for unknown ids.
	FindByID(ctx context.Context, id domain.InviteID) (*domain.Invite, error)

	// FindActiveByRoom lists invites of a room that are still redeemable at
	// the given time.
	FindActiveByRoom(ctx context.Context, room domain.RoomID, now time.Time) ([]domain.Invite, error)

	// Save creates or updates an invite.
	Save(ctx context.Context, invite *domain.Invite) error

	// MarkUsed stamps a single-use invite as redeemed.
	MarkUsed(ctx context.Context, id domain.InviteID, at time.Time) error
}

// AssetRepository stores metadata of blobs written by the asset store.
type AssetRepository interface {
	// FindByID returns ErrAssetNotFound for unknown ids.
	FindByID(ctx context.Context, id domain.AssetID) (*domain.Asset, error)

	// FindByRoom lists the assets a room produced.
	FindByRoom(ctx context.Context, room domain.RoomID) ([]domain.Asset, error)

	// Save records a stored blob.
	Save(ctx context.Context, asset *domain.Asset) error
}
