package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// UserRepository is a mock of repository.UserRepository.
type UserRepository struct {
	mock.Mock
}

func (m *UserRepository) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	args := m.Called(ctx, id)
	user, _ := args.Get(0).(*domain.User)
	return user, args.Error(1)
}

func (m *UserRepository) FindBySubject(ctx context.Context, subject string) (*domain.User, error) {
	args := m.Called(ctx, subject)
	user, _ := args.Get(0).(*domain.User)
	return user, args.Error(1)
}

func (m *UserRepository) Save(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

// InviteRepository is a mock of repository.InviteRepository.
type InviteRepository struct {
	mock.Mock
}

func (m *InviteRepository) FindByID(ctx context.Context, id domain.InviteID) (*domain.Invite, error) {
	args := m.Called(ctx, id)
	invite, _ := args.Get(0).(*domain.Invite)
	return invite, args.Error(1)
}

func (m *InviteRepository) FindActiveByRoom(ctx context.Context, room domain.RoomID, now time.Time) ([]domain.Invite, error) {
	args := m.Called(ctx, room, now)
	invites, _ := args.Get(0).([]domain.Invite)
	return invites, args.Error(1)
}

func (m *InviteRepository) Save(ctx context.Context, invite *domain.Invite) error {
	args := m.Called(ctx, invite)
	return args.Error(0)
}

func (m *InviteRepository) MarkUsed(ctx context.Context, id domain.InviteID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

// AssetRepository is a mock of repository.AssetRepository.
type AssetRepository struct {
	mock.Mock
}

func (m *AssetRepository) FindByID(ctx context.Context, id domain.AssetID) (*domain.Asset, error) {
	args := m.Called(ctx, id)
	asset, _ := args.Get(0).(*domain.Asset)
	return asset, args.Error(1)
}

func (m *AssetRepository) FindByRoom(ctx context.Context, room domain.RoomID) ([]domain.Asset, error) {
	args := m.Called(ctx, room)
	assets, _ := args.Get(0).([]domain.Asset)
	return assets, args.Error(1)
}

func (m *AssetRepository) Save(ctx context.Context, asset *domain.Asset) error {
	args := m.Called(ctx, asset)
	return args.Error(0)
}
