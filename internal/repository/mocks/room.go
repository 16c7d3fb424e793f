// Package mocks provides testify mock implementations of the repository
// interfaces for service tests.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// RoomRepository is a mock of repository.RoomRepository.
type RoomRepository struct {
	mock.Mock
}

func (m *RoomRepository) FindByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	args := m.Called(ctx, id)
	room, _ := args.Get(0).(*domain.Room)
	return room, args.Error(1)
}

func (m *RoomRepository) Save(ctx context.Context, room *domain.Room) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

func (m *RoomRepository) TouchLastActive(ctx context.Context, id domain.RoomID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *RoomRepository) MarkClosed(ctx context.Context, id domain.RoomID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *RoomRepository) FindInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Room, error) {
	args := m.Called(ctx, cutoff, limit)
	rooms, _ := args.Get(0).([]domain.Room)
	return rooms, args.Error(1)
}

// TariffRepository is a mock of repository.TariffRepository.
type TariffRepository struct {
	mock.Mock
}

func (m *TariffRepository) FindByID(ctx context.Context, id domain.TariffID) (*domain.Tariff, error) {
	args := m.Called(ctx, id)
	tariff, _ := args.Get(0).(*domain.Tariff)
	return tariff, args.Error(1)
}

func (m *TariffRepository) FindByName(ctx context.Context, name string) (*domain.Tariff, error) {
	args := m.Called(ctx, name)
	tariff, _ := args.Get(0).(*domain.Tariff)
	return tariff, args.Error(1)
}

func (m *TariffRepository) Save(ctx context.Context, tariff *domain.Tariff) error {
	args := m.Called(ctx, tariff)
	return args.Error(0)
}
