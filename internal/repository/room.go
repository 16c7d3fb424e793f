package repository

import (
	"context"
	"time"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
)

// RoomRepository stores persistent room records.
type RoomRepository interface {
	// FindByID returns ErrRoomNotFound for unknown ids.
	FindByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)

	// Save creates or updates a room.
	Save(ctx context.Context, room *domain.Room) error

	// TouchLastActive bumps the activity timestamp without rewriting the row.
	TouchLastActive(ctx context.Context, id domain.RoomID, at time.Time) error

	// MarkClosed flags the room closed so ticket issuing refuses it.
	MarkClosed(ctx context.Context, id domain.RoomID) error

	// FindInactiveSince lists open rooms whose last activity is older than
	// the cutoff. Used by the sweep job.
	FindInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Room, error)
}

// TariffRepository resolves the tariff attached to a room.
type TariffRepository interface {
	// FindByID returns ErrTariffNotFound for unknown ids.
	FindByID(ctx context.Context, id domain.TariffID) (*domain.Tariff, error)

	// FindByName returns ErrTariffNotFound for unknown names.
	FindByName(ctx context.Context, name string) (*domain.Tariff, error)

	// Save creates or updates a tariff.
	Save(ctx context.Context, tariff *domain.Tariff) error
}
