// Package gormpersistence implements the repository interfaces on GORM with
// the MySQL driver.
package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
)

// mysqlDuplicateEntry is the MySQL error number for unique key violations.
const mysqlDuplicateEntry = 1062

func mapWriteError(err error) error {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
		return repository.ErrDuplicateEntry
	}
	return err
}

type GormRoomRepository struct {
	db *gorm.DB
}

func NewGormRoomRepository(db *gorm.DB) *GormRoomRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomRepository")
	}
	return &GormRoomRepository{db: db}
}

func (r *GormRoomRepository) FindByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	var room domain.Room
	err := r.db.WithContext(ctx).First(&room, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrRoomNotFound
		}
		return nil, fmt.Errorf("gorm: find room %s: %w", id, err)
	}
	return &room, nil
}

func (r *GormRoomRepository) Save(ctx context.Context, room *domain.Room) error {
	if err := r.db.WithContext(ctx).Save(room).Error; err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("gorm: save room %s: %w", room.ID, err)
	}
	return nil
}

func (r *GormRoomRepository) TouchLastActive(ctx context.Context, id domain.RoomID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ?", string(id)).
		Update("last_active", at)
	if result.Error != nil {
		return fmt.Errorf("gorm: touch room %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func (r *GormRoomRepository) MarkClosed(ctx context.Context, id domain.RoomID) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Room{}).
		Where("id = ?", string(id)).
		Update("closed", true)
	if result.Error != nil {
		return fmt.Errorf("gorm: close room %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomNotFound
	}
	return nil
}

func (r *GormRoomRepository) FindInactiveSince(ctx context.Context, cutoff time.Time, limit int) ([]domain.Room, error) {
	var rooms []domain.Room
	err := r.db.WithContext(ctx).
		Where("closed = ? AND last_active < ?", false, cutoff).
		Order("last_active ASC").
		Limit(limit).
		Find(&rooms).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find inactive rooms: %w", err)
	}
	return rooms, nil
}

type GormTariffRepository struct {
	db *gorm.DB
}

func NewGormTariffRepository(db *gorm.DB) *GormTariffRepository {
	if db == nil {
		panic("database connection cannot be nil for GormTariffRepository")
	}
	return &GormTariffRepository{db: db}
}

func (r *GormTariffRepository) FindByID(ctx context.Context, id domain.TariffID) (*domain.Tariff, error) {
	var tariff domain.Tariff
	err := r.db.WithContext(ctx).First(&tariff, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrTariffNotFound
		}
		return nil, fmt.Errorf("gorm: find tariff %s: %w", id, err)
	}
	return &tariff, nil
}

func (r *GormTariffRepository) FindByName(ctx context.Context, name string) (*domain.Tariff, error) {
	var tariff domain.Tariff
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&tariff).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrTariffNotFound
		}
		return nil, fmt.Errorf("gorm: find tariff %q: %w", name, err)
	}
	return &tariff, nil
}

func (r *GormTariffRepository) Save(ctx context.Context, tariff *domain.Tariff) error {
	if err := r.db.WithContext(ctx).Save(tariff).Error; err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("gorm: save tariff %s: %w", tariff.ID, err)
	}
	return nil
}
