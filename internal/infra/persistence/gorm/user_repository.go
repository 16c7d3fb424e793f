package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/opencloud-community/ot-controller-sub009/internal/domain"
	"github.com/opencloud-community/ot-controller-sub009/internal/repository"
)

type GormUserRepository struct {
	db *gorm.DB
}

func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	if db == nil {
		panic("database connection cannot be nil for GormUserRepository")
	}
	return &GormUserRepository{db: db}
}

func (r *GormUserRepository) FindByID(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).First(&user, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("gorm: find user %s: %w", id, err)
	}
	return &user, nil
}

func (r *GormUserRepository) FindBySubject(ctx context.Context, subject string) (*domain.User, error) {
	var user domain.User
	err := r.db.WithContext(ctx).Where("subject = ?", subject).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrUserNotFound
		}
		return nil, fmt.Errorf("gorm: find user by subject: %w", err)
	}
	return &user, nil
}

func (r *GormUserRepository) Save(ctx context.Context, user *domain.User) error {
	if err := r.db.WithContext(ctx).Save(user).Error; err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("gorm: save user %s: %w", user.ID, err)
	}
	return nil
}

type GormInviteRepository struct {
	db *gorm.DB
}

func NewGormInviteRepository(db *gorm.DB) *GormInviteRepository {
	if db == nil {
		panic("database connection cannot be nil for GormInviteRepository")
	}
	return &GormInviteRepository{db: db}
}

func (r *GormInviteRepository) FindByID(ctx context.Context, id domain.InviteID) (*domain.Invite, error) {
	var invite domain.Invite
	err := r.db.WithContext(ctx).First(&invite, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrInviteNotFound
		}
		return nil, fmt.Errorf("gorm: find invite %s: %w", id, err)
	}
	return &invite, nil
}

func (r *GormInviteRepository) FindActiveByRoom(ctx context.Context, room domain.RoomID, now time.Time) ([]domain.Invite, error) {
	var invites []domain.Invite
	err := r.db.WithContext(ctx).
		Where("room_id = ?", string(room)).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Where("single_use = ? OR used_at IS NULL", false).
		Find(&invites).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find invites for room %s: %w", room, err)
	}
	return invites, nil
}

func (r *GormInviteRepository) Save(ctx context.Context, invite *domain.Invite) error {
	if err := r.db.WithContext(ctx).Save(invite).Error; err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("gorm: save invite %s: %w", invite.ID, err)
	}
	return nil
}

func (r *GormInviteRepository) MarkUsed(ctx context.Context, id domain.InviteID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Invite{}).
		Where("id = ?", string(id)).
		Update("used_at", at)
	if result.Error != nil {
		return fmt.Errorf("gorm: mark invite %s used: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrInviteNotFound
	}
	return nil
}

type GormAssetRepository struct {
	db *gorm.DB
}

func NewGormAssetRepository(db *gorm.DB) *GormAssetRepository {
	if db == nil {
		panic("database connection cannot be nil for GormAssetRepository")
	}
	return &GormAssetRepository{db: db}
}

func (r *GormAssetRepository) FindByID(ctx context.Context, id domain.AssetID) (*domain.Asset, error) {
	var asset domain.Asset
	err := r.db.WithContext(ctx).First(&asset, "id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrAssetNotFound
		}
		return nil, fmt.Errorf("gorm: find asset %s: %w", id, err)
	}
	return &asset, nil
}

func (r *GormAssetRepository) FindByRoom(ctx context.Context, room domain.RoomID) ([]domain.Asset, error) {
	var assets []domain.Asset
	err := r.db.WithContext(ctx).
		Where("room_id = ?", string(room)).
		Order("created_at DESC").
		Find(&assets).Error
	if err != nil {
		return nil, fmt.Errorf("gorm: find assets for room %s: %w", room, err)
	}
	return assets, nil
}

func (r *GormAssetRepository) Save(ctx context.Context, asset *domain.Asset) error {
	if err := r.db.WithContext(ctx).Save(asset).Error; err != nil {
		if mapped := mapWriteError(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("gorm: save asset %s: %w", asset.ID, err)
	}
	return nil
}
