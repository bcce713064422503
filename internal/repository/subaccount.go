package repository

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"gorm.io/gorm"
)

// OwnershipKey names the subaccount column an ownership check matches on.
type OwnershipKey string

const (
	OwnBySubaccountID OwnershipKey = "id"
	OwnByLocationID   OwnershipKey = "location_id"
)

// GormSubaccountRepository is the GORM implementation of SubaccountRepository
type GormSubaccountRepository struct {
	db *gorm.DB
}

func NewGormSubaccountRepository(db *gorm.DB) *GormSubaccountRepository {
	return &GormSubaccountRepository{db: db}
}

func (r *GormSubaccountRepository) GetByID(ctx context.Context, id int64) (*domain.Subaccount, error) {
	var sub domain.Subaccount
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&sub).Error
	if err != nil {
		return nil, wrapErr(err, "get subaccount")
	}
	return &sub, nil
}

func (r *GormSubaccountRepository) GetByLocation(ctx context.Context, locationID string) (*domain.Subaccount, error) {
	var sub domain.Subaccount
	err := r.db.WithContext(ctx).Where("location_id = ?", locationID).Take(&sub).Error
	if err != nil {
		return nil, wrapErr(err, "get subaccount by location")
	}
	return &sub, nil
}

func (r *GormSubaccountRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Subaccount, error) {
	var subs []*domain.Subaccount
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&subs).Error
	return subs, wrapErr(err, "list subaccounts")
}

func (r *GormSubaccountRepository) Create(ctx context.Context, s *domain.Subaccount) error {
	if s.ID == 0 {
		s.ID = common.UUIDint64()
	}
	return wrapErr(r.db.WithContext(ctx).Create(s).Error, "create subaccount")
}

func (r *GormSubaccountRepository) UpdateName(ctx context.Context, id int64, name string) error {
	res := r.db.WithContext(ctx).Model(&domain.Subaccount{}).
		Where("id = ?", id).
		Update("name", name)
	if res.Error != nil {
		return wrapErr(res.Error, "update subaccount")
	}
	if res.RowsAffected == 0 {
		return errors.Wrap(domain.ErrNotFound, "update subaccount")
	}
	return nil
}

func (r *GormSubaccountRepository) Delete(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subaccount_id = ?", id).Delete(&domain.LocationSessionMap{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subaccount_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subaccount_id = ?", id).Delete(&domain.SessionEventLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subaccount_id = ?", id).Delete(&domain.Session{}).Error; err != nil {
			return err
		}
		if err := tx.Where("subaccount_id = ?", id).Delete(&domain.ProviderInstallation{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Subaccount{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return wrapErr(err, "delete subaccount")
}

func (r *GormSubaccountRepository) Owns(ctx context.Context, userID string, key OwnershipKey, value interface{}) (bool, error) {
	switch key {
	case OwnBySubaccountID, OwnByLocationID:
	default:
		return false, errors.Errorf("unsupported ownership key %q", key)
	}
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Subaccount{}).
		Where("user_id = ?", userID).
		Where(string(key)+" = ?", value).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, wrapErr(err, "ownership check")
	}
	return count > 0, nil
}
