package repository

import (
	"context"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormMessageRepository is the GORM implementation of MessageRepository
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, m *domain.Message) error {
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	return wrapErr(r.db.WithContext(ctx).Create(m).Error, "create message")
}

func (r *GormMessageRepository) list(ctx context.Context, limit, offset int, scope func(*gorm.DB) *gorm.DB) ([]*domain.Message, error) {
	var out []*domain.Message
	err := r.db.WithContext(ctx).
		Scopes(scope).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&out).Error
	return out, wrapErr(err, "list messages")
}

func (r *GormMessageRepository) ListBySession(ctx context.Context, sessionID int64, limit, offset int) ([]*domain.Message, error) {
	return r.list(ctx, limit, offset, func(db *gorm.DB) *gorm.DB {
		return db.Where("session_id = ?", sessionID)
	})
}

func (r *GormMessageRepository) ListBySubaccount(ctx context.Context, subaccountID int64, limit, offset int) ([]*domain.Message, error) {
	return r.list(ctx, limit, offset, func(db *gorm.DB) *gorm.DB {
		return db.Where("subaccount_id = ?", subaccountID)
	})
}

func (r *GormMessageRepository) Conversation(ctx context.Context, sessionID int64, phone string, limit, offset int) ([]*domain.Message, error) {
	return r.list(ctx, limit, offset, func(db *gorm.DB) *gorm.DB {
		return db.Where("session_id = ? AND (from_number = ? OR to_number = ?)", sessionID, phone, phone)
	})
}

// GormProviderInstallationRepository is the GORM implementation of ProviderInstallationRepository
type GormProviderInstallationRepository struct {
	db *gorm.DB
}

func NewGormProviderInstallationRepository(db *gorm.DB) *GormProviderInstallationRepository {
	return &GormProviderInstallationRepository{db: db}
}

func (r *GormProviderInstallationRepository) GetForSubaccount(ctx context.Context, userID string, subaccountID int64) (*domain.ProviderInstallation, error) {
	var p domain.ProviderInstallation
	err := r.db.WithContext(ctx).
		Where("subaccount_id = ? AND user_id = ?", subaccountID, userID).
		Order("updated_at DESC").
		Take(&p).Error
	if err != nil {
		return nil, wrapErr(err, "get provider installation")
	}
	return &p, nil
}

func (r *GormProviderInstallationRepository) Save(ctx context.Context, p *domain.ProviderInstallation) error {
	if p.ID == 0 {
		p.ID = common.UUIDint64()
	}
	return wrapErr(r.db.WithContext(ctx).Save(p).Error, "save provider installation")
}

// GormMarketplaceAccountRepository is the GORM implementation of MarketplaceAccountRepository
type GormMarketplaceAccountRepository struct {
	db *gorm.DB
}

func NewGormMarketplaceAccountRepository(db *gorm.DB) *GormMarketplaceAccountRepository {
	return &GormMarketplaceAccountRepository{db: db}
}

func (r *GormMarketplaceAccountRepository) Upsert(ctx context.Context, a *domain.MarketplaceAccount) error {
	if a.ID == 0 {
		a.ID = common.UUIDint64()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"company_id", "location_id", "user_type", "scope",
			"access_token", "refresh_token", "expires_at", "updated_at",
		}),
	}).Create(a).Error
	return wrapErr(err, "upsert marketplace account")
}

func (r *GormMarketplaceAccountRepository) GetByUser(ctx context.Context, userID string) (*domain.MarketplaceAccount, error) {
	var a domain.MarketplaceAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&a).Error
	if err != nil {
		return nil, wrapErr(err, "get marketplace account")
	}
	return &a, nil
}
