package repository

import (
	"context"
	"time"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/pkg/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormSessionRepository is the GORM implementation of SessionRepository
type GormSessionRepository struct {
	db *gorm.DB
}

func NewGormSessionRepository(db *gorm.DB) *GormSessionRepository {
	return &GormSessionRepository{db: db}
}

func (r *GormSessionRepository) Latest(ctx context.Context, subaccountID int64) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).
		Where("subaccount_id = ?", subaccountID).
		Order("created_at DESC").
		Order("id DESC").
		Take(&s).Error
	if err != nil {
		return nil, wrapErr(err, "latest session")
	}
	return &s, nil
}

func (r *GormSessionRepository) GetByID(ctx context.Context, id int64) (*domain.Session, error) {
	var s domain.Session
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&s).Error
	if err != nil {
		return nil, wrapErr(err, "get session")
	}
	return &s, nil
}

func (r *GormSessionRepository) ListByUser(ctx context.Context, userID string) ([]*domain.SessionWithSubaccount, error) {
	var out []*domain.SessionWithSubaccount
	err := r.db.WithContext(ctx).
		Table(domain.Session{}.TableName()).
		Select("sessions.*, subaccounts.location_id AS location_id, subaccounts.name AS subaccount_name").
		Joins("JOIN subaccounts ON subaccounts.id = sessions.subaccount_id").
		Where("sessions.user_id = ?", userID).
		Order("sessions.created_at DESC").
		Scan(&out).Error
	return out, wrapErr(err, "list sessions")
}

func (r *GormSessionRepository) ListPairingBefore(ctx context.Context, t time.Time) ([]*domain.Session, error) {
	var out []*domain.Session
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.SessionQR).
		Where("qr_since < ? OR (qr_since IS NULL AND updated_at < ?)", t, t).
		Find(&out).Error
	return out, wrapErr(err, "list pairing sessions")
}

func (r *GormSessionRepository) Create(ctx context.Context, s *domain.Session) error {
	if s.ID == 0 {
		s.ID = common.UUIDint64()
	}
	return wrapErr(r.db.WithContext(ctx).Create(s).Error, "create session")
}

func (r *GormSessionRepository) Update(ctx context.Context, id int64, u domain.SessionUpdate) error {
	res := r.db.WithContext(ctx).Model(&domain.Session{}).
		Where("id = ?", id).
		Updates(u.Columns())
	if res.Error != nil {
		return wrapErr(res.Error, "update session")
	}
	if res.RowsAffected == 0 {
		return wrapErr(gorm.ErrRecordNotFound, "update session")
	}
	return nil
}

func (r *GormSessionRepository) Delete(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("session_id = ?", id).Delete(&domain.LocationSessionMap{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&domain.Message{}).Error; err != nil {
			return err
		}
		if err := tx.Where("session_id = ?", id).Delete(&domain.SessionEventLog{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&domain.Session{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	return wrapErr(err, "delete session")
}

// GormLocationMapRepository is the GORM implementation of LocationMapRepository
type GormLocationMapRepository struct {
	db *gorm.DB
}

func NewGormLocationMapRepository(db *gorm.DB) *GormLocationMapRepository {
	return &GormLocationMapRepository{db: db}
}

func (r *GormLocationMapRepository) Upsert(ctx context.Context, m *domain.LocationSessionMap) error {
	if m.ID == 0 {
		m.ID = common.UUIDint64()
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "location_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_id", "subaccount_id", "session_id", "updated_at"}),
	}).Create(m).Error
	return wrapErr(err, "upsert location session map")
}

func (r *GormLocationMapRepository) GetByLocation(ctx context.Context, locationID string) (*domain.LocationSessionMap, error) {
	var m domain.LocationSessionMap
	err := r.db.WithContext(ctx).Where("location_id = ?", locationID).Take(&m).Error
	if err != nil {
		return nil, wrapErr(err, "get location session map")
	}
	return &m, nil
}

func (r *GormLocationMapRepository) ListBySession(ctx context.Context, sessionID int64) ([]*domain.LocationSessionMap, error) {
	var out []*domain.LocationSessionMap
	err := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Find(&out).Error
	return out, wrapErr(err, "list location session map")
}

// GormSessionEventLogRepository is the GORM implementation of SessionEventLogRepository
type GormSessionEventLogRepository struct {
	db *gorm.DB
}

func NewGormSessionEventLogRepository(db *gorm.DB) *GormSessionEventLogRepository {
	return &GormSessionEventLogRepository{db: db}
}

func (r *GormSessionEventLogRepository) Create(ctx context.Context, l *domain.SessionEventLog) error {
	if l.ID == 0 {
		l.ID = common.UUIDint64()
	}
	return wrapErr(r.db.WithContext(ctx).Create(l).Error, "create session event log")
}

func (r *GormSessionEventLogRepository) ListBySession(ctx context.Context, sessionID int64, limit int) ([]*domain.SessionEventLog, error) {
	var out []*domain.SessionEventLog
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&out).Error
	return out, wrapErr(err, "list session event log")
}

func (r *GormSessionEventLogRepository) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	res := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&domain.SessionEventLog{})
	return res.RowsAffected, wrapErr(res.Error, "prune session event log")
}
