package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"gorm.io/gorm"
)

// SubaccountRepository handles tenant locations
type SubaccountRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Subaccount, error)

	// GetByLocation resolves a location regardless of tenant
	GetByLocation(ctx context.Context, locationID string) (*domain.Subaccount, error)

	ListByUser(ctx context.Context, userID string) ([]*domain.Subaccount, error)

	Create(ctx context.Context, s *domain.Subaccount) error

	UpdateName(ctx context.Context, id int64, name string) error

	// Delete removes the subaccount with its sessions, mappings, messages
	// and provider installations
	Delete(ctx context.Context, id int64) error

	// Owns is the one ownership predicate: does userID have a subaccount
	// whose key column equals value
	Owns(ctx context.Context, userID string, key OwnershipKey, value interface{}) (bool, error)
}

// SessionRepository handles WhatsApp session rows
type SessionRepository interface {
	// Latest returns the current session of a subaccount: highest
	// created_at, ties broken by highest id
	Latest(ctx context.Context, subaccountID int64) (*domain.Session, error)

	GetByID(ctx context.Context, id int64) (*domain.Session, error)

	ListByUser(ctx context.Context, userID string) ([]*domain.SessionWithSubaccount, error)

	// ListPairingBefore returns sessions that entered qr before t. Rows
	// without a pairing start fall back to their last update.
	ListPairingBefore(ctx context.Context, t time.Time) ([]*domain.Session, error)

	Create(ctx context.Context, s *domain.Session) error

	Update(ctx context.Context, id int64, u domain.SessionUpdate) error

	// Delete removes the session, its location mappings and its messages
	Delete(ctx context.Context, id int64) error
}

// LocationMapRepository handles the location to ready session pointer
type LocationMapRepository interface {
	// Upsert replaces the mapping for m.LocationID
	Upsert(ctx context.Context, m *domain.LocationSessionMap) error

	GetByLocation(ctx context.Context, locationID string) (*domain.LocationSessionMap, error)

	ListBySession(ctx context.Context, sessionID int64) ([]*domain.LocationSessionMap, error)
}

// MessageRepository handles the append only message log
type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error

	ListBySession(ctx context.Context, sessionID int64, limit, offset int) ([]*domain.Message, error)

	ListBySubaccount(ctx context.Context, subaccountID int64, limit, offset int) ([]*domain.Message, error)

	// Conversation returns messages of a session exchanged with phone
	Conversation(ctx context.Context, sessionID int64, phone string, limit, offset int) ([]*domain.Message, error)
}

// ProviderInstallationRepository handles CRM forwarding credentials
type ProviderInstallationRepository interface {
	GetForSubaccount(ctx context.Context, userID string, subaccountID int64) (*domain.ProviderInstallation, error)

	Save(ctx context.Context, p *domain.ProviderInstallation) error
}

// MarketplaceAccountRepository handles tenant OAuth grants
type MarketplaceAccountRepository interface {
	// Upsert replaces the account of a.UserID
	Upsert(ctx context.Context, a *domain.MarketplaceAccount) error

	GetByUser(ctx context.Context, userID string) (*domain.MarketplaceAccount, error)
}

// SessionEventLogRepository handles the lifecycle audit trail
type SessionEventLogRepository interface {
	Create(ctx context.Context, l *domain.SessionEventLog) error

	ListBySession(ctx context.Context, sessionID int64, limit int) ([]*domain.SessionEventLog, error)

	// DeleteOlderThan removes entries older than days
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// Store groups the repositories used by the services.
type Store struct {
	Subaccounts   SubaccountRepository
	Sessions      SessionRepository
	LocationMaps  LocationMapRepository
	Messages      MessageRepository
	Installations ProviderInstallationRepository
	Accounts      MarketplaceAccountRepository
	EventLogs     SessionEventLogRepository
}

// NewGormStore builds a Store backed by db.
func NewGormStore(db *gorm.DB) *Store {
	return &Store{
		Subaccounts:   NewGormSubaccountRepository(db),
		Sessions:      NewGormSessionRepository(db),
		LocationMaps:  NewGormLocationMapRepository(db),
		Messages:      NewGormMessageRepository(db),
		Installations: NewGormProviderInstallationRepository(db),
		Accounts:      NewGormMarketplaceAccountRepository(db),
		EventLogs:     NewGormSessionEventLogRepository(db),
	}
}

// wrapErr maps driver errors onto the domain kinds.
func wrapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(domain.ErrNotFound, op)
	}
	return errors.Wrapf(domain.ErrPersistence, "%s: %v", op, err)
}
