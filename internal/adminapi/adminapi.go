// Package adminapi holds the HTTP handlers. Handlers translate requests
// into calls on the session controller, the relay and the repositories.
package adminapi

import (
	"context"

	"github.com/talkincode/wabridge/config"
	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/repository"
	"github.com/talkincode/wabridge/internal/session"
)

// SessionService is the part of the session controller the handlers use.
type SessionService interface {
	CreateOrRestart(ctx context.Context, tenantID, locationID string) (*domain.Session, error)
	GetStatus(ctx context.Context, locationID string) (*session.StatusView, error)
	Delete(ctx context.Context, tenantID, locationID string) error
	DeleteSubaccount(ctx context.Context, subaccountID int64) error
	ListForTenant(ctx context.Context, tenantID string) ([]*domain.SessionWithSubaccount, error)
}

// MessageService is the part of the relay the handlers use.
type MessageService interface {
	Send(ctx context.Context, tenantID string, req relay.SendRequest) (*relay.SendResult, error)
	SendForLocation(ctx context.Context, req relay.ProviderSend) (*relay.ProviderSendResult, error)
	ListBySession(ctx context.Context, tenantID string, sessionID int64, limit, offset int) (*relay.MessagePage, error)
	ListBySubaccount(ctx context.Context, tenantID string, subaccountID int64, limit, offset int) (*relay.MessagePage, error)
	Conversation(ctx context.Context, tenantID string, sessionID int64, number string, limit, offset int) (*relay.MessagePage, error)
}

// OAuthService runs the marketplace authorization code flow.
type OAuthService interface {
	Configured() bool
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*crm.TokenResponse, error)
}

// OwnershipGuard checks tenant ownership of a location.
type OwnershipGuard interface {
	RequireLocation(ctx context.Context, tenantID, locationID string) error
}

type Deps struct {
	Config   *config.AppConfig
	Store    *repository.Store
	Guard    OwnershipGuard
	Sessions SessionService
	Messages MessageService
	OAuth    OAuthService
}

var deps *Deps

// Init registers every route on the web server.
func Init(d *Deps) {
	deps = d
	registerHealthRoutes()
	registerSessionRoutes()
	registerMessageRoutes()
	registerSubaccountRoutes()
	registerProviderRoutes()
	registerOAuthRoutes()
	registerMetricsRoutes()
}
