package auth

import (
	"context"

	"github.com/pkg/errors"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/repository"
)

// Guard checks tenant ownership of subaccounts. Every check goes through
// the same repository predicate and is never cached.
type Guard struct {
	subaccounts repository.SubaccountRepository
}

func NewGuard(subaccounts repository.SubaccountRepository) *Guard {
	return &Guard{subaccounts: subaccounts}
}

func (g *Guard) OwnsLocation(ctx context.Context, tenantID, locationID string) (bool, error) {
	return g.subaccounts.Owns(ctx, tenantID, repository.OwnByLocationID, locationID)
}

func (g *Guard) OwnsSubaccount(ctx context.Context, tenantID string, subaccountID int64) (bool, error) {
	return g.subaccounts.Owns(ctx, tenantID, repository.OwnBySubaccountID, subaccountID)
}

// RequireLocation fails with domain.ErrForbidden unless tenantID owns
// locationID.
func (g *Guard) RequireLocation(ctx context.Context, tenantID, locationID string) error {
	return require(g.OwnsLocation(ctx, tenantID, locationID))
}

// RequireSubaccount fails with domain.ErrForbidden unless tenantID owns
// subaccountID.
func (g *Guard) RequireSubaccount(ctx context.Context, tenantID string, subaccountID int64) error {
	return require(g.OwnsSubaccount(ctx, tenantID, subaccountID))
}

func require(ok bool, err error) error {
	if err != nil {
		return err
	}
	if !ok {
		return errors.WithStack(domain.ErrForbidden)
	}
	return nil
}
