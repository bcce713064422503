package adminapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/webserver"
)

type connectPayload struct {
	LocationID string `json:"locationId" validate:"required,max=128"`
	Name       string `json:"name" validate:"omitempty,max=200"`
}

type subaccountUpdatePayload struct {
	Name string `json:"name" validate:"required,min=1,max=200"`
}

type subaccountView struct {
	ID         int64        `json:"id,string"`
	LocationID string       `json:"location_id"`
	Name       string       `json:"name"`
	CreatedAt  time.Time    `json:"created_at"`
	Session    *sessionInfo `json:"session,omitempty"`
}

type sessionInfo struct {
	ID          int64                `json:"id,string"`
	Status      domain.SessionStatus `json:"status"`
	PhoneNumber *string              `json:"phone_number"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

func newSubaccountView(s *domain.Subaccount) *subaccountView {
	return &subaccountView{ID: s.ID, LocationID: s.LocationID, Name: s.Name, CreatedAt: s.CreatedAt}
}

// registerSubaccountRoutes registers subaccount CRUD routes
func registerSubaccountRoutes() {
	r := webserver.Route{Auth: true, Limit: webserver.LimitAPI}
	webserver.ApiPOST("/admin/subaccounts/connect", connectSubaccount, r)
	webserver.ApiGET("/admin/subaccounts", listSubaccounts, r)
	webserver.ApiGET("/admin/subaccounts/:locationId", getSubaccount, r)
	webserver.ApiPUT("/admin/subaccounts/:locationId", updateSubaccount, r)
	webserver.ApiDELETE("/admin/subaccounts/:locationId", deleteSubaccount, r)
}

// connectSubaccount binds a location to the caller. Reconnecting an owned
// location only refreshes its name.
func connectSubaccount(c echo.Context) error {
	var payload connectPayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}
	ctx := c.Request().Context()
	userID := tenant(c)
	locationID := strings.TrimSpace(payload.LocationID)
	name := strings.TrimSpace(payload.Name)

	existing, err := deps.Store.Subaccounts.GetByLocation(ctx, locationID)
	switch {
	case err == nil:
		if existing.UserID != userID {
			return fail(c, http.StatusForbidden, "LOCATION_TAKEN", "Location already connected to another account", nil)
		}
		if name != "" && name != existing.Name {
			if err := deps.Store.Subaccounts.UpdateName(ctx, existing.ID, name); err != nil {
				return handleError(c, err, "Failed to connect subaccount")
			}
			existing.Name = name
		}
		return ok(c, newSubaccountView(existing))
	case !errors.Is(err, domain.ErrNotFound):
		return handleError(c, err, "Failed to connect subaccount")
	}

	if name == "" {
		name = fmt.Sprintf("Location %s", locationID)
	}
	sub := &domain.Subaccount{UserID: userID, LocationID: locationID, Name: name}
	if err := deps.Store.Subaccounts.Create(ctx, sub); err != nil {
		return handleError(c, err, "Failed to connect subaccount")
	}
	zap.L().Info("adminapi: subaccount connected",
		zap.String("user_id", userID), zap.String("location_id", locationID))
	return created(c, newSubaccountView(sub))
}

func listSubaccounts(c echo.Context) error {
	ctx := c.Request().Context()
	subs, err := deps.Store.Subaccounts.ListByUser(ctx, tenant(c))
	if err != nil {
		return handleError(c, err, "Failed to get subaccounts")
	}
	out := make([]*subaccountView, 0, len(subs))
	for _, s := range subs {
		view, err := withLatestSession(c, s)
		if err != nil {
			return handleError(c, err, "Failed to get subaccounts")
		}
		out = append(out, view)
	}
	return ok(c, out)
}

func getSubaccount(c echo.Context) error {
	ctx := c.Request().Context()
	locationID := c.Param("locationId")
	if err := deps.Guard.RequireLocation(ctx, tenant(c), locationID); err != nil {
		return forbiddenOr(c, err, "Failed to get subaccount")
	}
	sub, err := deps.Store.Subaccounts.GetByLocation(ctx, locationID)
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to get subaccount")
	}
	view, err := withLatestSession(c, sub)
	if err != nil {
		return handleError(c, err, "Failed to get subaccount")
	}
	return ok(c, view)
}

func updateSubaccount(c echo.Context) error {
	var payload subaccountUpdatePayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}
	ctx := c.Request().Context()
	locationID := c.Param("locationId")
	if err := deps.Guard.RequireLocation(ctx, tenant(c), locationID); err != nil {
		return forbiddenOr(c, err, "Failed to update subaccount")
	}
	sub, err := deps.Store.Subaccounts.GetByLocation(ctx, locationID)
	if err == nil {
		err = deps.Store.Subaccounts.UpdateName(ctx, sub.ID, strings.TrimSpace(payload.Name))
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to update subaccount")
	}
	sub.Name = strings.TrimSpace(payload.Name)
	return ok(c, newSubaccountView(sub))
}

// deleteSubaccount stops the live client and removes the subaccount with
// its sessions, mappings, messages and installations.
func deleteSubaccount(c echo.Context) error {
	ctx := c.Request().Context()
	locationID := c.Param("locationId")
	if err := deps.Guard.RequireLocation(ctx, tenant(c), locationID); err != nil {
		return forbiddenOr(c, err, "Failed to delete subaccount")
	}
	sub, err := deps.Store.Subaccounts.GetByLocation(ctx, locationID)
	if err != nil {
		return handleError(c, err, "Failed to delete subaccount")
	}
	if err := deps.Sessions.DeleteSubaccount(ctx, sub.ID); err != nil {
		return handleError(c, err, "Failed to delete subaccount")
	}
	zap.L().Info("adminapi: subaccount deleted",
		zap.String("user_id", sub.UserID), zap.String("location_id", locationID))
	return ok(c, map[string]string{"message": "Subaccount deleted successfully"})
}

func withLatestSession(c echo.Context, sub *domain.Subaccount) (*subaccountView, error) {
	view := newSubaccountView(sub)
	sess, err := deps.Store.Sessions.Latest(c.Request().Context(), sub.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return view, nil
	}
	if err != nil {
		return nil, err
	}
	view.Session = &sessionInfo{
		ID:          sess.ID,
		Status:      sess.Status,
		PhoneNumber: sess.PhoneNumber,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
	}
	return view, nil
}

func forbiddenOr(c echo.Context, err error, message string) error {
	if errors.Is(err, domain.ErrForbidden) {
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Access denied to this location", nil)
	}
	return handleError(c, err, message)
}
