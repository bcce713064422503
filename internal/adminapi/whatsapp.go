package adminapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/webserver"
)

func registerSessionRoutes() {
	webserver.ApiPOST("/location/:locationId/session", createSession, webserver.Route{Auth: true, Limit: webserver.LimitSession})
	webserver.ApiGET("/location/:locationId/session", getSessionStatus, webserver.Route{Limit: webserver.LimitAPI})
	webserver.ApiDELETE("/location/:locationId/session", deleteSession, webserver.Route{Auth: true, Limit: webserver.LimitSession})
	webserver.ApiGET("/location/:locationId/session/events", listSessionEvents, webserver.Route{Auth: true, Limit: webserver.LimitAPI})
	webserver.ApiGET("/location/admin/sessions", listTenantSessions, webserver.Route{Auth: true, Limit: webserver.LimitAPI})
}

// createSession starts or restarts the WhatsApp client of a location.
// Pairing continues in the background; clients poll the status route.
func createSession(c echo.Context) error {
	locationID := c.Param("locationId")
	sess, err := deps.Sessions.CreateOrRestart(c.Request().Context(), tenant(c), locationID)
	if errors.Is(err, domain.ErrForbidden) {
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Access denied to this location", nil)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SUBACCOUNT_NOT_FOUND", "Subaccount not found", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to create WhatsApp session")
	}
	zap.L().Info("adminapi: session started",
		zap.String("location_id", locationID), zap.Int64("session_id", sess.ID))
	return ok(c, map[string]interface{}{
		"sessionId": strconv.FormatInt(sess.ID, 10),
		"status":    domain.SessionInitializing,
		"message":   "WhatsApp session created successfully",
	})
}

// getSessionStatus is public so the provider page can poll it.
func getSessionStatus(c echo.Context) error {
	view, err := deps.Sessions.GetStatus(c.Request().Context(), c.Param("locationId"))
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to get session status")
	}
	return ok(c, view)
}

func deleteSession(c echo.Context) error {
	err := deps.Sessions.Delete(c.Request().Context(), tenant(c), c.Param("locationId"))
	if errors.Is(err, domain.ErrForbidden) {
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Access denied to this location", nil)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to delete session")
	}
	return ok(c, map[string]string{"message": "Session deleted successfully"})
}

// listSessionEvents returns the lifecycle audit trail of the current
// session of a location, newest first.
func listSessionEvents(c echo.Context) error {
	ctx := c.Request().Context()
	locationID := c.Param("locationId")
	if err := deps.Guard.RequireLocation(ctx, tenant(c), locationID); err != nil {
		return handleError(c, err, "Failed to list session events")
	}
	view, err := deps.Sessions.GetStatus(ctx, locationID)
	if err != nil {
		return handleError(c, err, "Failed to list session events")
	}
	if view.SessionID == nil {
		return ok(c, map[string]interface{}{"events": []*domain.SessionEventLog{}})
	}
	limit := cast.ToInt(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	events, err := deps.Store.EventLogs.ListBySession(ctx, cast.ToInt64(*view.SessionID), limit)
	if err != nil {
		return handleError(c, err, "Failed to list session events")
	}
	return ok(c, map[string]interface{}{"sessionId": *view.SessionID, "events": events})
}

func listTenantSessions(c echo.Context) error {
	sessions, err := deps.Sessions.ListForTenant(c.Request().Context(), tenant(c))
	if err != nil {
		return handleError(c, err, "Failed to list sessions")
	}
	if sessions == nil {
		sessions = []*domain.SessionWithSubaccount{}
	}
	return ok(c, sessions)
}
