package adminapi

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/pkg/common"
)

type providerPage struct {
	Title      string
	LocationID string
	StatusURL  string
	Status     domain.SessionStatus
	Message    string
	QR         template.URL
}

// providerMessagePayload is the CRM conversation provider webhook body.
type providerMessagePayload struct {
	LocationID  string           `json:"locationId"`
	ContactID   string           `json:"contactId"`
	Phone       string           `json:"phone"`
	Message     string           `json:"message"`
	Attachments []crm.Attachment `json:"attachments"`
}

type providerMessageResponse struct {
	Success bool `json:"success"`
	*relay.ProviderSendResult
}

func registerProviderRoutes() {
	webserver.ApiGET("/provider", providerStatusPage, webserver.Route{Limit: webserver.LimitAPI})
	webserver.ApiPOST("/provider/messages", providerMessage, webserver.Route{Limit: webserver.LimitMessage})
}

func statusMessage(status domain.SessionStatus, phoneNumber *string) string {
	switch status {
	case domain.SessionReady:
		if phoneNumber != nil && *phoneNumber != "" {
			return "Connected (" + *phoneNumber + ")"
		}
		return "Connected"
	case domain.SessionQR:
		return "Scan QR Code with WhatsApp"
	case domain.SessionInitializing:
		return "Initializing WhatsApp..."
	case domain.SessionDisconnected:
		return "Disconnected - start a new session from the dashboard"
	case domain.SessionAuthFailure:
		return "Authentication Failed - start a new session from the dashboard"
	case domain.SessionNone:
		return "No WhatsApp session - create one from the dashboard"
	}
	return "Status: " + string(status)
}

// providerStatusPage renders the pairing page embedded in the CRM. It is
// public and polls the status route every two seconds.
func providerStatusPage(c echo.Context) error {
	locationID := strings.TrimSpace(c.QueryParam("locationId"))
	if locationID == "" {
		return renderHTML(c, http.StatusBadRequest, "provider.html", providerPage{
			Title: "Error", Status: "error", Message: "Location ID is required",
		})
	}
	ctx := c.Request().Context()
	sub, err := deps.Store.Subaccounts.GetByLocation(ctx, locationID)
	if errors.Is(err, domain.ErrNotFound) {
		return renderHTML(c, http.StatusNotFound, "provider.html", providerPage{
			Title:   "Location Not Found",
			Status:  "error",
			Message: "Location ID \"" + locationID + "\" not found or not connected.",
		})
	}
	if err != nil {
		zap.L().Error("adminapi: provider page", zap.String("location_id", locationID), zap.Error(err))
		return renderHTML(c, http.StatusInternalServerError, "provider.html", providerPage{
			Title: "Error", Status: "error", Message: "Failed to load WhatsApp integration",
		})
	}

	view, err := deps.Sessions.GetStatus(ctx, locationID)
	if err != nil {
		zap.L().Error("adminapi: provider status", zap.String("location_id", locationID), zap.Error(err))
		return renderHTML(c, http.StatusInternalServerError, "provider.html", providerPage{
			Title: "Error", Status: "error", Message: "Failed to load WhatsApp integration",
		})
	}
	title := sub.Name
	if title == "" {
		title = "Location " + locationID
	}
	page := providerPage{
		Title:      title,
		LocationID: locationID,
		StatusURL:  "/location/" + url.PathEscape(locationID) + "/session",
		Status:     view.Status,
		Message:    statusMessage(view.Status, view.PhoneNumber),
	}
	if qr := common.StringValue(view.QR, ""); strings.HasPrefix(qr, "data:image/") {
		page.QR = template.URL(qr)
	}
	return renderHTML(c, http.StatusOK, "provider.html", page)
}

// providerMessage is the CRM outbound webhook. The CRM posts here when an
// agent replies in a conversation.
func providerMessage(c echo.Context) error {
	var payload providerMessagePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request body", nil)
	}
	switch {
	case payload.LocationID == "":
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "locationId is required", nil)
	case payload.Phone == "" && payload.ContactID == "":
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "phone or contactId is required", nil)
	case payload.Message == "" && len(payload.Attachments) == 0:
		return fail(c, http.StatusBadRequest, "EMPTY_MESSAGE", "message or attachments is required", nil)
	case payload.Phone == "":
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "phone is required when contactId is provided", nil)
	}

	result, err := deps.Messages.SendForLocation(c.Request().Context(), relay.ProviderSend{
		LocationID:  payload.LocationID,
		Phone:       payload.Phone,
		Message:     payload.Message,
		Attachments: payload.Attachments,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "No active WhatsApp session found for this location", nil)
	}
	if err != nil && isKnownKind(err) {
		return handleError(c, err, "Failed to send message")
	}
	if err != nil {
		zap.L().Warn("adminapi: provider send failed", zap.String("location_id", payload.LocationID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", err.Error())
	}
	return ok(c, providerMessageResponse{Success: true, ProviderSendResult: result})
}
