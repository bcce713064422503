package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/relay"
	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/pkg/common"
)

type sendPayload struct {
	SessionID string `json:"sessionId" validate:"required"`
	To        string `json:"to" validate:"required"`
	Body      string `json:"body"`
	MediaURL  string `json:"mediaUrl"`
	MediaMime string `json:"mediaMime"`
	FileName  string `json:"fileName"`
}

type sendResponse struct {
	Success bool `json:"success"`
	*relay.SendResult
}

func registerMessageRoutes() {
	webserver.ApiPOST("/messages/send", sendMessage, webserver.Route{Auth: true, Limit: webserver.LimitMessage})
	webserver.ApiGET("/messages/subaccount/:subaccountId", listSubaccountMessages, webserver.Route{Auth: true, Limit: webserver.LimitAPI})
	webserver.ApiGET("/messages/conversation/:sessionId/:phoneNumber", getConversation, webserver.Route{Auth: true, Limit: webserver.LimitAPI})
	webserver.ApiGET("/messages/:sessionId", listSessionMessages, webserver.Route{Auth: true, Limit: webserver.LimitAPI})
}

func sendMessage(c echo.Context) error {
	var payload sendPayload
	if valid, err := bindAndValidate(c, &payload); !valid {
		return err
	}
	result, err := deps.Messages.Send(c.Request().Context(), tenant(c), relay.SendRequest{
		SessionID: common.ParseInt64(payload.SessionID),
		To:        strings.TrimSpace(payload.To),
		Body:      payload.Body,
		MediaRef:  strings.TrimSpace(payload.MediaURL),
		MediaMime: payload.MediaMime,
		FileName:  payload.FileName,
	})
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found or access denied", nil)
	}
	if err != nil && isKnownKind(err) {
		return handleError(c, err, "Failed to send message")
	}
	if err != nil {
		zap.L().Warn("adminapi: send failed", zap.String("session_id", payload.SessionID), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "SEND_FAILED", "Failed to send message", err.Error())
	}
	return ok(c, sendResponse{Success: true, SendResult: result})
}

func listSessionMessages(c echo.Context) error {
	sessionID, err := parseIDParam(c, "sessionId")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	limit, offset := parseLimitOffset(c)
	page, err := deps.Messages.ListBySession(c.Request().Context(), tenant(c), sessionID, limit, offset)
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found or access denied", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to get messages")
	}
	return ok(c, page)
}

func listSubaccountMessages(c echo.Context) error {
	subaccountID, err := parseIDParam(c, "subaccountId")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid subaccount ID", nil)
	}
	limit, offset := parseLimitOffset(c)
	page, err := deps.Messages.ListBySubaccount(c.Request().Context(), tenant(c), subaccountID, limit, offset)
	if errors.Is(err, domain.ErrForbidden) {
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Access denied to this subaccount", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to get messages")
	}
	return ok(c, page)
}

func getConversation(c echo.Context) error {
	sessionID, err := parseIDParam(c, "sessionId")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid session ID", nil)
	}
	limit, offset := parseLimitOffset(c)
	page, err := deps.Messages.Conversation(c.Request().Context(), tenant(c), sessionID, c.Param("phoneNumber"), limit, offset)
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session not found or access denied", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to get conversation")
	}
	return ok(c, page)
}

func isKnownKind(err error) bool {
	for _, kind := range []error{
		domain.ErrInvalidPhoneFormat, domain.ErrEmptyMessage, domain.ErrUnauthenticated,
		domain.ErrForbidden, domain.ErrNotFound, domain.ErrSessionNotReady,
		domain.ErrClientUnavailable, domain.ErrPersistence,
	} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
