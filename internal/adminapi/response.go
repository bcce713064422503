package adminapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/webserver"
)

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, data)
}

func created(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusCreated, data)
}

func fail(c echo.Context, status int, code, message string, details interface{}) error {
	return c.JSON(status, webserver.ErrorBody{Error: code, Message: message, Details: details})
}

// handleError maps domain error kinds onto the response envelope. message
// describes the failed operation for kinds that have no fixed wording.
func handleError(c echo.Context, err error, message string) error {
	switch {
	case errors.Is(err, domain.ErrInvalidPhoneFormat):
		return fail(c, http.StatusBadRequest, "INVALID_PHONE_FORMAT", "Invalid phone number format", nil)
	case errors.Is(err, domain.ErrEmptyMessage):
		return fail(c, http.StatusBadRequest, "EMPTY_MESSAGE", "Exactly one of body or media is required", nil)
	case errors.Is(err, domain.ErrUnauthenticated):
		return fail(c, http.StatusUnauthorized, "UNAUTHENTICATED", "Missing or invalid bearer token", nil)
	case errors.Is(err, domain.ErrForbidden):
		return fail(c, http.StatusForbidden, "FORBIDDEN", "Access denied", nil)
	case errors.Is(err, domain.ErrNotFound):
		return fail(c, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	case errors.Is(err, domain.ErrSessionNotReady):
		return fail(c, http.StatusBadRequest, "SESSION_NOT_READY", "WhatsApp session is not ready", nil)
	case errors.Is(err, domain.ErrClientUnavailable):
		return fail(c, http.StatusInternalServerError, "CLIENT_UNAVAILABLE", "WhatsApp client not available", nil)
	case errors.Is(err, domain.ErrPersistence):
		zap.L().Error("adminapi: persistence failure", zap.String("path", c.Path()), zap.Error(err))
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", message, nil)
	}
	zap.L().Error("adminapi: request failed", zap.String("path", c.Path()), zap.Error(err))
	return fail(c, http.StatusInternalServerError, "INTERNAL_ERROR", message, err.Error())
}

func handleValidationError(c echo.Context, err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			fields = append(fields, fe.Field())
		}
		return fail(c, http.StatusBadRequest, "VALIDATION_ERROR",
			"Invalid or missing fields: "+strings.Join(fields, ", "), fields)
	}
	return fail(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
}

// bindAndValidate decodes the JSON body into payload and runs its
// validate tags. A non-nil error has already been written.
func bindAndValidate(c echo.Context, payload interface{}) (bool, error) {
	if err := c.Bind(payload); err != nil {
		return false, fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse request body", nil)
	}
	if err := c.Validate(payload); err != nil {
		return false, handleValidationError(c, err)
	}
	return true, nil
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	id, err := cast.ToInt64E(strings.TrimSpace(c.Param(name)))
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// parseLimitOffset reads limit and offset query parameters. Invalid
// values fall back to zero, which the relay turns into its defaults.
func parseLimitOffset(c echo.Context) (int, int) {
	limit := cast.ToInt(c.QueryParam("limit"))
	offset := cast.ToInt(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func tenant(c echo.Context) string {
	return webserver.TenantID(c)
}
