package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/random"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/internal/crm"
	"github.com/talkincode/wabridge/internal/domain"
	"github.com/talkincode/wabridge/internal/webserver"
)

const (
	oauthCookie   = "wabridge_oauth"
	oauthNonceKey = "nonce"
)

type oauthResultPage struct {
	Success   bool
	Error     string
	ReturnURL string
	Event     map[string]string
}

func registerOAuthRoutes() {
	r := webserver.Route{Limit: webserver.LimitOAuth}
	webserver.ApiGET("/auth/connect", oauthConnect, r)
	webserver.ApiGET("/auth/callback", oauthCallback, r)
	webserver.ApiGET("/auth/account", oauthAccount, r)
}

func defaultReturnURL() string {
	return strings.TrimRight(deps.Config.Web.FrontendURL, "/") + "/dashboard"
}

// oauthConnect sends the browser to the marketplace location chooser. The
// state carries the return url and a nonce that is also kept in a cookie.
func oauthConnect(c echo.Context) error {
	if !deps.OAuth.Configured() {
		return fail(c, http.StatusServiceUnavailable, "OAUTH_NOT_CONFIGURED", "Marketplace OAuth is not configured", nil)
	}
	returnURL := c.QueryParam("return_url")
	if returnURL == "" {
		returnURL = defaultReturnURL()
	}
	nonce := random.String(32, random.Alphanumeric)
	state, err := crm.OAuthState{ReturnURL: returnURL, UserID: c.QueryParam("user_id"), Nonce: nonce}.Encode()
	if err != nil {
		return handleError(c, err, "Failed to initiate OAuth flow")
	}

	sess, err := session.Get(oauthCookie, c)
	if err != nil {
		return handleError(c, err, "Failed to initiate OAuth flow")
	}
	sess.Options = &sessions.Options{
		Path:     "/auth",
		MaxAge:   int((10 * time.Minute).Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	sess.Values[oauthNonceKey] = nonce
	if err := sess.Save(c.Request(), c.Response()); err != nil {
		return handleError(c, err, "Failed to initiate OAuth flow")
	}
	return c.Redirect(http.StatusFound, deps.OAuth.AuthorizeURL(state))
}

func oauthError(c echo.Context, status int, message string) error {
	return renderHTML(c, status, "oauth_result.html", oauthResultPage{
		Error: message,
		Event: map[string]string{"type": "marketplace:error", "error": message},
	})
}

// oauthCallback exchanges the code and stores the marketplace account.
func oauthCallback(c echo.Context) error {
	if e := c.QueryParam("error"); e != "" {
		zap.L().Warn("adminapi: oauth denied", zap.String("error", e))
		return oauthError(c, http.StatusBadRequest, e)
	}
	code := c.QueryParam("code")
	if code == "" {
		return oauthError(c, http.StatusBadRequest, "Missing authorization code")
	}
	state, err := crm.DecodeOAuthState(c.QueryParam("state"))
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "Invalid state")
	}
	sess, err := session.Get(oauthCookie, c)
	if err != nil {
		return oauthError(c, http.StatusBadRequest, "Invalid state")
	}
	if nonce, _ := sess.Values[oauthNonceKey].(string); nonce == "" || nonce != state.Nonce {
		return oauthError(c, http.StatusBadRequest, "Invalid state")
	}
	delete(sess.Values, oauthNonceKey)
	sess.Options = &sessions.Options{Path: "/auth", MaxAge: -1}
	_ = sess.Save(c.Request(), c.Response())

	tok, err := deps.OAuth.ExchangeCode(c.Request().Context(), code)
	if err != nil {
		zap.L().Error("adminapi: oauth token exchange", zap.Error(err))
		return oauthError(c, http.StatusBadGateway, "Failed to exchange authorization code")
	}

	userID := state.UserID
	if userID == "" {
		userID = uuid.NewString()
	}
	account := &domain.MarketplaceAccount{
		UserID:       userID,
		CompanyID:    valueOr(tok.CompanyID, "unknown"),
		LocationID:   tok.LocationID,
		UserType:     valueOr(tok.UserType, "marketplace"),
		Scope:        tok.Scope,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.ExpiresAt(time.Now()),
	}
	if err := deps.Store.Accounts.Upsert(c.Request().Context(), account); err != nil {
		zap.L().Error("adminapi: save marketplace account", zap.Error(err))
		return oauthError(c, http.StatusInternalServerError, "Database error")
	}
	zap.L().Info("adminapi: marketplace account connected",
		zap.String("user_id", userID), zap.String("company_id", account.CompanyID))

	returnURL := state.ReturnURL
	if returnURL == "" {
		returnURL = defaultReturnURL()
	}
	return renderHTML(c, http.StatusOK, "oauth_result.html", oauthResultPage{
		Success:   true,
		ReturnURL: returnURL,
		Event:     map[string]string{"type": "marketplace:connected", "userId": userID},
	})
}

// oauthAccount returns the stored marketplace account without tokens.
func oauthAccount(c echo.Context) error {
	userID := c.QueryParam("user_id")
	if userID == "" {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "user_id is required", nil)
	}
	account, err := deps.Store.Accounts.GetByUser(c.Request().Context(), userID)
	if errors.Is(err, domain.ErrNotFound) {
		return fail(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "No marketplace account found", nil)
	}
	if err != nil {
		return handleError(c, err, "Failed to get account")
	}
	return ok(c, account)
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
