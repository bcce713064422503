// Package webserver hosts the echo instance and the route helpers used by
// the handler packages.
package webserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/talkincode/wabridge/config"
)

// TokenVerifier turns a bearer token into a tenant id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

type WebServer struct {
	root     *echo.Echo
	cfg      *config.AppConfig
	bearer   echo.MiddlewareFunc
	limiters map[LimitClass]echo.MiddlewareFunc
}

var server *WebServer

// Init builds the process-wide server used by the route helpers.
func Init(cfg *config.AppConfig, verifier TokenVerifier) *WebServer {
	server = NewWebServer(cfg, verifier)
	return server
}

func NewWebServer(cfg *config.AppConfig, verifier TokenVerifier) *WebServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = &JSONSerializer{}
	e.Validator = &structValidator{v: validator.New()}
	e.HTTPErrorHandler = httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		HSTSMaxAge:         31536000,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc:  originMatcher(cfg),
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "X-Requested-With"},
		AllowCredentials: true,
	}))
	bodyLimit := cfg.Web.BodyLimit
	if bodyLimit == "" {
		bodyLimit = "10M"
	}
	e.Use(middleware.BodyLimit(bodyLimit))
	e.Use(session.Middleware(sessions.NewCookieStore([]byte(cfg.Web.Secret))))

	return &WebServer{
		root:     e,
		cfg:      cfg,
		bearer:   JWTMiddleware(verifier),
		limiters: newLimiters(cfg.RateLimit),
	}
}

func (s *WebServer) Echo() *echo.Echo {
	return s.root
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *WebServer) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Web.Host, s.cfg.Web.Port)
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("webserver: listening", zap.String("addr", addr))
		errCh <- s.root.Start(addr)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.root.Shutdown(shutdownCtx)
	}
}

// Route describes the middleware stack of one endpoint.
type Route struct {
	Auth  bool
	Limit LimitClass
}

func (s *WebServer) chain(r Route) []echo.MiddlewareFunc {
	var m []echo.MiddlewareFunc
	if l, ok := s.limiters[r.Limit]; ok {
		m = append(m, l)
	}
	if r.Auth {
		m = append(m, s.bearer)
	}
	return m
}

func (s *WebServer) add(method, path string, h echo.HandlerFunc, r Route) {
	s.root.Add(method, path, h, s.chain(r)...)
}

func ApiGET(path string, h echo.HandlerFunc, r Route) {
	server.add(http.MethodGet, path, h, r)
}

func ApiPOST(path string, h echo.HandlerFunc, r Route) {
	server.add(http.MethodPost, path, h, r)
}

func ApiPUT(path string, h echo.HandlerFunc, r Route) {
	server.add(http.MethodPut, path, h, r)
}

func ApiDELETE(path string, h echo.HandlerFunc, r Route) {
	server.add(http.MethodDelete, path, h, r)
}

type structValidator struct {
	v *validator.Validate
}

func (sv *structValidator) Validate(i interface{}) error {
	return sv.v.Struct(i)
}

// ErrorBody is the JSON error envelope shared by all endpoints.
type ErrorBody struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func httpErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	message := http.StatusText(status)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		status = he.Code
		message = fmt.Sprint(he.Message)
	} else {
		zap.L().Error("webserver: unhandled error",
			zap.String("path", c.Path()), zap.Error(err))
	}
	body := ErrorBody{Error: codeForStatus(status), Message: message}
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		zap.L().Warn("webserver: write error response", zap.Error(err))
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "UNAUTHENTICATED"
	case http.StatusForbidden:
		return "FORBIDDEN"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	case http.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	case http.StatusTooManyRequests:
		return "RATE_LIMITED"
	}
	return "INTERNAL_ERROR"
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			zap.L().Debug("http request", fields...)
			return nil
		},
	})
}
