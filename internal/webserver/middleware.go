package webserver

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"github.com/talkincode/wabridge/config"
)

const tenantKey = "tenant"

type LimitClass string

const (
	LimitNone    LimitClass = ""
	LimitMessage LimitClass = "message"
	LimitSession LimitClass = "session"
	LimitOAuth   LimitClass = "oauth"
	LimitAPI     LimitClass = "api"
)

// JWTMiddleware authenticates the bearer token and stores the tenant id.
func JWTMiddleware(verifier TokenVerifier) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		ContextKey: tenantKey,
		ParseTokenFunc: func(c echo.Context, auth string) (interface{}, error) {
			return verifier.Verify(auth)
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusUnauthorized, ErrorBody{
				Error:   "UNAUTHENTICATED",
				Message: "Missing or invalid bearer token",
			})
		},
	})
}

// TenantID returns the authenticated tenant, or "" on public routes.
func TenantID(c echo.Context) string {
	s, _ := c.Get(tenantKey).(string)
	return s
}

func newLimiters(cfg config.RateLimitConfig) map[LimitClass]echo.MiddlewareFunc {
	out := map[LimitClass]echo.MiddlewareFunc{}
	if !cfg.Enabled {
		return out
	}
	rules := map[LimitClass]config.LimitRule{
		LimitMessage: cfg.Message,
		LimitSession: cfg.Session,
		LimitOAuth:   cfg.OAuth,
		LimitAPI:     cfg.API,
	}
	for class, rule := range rules {
		if rule.Max <= 0 || rule.Window <= 0 {
			continue
		}
		out[class] = RateLimit(rule.Max, rule.Window)
	}
	return out
}

// RateLimit allows max requests per window for each client ip. The bucket
// refills continuously, so a full window is the longest wait.
func RateLimit(max int, window time.Duration) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(max) / window.Seconds()),
		Burst:     max,
		ExpiresIn: window,
	})
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: store,
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, ErrorBody{Error: "FORBIDDEN", Message: "Unable to identify client"})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			return c.JSON(http.StatusTooManyRequests, ErrorBody{
				Error:   "RATE_LIMITED",
				Message: "Too many requests, please try again later",
			})
		},
	})
}

func originMatcher(cfg *config.AppConfig) func(origin string) (bool, error) {
	patterns := append([]string{}, cfg.Cors.AllowOrigins...)
	if cfg.Web.FrontendURL != "" {
		patterns = append(patterns, strings.TrimRight(cfg.Web.FrontendURL, "/"))
	}
	dev := !cfg.IsProduction()
	return func(origin string) (bool, error) {
		if dev && isLocalhost(origin) {
			return true, nil
		}
		for _, p := range patterns {
			if matchOrigin(p, origin) {
				return true, nil
			}
		}
		return false, nil
	}
}

func isLocalhost(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}

// matchOrigin compares scheme and host. A "*." host prefix matches any
// subdomain but not the bare domain.
func matchOrigin(pattern, origin string) bool {
	if pattern == "*" {
		return true
	}
	p, err := url.Parse(pattern)
	if err != nil {
		return false
	}
	o, err := url.Parse(origin)
	if err != nil || o.Host == "" {
		return false
	}
	if p.Scheme != "" && p.Scheme != o.Scheme {
		return false
	}
	if strings.HasPrefix(p.Host, "*.") {
		return strings.HasSuffix(o.Host, p.Host[1:])
	}
	return strings.EqualFold(p.Host, o.Host)
}
