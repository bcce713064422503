package adminapi

import (
	"time"

	"github.com/labstack/echo/v4"

	"github.com/talkincode/wabridge/internal/webserver"
)

func registerHealthRoutes() {
	webserver.ApiGET("/", health, webserver.Route{Limit: webserver.LimitAPI})
}

func health(c echo.Context) error {
	return ok(c, map[string]interface{}{
		"status":    "Backend up",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   deps.Config.System.Version,
	})
}
