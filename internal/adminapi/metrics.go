package adminapi

import (
	"net/http"
	"time"

	"github.com/araddon/dateparse"
	"github.com/labstack/echo/v4"

	"github.com/talkincode/wabridge/internal/webserver"
	"github.com/talkincode/wabridge/pkg/metrics"
)

func registerMetricsRoutes() {
	webserver.ApiGET("/admin/metrics/messages", messageMetrics, webserver.Route{Auth: true, Limit: webserver.LimitAPI})
}

// messageMetrics reports the caller's relayed message counts per bucket.
// since accepts any common date format and defaults to the last 24 hours.
func messageMetrics(c echo.Context) error {
	since := time.Now().Add(-24 * time.Hour)
	if raw := c.QueryParam("since"); raw != "" {
		t, err := dateparse.ParseAny(raw)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_SINCE", "Unable to parse since", raw)
		}
		since = t
	}
	bucket := time.Hour
	if raw := c.QueryParam("bucket"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < time.Minute {
			return fail(c, http.StatusBadRequest, "INVALID_BUCKET", "bucket must be a duration of at least 1m", raw)
		}
		bucket = d
	}

	userID := tenant(c)
	inbound, err := metrics.Series(metrics.MessagesIn, since, bucket, "user", userID)
	if err != nil {
		return handleError(c, err, "Failed to query metrics")
	}
	outbound, err := metrics.Series(metrics.MessagesOut, since, bucket, "user", userID)
	if err != nil {
		return handleError(c, err, "Failed to query metrics")
	}
	return ok(c, map[string]interface{}{
		"since":    since,
		"bucket":   bucket.String(),
		"inbound":  inbound,
		"outbound": outbound,
		"totals": map[string]float64{
			"in":  sum(inbound),
			"out": sum(outbound),
		},
	})
}

func sum(points []metrics.Point) float64 {
	var total float64
	for _, p := range points {
		total += p.Value
	}
	return total
}
