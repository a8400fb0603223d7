package middleware

import (
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/context"
)

// quietPrefixes are probe and scrape paths logged at debug level.
var quietPrefixes = []string{"/metrics", "/api/v1/health"}

// Logger logs one line per request after the error handler has written the response.
func Logger(logger ectologger.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			ctx := req.Context()
			fields := map[string]any{
				"request_id":    context.GetRequestID(ctx),
				"method":        req.Method,
				"route":         context.GetRoute(ctx),
				"uri":           req.RequestURI,
				"status":        res.Status,
				"remote_ip":     context.GetRemoteIP(ctx),
				"user_agent":    req.UserAgent(),
				"response_time": time.Since(start).String(),
				"response_size": res.Size,
			}
			if feed := context.GetFeed(ctx); feed != "" {
				fields["feed"] = feed
			}

			log := logger.WithContext(ctx).WithFields(fields)
			if isQuiet(req.URL.Path) {
				log.Debug("Request")
			} else {
				log.Info("Request")
			}
			return nil
		}
	}
}

func isQuiet(path string) bool {
	for _, prefix := range quietPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
