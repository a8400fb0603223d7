package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Okossum/utilization-sub004/pkg/context"
)

// Context copies request metadata into the request context and echoes the request id back.
// Routes with a :feed parameter also tag the context with the feed.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := context.SetRequestID(req.Context(), requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, c.Path())
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			if feed := c.Param("feed"); feed != "" {
				ctx = context.SetFeed(ctx, feed)
			}

			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}
