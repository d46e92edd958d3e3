package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/platform/auth"
	"github.com/hmis/billing/internal/platform/db"
)

func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			var evt *zerolog.Event
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
				if err != nil {
					evt = evt.Str("error", err.Error())
				}
			default:
				evt = logger.Info()
			}

			ctx := c.Request().Context()
			evt.
				Str("request_id", rid).
				Str("tenant_id", db.TenantFromContext(ctx)).
				Str("user_id", auth.UserIDFromContext(ctx)).
				Str("method", req.Method).
				Str("path", req.URL.Path).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP()).
				Msg("request")

			return err
		}
	}
}
