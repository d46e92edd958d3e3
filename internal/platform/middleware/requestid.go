package middleware

import (
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

const RequestIDHeader = echo.HeaderXRequestID

// RequestID keeps an incoming X-Request-ID or generates one, echoes it in the
// response and stores it under "request_id" for the logger.
func RequestID() echo.MiddlewareFunc {
	return echomw.RequestIDWithConfig(echomw.RequestIDConfig{
		TargetHeader: RequestIDHeader,
		RequestIDHandler: func(c echo.Context, id string) {
			c.Set("request_id", id)
		},
	})
}
