package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout puts a deadline on the request context and answers 504 when
// the handler gives up because of it. The handler runs on the request
// goroutine, so nothing writes to the response after the middleware returns.
// The live event stream under /api/v1/ws is long-lived and exempt.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	if timeout <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Timeout: timeout,
		Skipper: func(c echo.Context) bool {
			return strings.HasSuffix(c.Request().URL.Path, "/ws")
		},
		ErrorHandler: func(err error, c echo.Context) error {
			if errors.Is(err, context.DeadlineExceeded) && !c.Response().Committed {
				return echo.NewHTTPError(http.StatusGatewayTimeout, "request processing exceeded the allowed time limit").SetInternal(err)
			}
			return err
		},
	})
}
