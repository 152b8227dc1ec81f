package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ErrorHandler renders handler errors as {"error": message}. Messages of
// non-HTTP errors are never exposed; they are logged and answered with a
// generic 500.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "Internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			msg = fmt.Sprint(he.Message)
			if he.Internal != nil && code >= http.StatusInternalServerError {
				rid, _ := c.Get("request_id").(string)
				logger.Error().Err(he.Internal).
					Str("request_id", rid).
					Str("route", c.Path()).
					Msg("request failed")
			}
		} else {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("route", c.Path()).
				Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, map[string]string{"error": msg})
		}
		if werr != nil {
			logger.Warn().Err(werr).Msg("writing error response")
		}
	}
}
