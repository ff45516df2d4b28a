// Package envelope renders every API response as
// {"success": bool, "message": string, "data": any, "error": string}.
package envelope

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/rcm/internal/platform/apperr"
)

type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func OK(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{Success: true, Data: data})
}

func Created(c echo.Context, message string, data interface{}) error {
	return c.JSON(http.StatusCreated, Response{Success: true, Message: message, Data: data})
}

func Accepted(c echo.Context, message string, data interface{}) error {
	return c.JSON(http.StatusAccepted, Response{Success: true, Message: message, Data: data})
}

func Message(c echo.Context, status int, message string) error {
	return c.JSON(status, Response{Success: status < 400, Message: message})
}

// ErrorHandler replaces echo's default error handler. Driver and other
// unclassified errors are logged with the request id and answered with a
// fixed message.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		status := http.StatusInternalServerError
		msg := ""

		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else if he.Message != nil {
				msg = fmt.Sprintf("%v", he.Message)
			}
			if he.Internal != nil && apperr.Status(he.Internal) != http.StatusInternalServerError {
				status = apperr.Status(he.Internal)
				msg = apperr.Message(he.Internal)
			}
		} else {
			status = apperr.Status(err)
			msg = apperr.Message(err)
		}

		if status >= http.StatusInternalServerError {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).
				Str("request_id", rid).
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Msg("request failed")
			if status == http.StatusInternalServerError {
				msg = "internal server error"
			}
		}
		if msg == "" {
			msg = http.StatusText(status)
		}

		resp := Response{Success: false, Message: msg, Error: http.StatusText(status)}
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(status)
		} else {
			err = c.JSON(status, resp)
		}
		if err != nil {
			logger.Error().Err(err).Msg("write error response")
		}
	}
}
