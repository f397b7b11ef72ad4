package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// errorHandler turns anything a handler returns or panics with into the
// standard envelope. Internal details never reach the client.
func errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
		code = he.Code
	}

	// A signup request the framework refused before the handler ran (oversized
	// or unreadable body) gets the same answer as a bad address.
	if code < http.StatusInternalServerError && isSignup(c) {
		switch code {
		case http.StatusRequestEntityTooLarge, http.StatusBadRequest, http.StatusUnsupportedMediaType:
			if err := invalidEmail(c); err != nil {
				logger.Log.Warn("write error response", zap.Error(err))
			}
			return
		}
	}

	resp := model.APIResponse{Success: false}
	if code >= http.StatusInternalServerError {
		metrics.RequestsTotal.WithLabelValues(model.OutcomeServerError.String()).Inc()
		logger.Log.Error("unhandled request error",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Path()),
			zap.Error(err),
		)
		resp.Error = model.MsgServerError
	} else {
		resp.Error = strings.ToLower(http.StatusText(code))
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, resp)
	}
	if err != nil {
		logger.Log.Warn("write error response", zap.Error(err))
	}
}

func isSignup(c echo.Context) bool {
	r := c.Request()
	return r.Method == http.MethodPost && r.URL.Path == signupPath
}
