package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/jmehdipour/newsletter-gateway/internal/model"
	echo "github.com/labstack/echo/v4"
)

// APIKeyMiddleware guards operator endpoints with a static X-API-Key.
// An empty expected key rejects everything.
func APIKeyMiddleware(expected string) echo.MiddlewareFunc {
	want := []byte(strings.TrimSpace(expected))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, model.APIResponse{Error: "missing api key"})
			}
			if len(want) == 0 || subtle.ConstantTimeCompare([]byte(key), want) != 1 {
				return c.JSON(http.StatusUnauthorized, model.APIResponse{Error: "invalid api key"})
			}
			return next(c)
		}
	}
}
