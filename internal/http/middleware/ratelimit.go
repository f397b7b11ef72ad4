package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmehdipour/newsletter-gateway/internal/ratelimit"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const ctxClientKey = "client_key"

// ClientKeyFromCtx returns the rate-limit key stored by RateLimitMiddleware.
func ClientKeyFromCtx(c echo.Context) string {
	v, _ := c.Get(ctxClientKey).(string)
	return v
}

// RateLimitConfig configures the per-client admission check.
type RateLimitConfig struct {
	Limiter        ratelimit.Limiter
	KeyFunc        func(c echo.Context) string // default: c.RealIP()
	RetryAfterHint bool                        // set Retry-After header when limited
	Now            func() time.Time
}

// RateLimitMiddleware rejects requests over the client's fixed-window budget
// with 429 and the RATE_LIMITED envelope.
func RateLimitMiddleware(cfg RateLimitConfig) echo.MiddlewareFunc {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = func(c echo.Context) string { return c.RealIP() }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := cfg.KeyFunc(c)
			if key == "" {
				key = "unknown"
			}
			c.Set(ctxClientKey, key)

			if cfg.Limiter == nil {
				return next(c)
			}

			ctx := c.Request().Context()
			now := cfg.Now()
			if cfg.Limiter.Allow(ctx, key, now) {
				metrics.RateLimitTotal.WithLabelValues("allowed").Inc()
				return next(c)
			}

			metrics.RateLimitTotal.WithLabelValues("denied").Inc()
			metrics.RequestsTotal.WithLabelValues(model.OutcomeRateLimited.String()).Inc()
			logger.Log.Info("signup rate limited", zap.String("client", key))

			if cfg.RetryAfterHint {
				if e, ok := cfg.Limiter.Peek(ctx, key); ok {
					if wait := ratelimit.RetryAfter(e, now); wait > 0 {
						c.Response().Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)))
					}
				}
			}
			return c.JSON(http.StatusTooManyRequests, model.APIResponse{
				Success: false,
				Error:   model.CodeRateLimited,
				Message: model.MsgRateLimited,
			})
		}
	}
}
