package http

import (
	"context"
	"net/http"

	"github.com/jmehdipour/newsletter-gateway/internal/config"
	"github.com/jmehdipour/newsletter-gateway/internal/http/middleware"
	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/model"
	"github.com/jmehdipour/newsletter-gateway/internal/provider"
	"github.com/jmehdipour/newsletter-gateway/internal/ratelimit"
	"github.com/jmehdipour/newsletter-gateway/internal/repository"
	"github.com/jmehdipour/newsletter-gateway/internal/service/events"
	"github.com/jmehdipour/newsletter-gateway/internal/util"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Deps are the collaborators the server routes to. Limiter nil disables rate
// limiting, Recorder nil disables the event trail, Reports nil hides /v1.
// Hasher keys the stored email fingerprint.
type Deps struct {
	Limiter  ratelimit.Limiter
	Provider provider.Provider
	Recorder events.Recorder
	Hasher   *util.EmailHasher
	Reports  repository.CHEventsRepository
}

const signupPath = "/api/newsletter"

type Server struct {
	e     *echo.Echo
	trail *eventTrail
}

func NewServer(cfg config.Config, deps Deps) *Server {
	trail := newEventTrail(deps.Recorder, deps.Hasher, cfg.Recorder.Timeout)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler
	if cfg.HTTP.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(echoMid.Recover(), requestLogger())
	if cfg.HTTP.BodyLimit != "" {
		e.Use(echoMid.BodyLimit(cfg.HTTP.BodyLimit))
	}

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Limiter:        deps.Limiter,
		RetryAfterHint: true,
	})

	// routes
	api := e.Group("/api", middleware.CORS())
	api.POST("/newsletter", subscribeHandler(deps.Provider, trail), rlMW)
	api.OPTIONS("/newsletter", preflightHandler)
	api.GET("/newsletter", formPolicyHandler(model.FormPolicy{
		MaxAttempts:   cfg.RateLimit.Form.MaxRequests,
		WindowSeconds: int(cfg.RateLimit.Form.Window.Seconds()),
	}))

	if deps.Reports != nil && cfg.Reports.APIKey != "" {
		v1 := e.Group("/v1", middleware.APIKeyMiddleware(cfg.Reports.APIKey))
		v1.GET("/reports/subscriptions", listEventsHandler(deps.Reports))
		v1.GET("/reports/summary", summaryHandler(deps.Reports))
	}

	return &Server{e: e, trail: trail}
}

func requestLogger() echo.MiddlewareFunc {
	return echoMid.RequestLoggerWithConfig(echoMid.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogRemoteIP: true,
		LogValuesFunc: func(c echo.Context, v echoMid.RequestLoggerValues) error {
			logger.Log.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("remote_ip", v.RemoteIP),
			)
			return nil
		},
	})
}

func (s *Server) Start(addr string) error {
	logger.Log.Info("http: listening", zap.String("addr", addr))
	return s.e.Start(addr)
}

// Shutdown stops accepting requests, then waits for pending event writes.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.e.Shutdown(ctx)
	if werr := s.trail.wait(ctx); werr != nil {
		logger.Log.Warn("event recordings still pending at shutdown", zap.Error(werr))
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.e.ServeHTTP(w, r) }
