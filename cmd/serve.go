package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/newsletter-gateway/internal/config"
	"github.com/jmehdipour/newsletter-gateway/internal/db"
	httpSrv "github.com/jmehdipour/newsletter-gateway/internal/http"
	"github.com/jmehdipour/newsletter-gateway/internal/logger"
	"github.com/jmehdipour/newsletter-gateway/internal/metrics"
	"github.com/jmehdipour/newsletter-gateway/internal/provider"
	"github.com/jmehdipour/newsletter-gateway/internal/ratelimit"
	"github.com/jmehdipour/newsletter-gateway/internal/repository"
	"github.com/jmehdipour/newsletter-gateway/internal/service/events"
	"github.com/jmehdipour/newsletter-gateway/internal/util"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var closers []func() error
		defer func() {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i]()
			}
		}()

		// rate limiter
		limiter, closeLimiter, err := buildLimiter(ctx, cfg)
		if err != nil {
			return err
		}
		if closeLimiter != nil {
			closers = append(closers, closeLimiter)
		}

		// upstream
		if cfg.Kit.APIKey == "" || cfg.Kit.FormID == "" {
			logger.Log.Warn("KIT_API_KEY or KIT_FORM_ID not set, every signup will fail with server_error")
		}
		kit := provider.NewKitProvider(provider.KitConfig{
			BaseURL:       cfg.Kit.BaseURL,
			APIKey:        cfg.Kit.APIKey,
			FormID:        cfg.Kit.FormID,
			Tag:           cfg.Kit.Tag,
			Source:        cfg.Kit.Source,
			Timeout:       cfg.Kit.Timeout,
			RPS:           cfg.Kit.RPS,
			Burst:         cfg.Kit.Burst,
			FailThreshold: cfg.Kit.Breaker.FailThreshold,
			OpenFor:       cfg.Kit.Breaker.OpenFor,
		})

		deps := httpSrv.Deps{Limiter: limiter, Provider: kit, Recorder: events.Nop{}}

		// event trail (MySQL + outbox)
		if cfg.RecordingEnabled() {
			if cfg.Recorder.HashKey == "" {
				return errors.New("recorder.hash_key is required when mysql.dsn is set")
			}
			deps.Hasher = util.NewEmailHasher(cfg.Recorder.HashKey)

			mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOptsFrom(cfg.MySQL))
			if err != nil {
				return fmt.Errorf("mysql connect: %w", err)
			}
			closers = append(closers, mysqlDB.Close)

			deps.Recorder = events.New(
				mysqlDB,
				repository.NewEventsRepository(mysqlDB),
				repository.NewOutboxRepository(mysqlDB),
				cfg.Kafka.Topic,
			)
		}

		// reports (ClickHouse)
		if cfg.ReportsEnabled() {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, db.PoolOptsFrom(cfg.ClickHouse))
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			closers = append(closers, chDB.Close)
			deps.Reports = repository.NewCHEventsRepository(chDB)
		}

		server := httpSrv.NewServer(cfg, deps)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			logger.Log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Error("http server exited", zap.Error(err))
				return err
			}
		}

		timeout := cfg.HTTP.ShutdownTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return server.Shutdown(sctx)
	},
}

// buildLimiter picks the rate limit backend. The memory store's janitor
// lives as long as ctx.
func buildLimiter(ctx context.Context, cfg config.Config) (ratelimit.Limiter, func() error, error) {
	policy := ratelimit.Policy{
		MaxRequests: cfg.RateLimit.Endpoint.MaxRequests,
		Window:      cfg.RateLimit.Endpoint.Window,
	}

	switch cfg.RateLimit.Backend {
	case "redis":
		rdb, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		logger.Log.Info("rate limiter: redis", zap.String("addr", cfg.Redis.Addr))
		return ratelimit.NewRedisLimiter(rdb, policy, cfg.RateLimit.KeyPrefix), rdb.Close, nil

	case "", "memory":
		store := ratelimit.NewMemoryStore(ratelimit.WithMaxEntries(cfg.RateLimit.MaxEntries))
		store.StartJanitor(ctx, cfg.RateLimit.SweepEvery, func(removed int) {
			metrics.RateLimitSwept.Add(float64(removed))
		})
		logger.Log.Info("rate limiter: memory",
			zap.Int("max_requests", policy.MaxRequests),
			zap.Duration("window", policy.Window),
		)
		return ratelimit.NewFixedWindow(policy, store), nil, nil

	default:
		return nil, nil, fmt.Errorf("unknown rate_limit.backend %q", cfg.RateLimit.Backend)
	}
}
