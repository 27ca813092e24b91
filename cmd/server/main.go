package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dashauth/internal/api"
	"dashauth/internal/auth"
	"dashauth/internal/config"
	"dashauth/internal/db"
	"dashauth/internal/logging"
	"dashauth/internal/models"
	"dashauth/internal/notify"
	"dashauth/internal/rate"
	"dashauth/internal/security"
	"dashauth/internal/service"
	"dashauth/internal/store"
	"dashauth/internal/validate"
	"dashauth/internal/version"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqdb, err := db.Open(ctx, cfg.DBDriver, cfg.DBDSN, db.PoolConfig{
		MaxOpen:     cfg.DBMaxOpenConns,
		MaxIdle:     cfg.DBMaxIdleConns,
		MaxLifetime: cfg.DBConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer sqdb.Close()
	if err := db.Migrate(ctx, sqdb, cfg.DBDriver, logger); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	st := store.New(sqdb)

	var rdb redis.UniversalClient
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup", zap.Error(err))
		}
	}

	rateStore, err := buildRateStore(cfg.RateLimitStore, rdb, st, logger)
	if err != nil {
		return err
	}
	limiter := rate.NewLimiter(rateStore)

	alerts := security.NewAlertManager(notify.NewSenders(notify.Options{
		Log:          logger,
		WebhookURL:   cfg.AlertWebhookURL,
		Timeout:      cfg.AlertTimeout,
		Redis:        rdb,
		RedisChannel: cfg.AlertRedisChannel,
	}), cfg.AlertTimeout, logger)
	monitor := security.NewMonitor(st, alerts, security.MonitorConfig{
		AlertMinSeverity:   models.Severity(cfg.AlertMinSeverity),
		ThreatHigh:         cfg.ThreatLevelHigh,
		ThreatMedium:       cfg.ThreatLevelMedium,
		AutoBlockThreshold: cfg.AutoBlockThreshold,
	}, logger)
	blocklist := security.NewBlocklist(st, monitor, cfg.BlocklistCacheTTL, logger)
	monitor.SetBlocker(blocklist)

	tokens, err := auth.NewJWTCodec(auth.TokenConfig{
		AccessSecret:  cfg.JWTAccessSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTokenTTL,
		RefreshTTL:    cfg.RefreshTokenTTL,
	})
	if err != nil {
		return fmt.Errorf("token codec: %w", err)
	}
	svc, err := service.New(st, tokens, auth.NewPasswordHasher(cfg.PasswordHashAlgo, cfg.BcryptCost), monitor, blocklist, service.Options{
		PasswordPolicy: validate.PasswordPolicy{MinLength: cfg.PasswordMinLength, MaxLength: cfg.PasswordMaxLength},
		Log:            logger,
	})
	if err != nil {
		return err
	}
	if err := svc.EnsureBootstrapAdmin(ctx, cfg.BootstrapAdminEmail, cfg.BootstrapAdminPassword); err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}

	hsrv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewRouter(api.Deps{
			Config:    cfg,
			Service:   svc,
			Store:     st,
			Limiter:   limiter,
			Monitor:   monitor,
			Blocklist: blocklist,
			Redis:     rdb,
			Log:       logger,
		}),
		ReadTimeout:       time.Duration(cfg.HTTPReadTimeoutSec) * time.Second,
		ReadHeaderTimeout: time.Duration(cfg.HTTPReadHeaderTimeoutSec) * time.Second,
		WriteTimeout:      time.Duration(cfg.HTTPWriteTimeoutSec) * time.Second,
		IdleTimeout:       time.Duration(cfg.HTTPIdleTimeoutSec) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("version", version.Current().Version),
			zap.String("db_driver", cfg.DBDriver))
		if err := hsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hsrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := alerts.Wait(shutdownCtx); err != nil {
		logger.Warn("alerts still in flight at shutdown", zap.Error(err))
	}
	return nil
}

// buildRateStore picks where rate counters live. Shared stores are always
// wrapped with an in-process fallback.
func buildRateStore(kind string, rdb redis.UniversalClient, st *store.Store, logger *zap.Logger) (rate.Store, error) {
	local := rate.NewMemoryStore()
	switch kind {
	case "memory":
		logger.Warn("rate limits are per instance (RATE_LIMIT_STORE=memory)")
		return local, nil
	case "redis":
		if rdb == nil {
			return nil, errors.New("RATE_LIMIT_STORE=redis requires REDIS_URL")
		}
		return rate.NewFallbackStore(rate.NewRedisStore(rdb), local, logger), nil
	case "sql":
		return rate.NewFallbackStore(rate.NewSQLStore(st, logger), local, logger), nil
	case "auto", "":
		if rdb != nil {
			return rate.NewFallbackStore(rate.NewRedisStore(rdb), local, logger), nil
		}
		return rate.NewFallbackStore(rate.NewSQLStore(st, logger), local, logger), nil
	}
	return nil, fmt.Errorf("unknown RATE_LIMIT_STORE %q", kind)
}
