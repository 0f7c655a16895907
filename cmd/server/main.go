package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storefront/backend/internal/cache"
	"storefront/backend/internal/checkout"
	"storefront/backend/internal/config"
	"storefront/backend/internal/domain"
	"storefront/backend/internal/events"
	"storefront/backend/internal/httpapi"
	"storefront/backend/internal/idempotency"
	"storefront/backend/internal/logging"
	"storefront/backend/internal/service"
	"storefront/backend/internal/store"
	"storefront/backend/internal/store/memory"
	pgstore "storefront/backend/internal/store/postgres"
)

// backend is the storage both the service and the auth manager need.
type backend interface {
	store.Repository
	httpapi.UserStore
}

func main() {
	cfg, err := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var repo backend
	closers := make([]func() error, 0, 3)
	checks := map[string]httpapi.HealthCheck{}

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "error", err)
			os.Exit(1)
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
		repo = pg
		closers = append(closers, pg.Close)
		checks["postgres"] = pg.Ping
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	promoCache := cache.PromotionCache(cache.NoopPromotionCache{})
	idemStore := idempotency.Store(idempotency.NewMemoryStore(time.Duration(cfg.IdempotencyTTLMinutes) * time.Minute))
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, using noop promotion cache and in-process idempotency", "error", err)
			_ = rdb.Close()
		} else {
			promoCache = cache.NewRedisPromotionCache(rdb)
			idemStore = idempotency.NewRedisStore(rdb, time.Duration(cfg.IdempotencyTTLMinutes)*time.Minute)
			closers = append(closers, rdb.Close)
			checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	publisher := events.Publisher(events.NoopPublisher{})
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err == nil {
			err = kp.Ping(ctx)
		}
		if err != nil {
			logger.Warn("kafka unavailable, events will not be published", "error", err)
			if kp != nil {
				_ = kp.Close()
			}
		} else {
			publisher = kp
			closers = append(closers, kp.Close)
			checks["kafka"] = kp.Ping
			logger.Info("events: kafka", "topic", cfg.KafkaTopic)
		}
	} else {
		logger.Info("events: noop")
	}

	svc := service.New(repo, service.Options{
		TaxRatePercent: cfg.TaxRatePercent,
		PromotionCache: promoCache,
		PromotionTTL:   time.Duration(cfg.PromotionCacheTTLSeconds) * time.Second,
		Publisher:      publisher,
		Logger:         logger,
	})
	coordinator := checkout.NewCoordinator(checkout.Deps{
		Catalog:     svc,
		Orders:      svc,
		Sales:       svc,
		Ledger:      svc,
		Calculator:  svc.Calculator(),
		Idempotency: idemStore,
		Publisher:   publisher,
		Logger:      logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	if cfg.BootstrapAdminUsername != "" {
		created, err := auth.EnsureUser(ctx, cfg.BootstrapAdminUsername, cfg.BootstrapAdminPassword, domain.RoleAdmin)
		if err != nil {
			logger.Error("bootstrap admin failed", "username", cfg.BootstrapAdminUsername, "error", err)
			os.Exit(1)
		}
		if created {
			logger.Info("bootstrap admin created", "username", cfg.BootstrapAdminUsername)
		}
	}

	api := httpapi.New(svc, coordinator, auth, cfg.AllowedOrigin, logger)
	for name, check := range checks {
		api.AddHealthCheck(name, check)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("storefront backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", "error", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", "error", err)
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.BootstrapAdminUsername != "" && len(cfg.BootstrapAdminPassword) < 12 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters")
	}
	return nil
}
