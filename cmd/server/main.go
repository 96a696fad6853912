package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meterly/cost-ledger-api/internal/aggregate"
	"github.com/meterly/cost-ledger-api/internal/budget"
	"github.com/meterly/cost-ledger-api/internal/config"
	"github.com/meterly/cost-ledger-api/internal/ledger"
	"github.com/meterly/cost-ledger-api/internal/platform/logger"
	"github.com/meterly/cost-ledger-api/internal/platform/otel"
	"github.com/meterly/cost-ledger-api/internal/pricing"
	"github.com/meterly/cost-ledger-api/internal/server"
	"github.com/meterly/cost-ledger-api/internal/server/validator"
	"github.com/meterly/cost-ledger-api/internal/store"
	"github.com/meterly/cost-ledger-api/internal/store/cache"
	"github.com/meterly/cost-ledger-api/internal/store/memory"
	"github.com/meterly/cost-ledger-api/internal/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Initialize(logger.DefaultConfig())
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	logger.Initialize(logger.DefaultConfig())
	log := logger.Get()
	defer logger.Sync()

	validator.InitValidator()

	shutdownTracer, err := otel.InitTracer("cost-ledger-api", log, os.Stdout)
	if err != nil {
		log.Fatal("Failed to initialize tracer", zap.Error(err))
	}

	repo, err := openStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer func() {
		_ = repo.Close()
	}()

	cacheService := openCache(cfg, log)

	table, err := loadPricing(cfg)
	if err != nil {
		log.Fatal("Failed to load pricing table", zap.Error(err))
	}
	prices := pricing.NewProvider(table)
	log.Info("Pricing table loaded", zap.String("version", table.Version()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aggregator := aggregate.New(log, repo, cfg.Ledger.PeriodTypes)
	reconciler := aggregate.NewReconciler(log, aggregator, cfg.Ledger.ReconcileInterval)
	reconciler.Start(ctx)

	monitor := budget.NewMonitor(log, repo)
	dispatcher := budget.NewDispatcher(log, repo, &budget.LogNotifier{Logger: log})
	dispatcher.Start(ctx)

	service := ledger.NewService(log, repo, prices, aggregator, monitor, dispatcher, cacheService)

	if len(cfg.Server.APIKeys) == 0 {
		log.Warn("No API keys configured, authenticated routes will reject all requests")
	}

	srv := server.New(cfg, log, service, monitor, repo)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      srv.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info("Starting cost ledger", zap.String("port", cfg.Server.Port), zap.String("env", cfg.Server.Env))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}

	// In-flight budget checks must finish before the alert queue closes.
	service.Drain()
	dispatcher.Stop()

	if err := shutdownTracer(shutdownCtx); err != nil {
		log.Error("Tracer shutdown failed", zap.Error(err))
	}
}

func openStore(cfg *config.Config, log *zap.Logger) (store.Repository, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn("Using in-memory store, data will not survive restarts")
		return memory.NewMemoryRepository(), nil
	default:
		return sqlite.NewSQLiteStorage(cfg.Store.DSN, log)
	}
}

func openCache(cfg *config.Config, log *zap.Logger) cache.CacheService {
	if !cfg.Redis.Enabled {
		return cache.NewMemoryCache()
	}
	redisCache, err := cache.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Warn("Redis unreachable, falling back to in-memory cache", zap.Error(err))
		return cache.NewMemoryCache()
	}
	log.Info("Connected to Redis", zap.String("addr", cfg.Redis.Addr))
	return redisCache
}

func loadPricing(cfg *config.Config) (*pricing.Table, error) {
	if cfg.Pricing.Path != "" {
		return pricing.Load(cfg.Pricing.Path)
	}
	return pricing.Default()
}
