package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aman-churiwal/monetization-gateway/internal/clock"
	"github.com/aman-churiwal/monetization-gateway/internal/config"
	"github.com/aman-churiwal/monetization-gateway/internal/logger"
	"github.com/aman-churiwal/monetization-gateway/internal/metrics"
	"github.com/aman-churiwal/monetization-gateway/internal/ratelimit"
	"github.com/aman-churiwal/monetization-gateway/internal/reconcile"
	"github.com/aman-churiwal/monetization-gateway/internal/repository"
	"github.com/aman-churiwal/monetization-gateway/internal/server"
	"github.com/aman-churiwal/monetization-gateway/internal/storage"
	"github.com/aman-churiwal/monetization-gateway/internal/usage"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	// Load env if it exists
	_ = godotenv.Load()

	configPath := os.Getenv("GATEWAY_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLog := logger.New(logger.DefaultConfig())
		bootLog.Fatal("Failed to load config", zap.Error(err))
	}

	log := logger.New(cfg.Log.Logger())
	defer func() { _ = log.Sync() }()

	postgres, err := storage.NewPostgres(cfg.Database, log, logger.GormLevel(cfg.Log.Level))
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer postgres.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.AutoMigrate(); err != nil {
			log.Fatal("Failed to migrate database", zap.Error(err))
		}
	}
	log.Info("Connected to database successfully")

	var redis *storage.RedisClient
	if cfg.Redis.Enabled() {
		redis, err = storage.NewRedis(cfg.Redis.GetRedisAddr(), cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer redis.Close()
		log.Info("Connected to redis successfully")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	clk := clock.Real{}

	customers := repository.NewCustomerRepository(postgres)
	logs := repository.NewUsageLogRepository(postgres)
	summaries := repository.NewSummaryRepository(postgres)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	trackers := newTrackerStore(cfg, postgres, redis)
	if evictor, ok := trackers.(ratelimit.Evictor); ok {
		go ratelimit.RunJanitor(ctx, evictor, clk, cfg.RateLimit.CleanupInterval, cfg.RateLimit.IdleTTL, log.Named("ratelimit"))
	}
	log.Info("Rate limit tracker store selected", zap.String("store", cfg.RateLimit.TrackerStore))

	limiter := ratelimit.NewLimiter(customers, trackers,
		ratelimit.WithClock(clk),
		ratelimit.WithStorageTimeout(cfg.RateLimit.StorageTimeout),
		ratelimit.WithLogger(log.Named("ratelimit")),
	)

	recorder := usage.NewRecorder(customers, logs,
		usage.WithClock(clk),
		usage.WithStorageTimeout(cfg.Usage.StorageTimeout),
		usage.WithMetrics(m),
		usage.WithLogger(log.Named("usage")),
	)
	dispatcher := usage.NewDispatcher(recorder, cfg.Usage.QueueSize, cfg.Usage.Workers, m, log.Named("usage"))
	dispatcher.Start()

	reconciler := reconcile.New(customers, logs, summaries, cfg.Reconcile,
		reconcile.WithClock(clk),
		reconcile.WithMetrics(m),
		reconcile.WithLogger(log.Named("reconcile")),
	)
	if err := reconciler.Start(ctx); err != nil {
		log.Fatal("Failed to start reconciler", zap.Error(err))
	}

	srv, err := server.New(server.Deps{
		Config:     cfg,
		Postgres:   postgres,
		Redis:      redis,
		Limiter:    limiter,
		Usage:      dispatcher,
		Recorder:   recorder,
		Reconciler: reconciler,
		Gatherer:   registry,
		Metrics:    m,
		Clock:      clk,
		Logger:     log,
	})
	if err != nil {
		log.Fatal("Failed to build server", zap.Error(err))
	}

	go func() {
		addr := ":" + cfg.Server.Port
		if err := srv.Run(addr); err != nil {
			log.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Error("Usage queue not drained", zap.Error(err))
	}
	if err := reconciler.Stop(shutdownCtx); err != nil {
		log.Error("Reconciler did not stop cleanly", zap.Error(err))
	}
	stop()

	log.Info("Gateway exited")
}

func newTrackerStore(cfg *config.Config, postgres *storage.Postgres, redis *storage.RedisClient) ratelimit.TrackerStore {
	switch cfg.RateLimit.TrackerStore {
	case config.TrackerStoreRedis:
		return ratelimit.NewRedisTrackerStore(redis, cfg.RateLimit.IdleTTL)
	case config.TrackerStorePostgres:
		return ratelimit.NewPostgresTrackerStore(repository.NewRateLimitRepository(postgres))
	default:
		return ratelimit.NewMemoryTrackerStore()
	}
}
