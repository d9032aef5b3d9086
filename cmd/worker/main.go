package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/gatehouse-iam/gatehouse/internal/app"
	"github.com/gatehouse-iam/gatehouse/internal/guard"
	"github.com/gatehouse-iam/gatehouse/internal/observability"
	"github.com/gatehouse-iam/gatehouse/internal/platform/cache"
	"github.com/gatehouse-iam/gatehouse/internal/platform/db"
	"github.com/gatehouse-iam/gatehouse/internal/rbac"
	"github.com/gatehouse-iam/gatehouse/internal/tenancy"
	"github.com/gatehouse-iam/gatehouse/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	guards := guard.NewResolver(cfg.DefaultGuard, cfg.Guards)
	tenants := tenancy.NewResolver(cfg.Mode(), nil)
	locales := rbac.NewLocalePolicy(cfg.LocalesEnabled, cfg.Locales, cfg.DefaultLocale, cfg.FallbackLocale)

	var backend rbac.Cache
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, using in-process cache", slog.Any("error", err))
		backend = rbac.NewMemoryCache()
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		backend = rbac.NewRedisCache(redisClient)
	}

	keys := rbac.NewKeyBuilder(cfg.CachePrefix, cfg.CacheEnabled, cfg.CacheTTL, backend, guards, tenants, locales, logger)
	cacheMetrics := observability.NewCacheMetrics(nil)

	store := rbac.NewRepository(pool)
	matrix := rbac.NewMatrixService(store, keys, guards, locales, logger, cacheMetrics)

	seed, err := cfg.LoadSeed()
	if err != nil {
		logger.Error("load seed", slog.Any("error", err))
		os.Exit(1)
	}
	syncService := rbac.NewSyncService(store, keys, matrix, guards, seed, nil, logger)

	tasks := jobs.NewHandlers(matrix, syncService, guards, tenants, logger)

	var cron []jobs.CronRegistration
	if cfg.SeedFile != "" {
		seedTask, err := jobs.NewSeedSyncTask(jobs.SeedSyncPayload{})
		if err != nil {
			logger.Error("build seed sync task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron, jobs.CronRegistration{
			Spec:    "0 3 * * *",
			Task:    seedTask,
			Options: []asynq.Option{asynq.MaxRetry(3)},
		})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Tasks:     tasks,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
