package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imagevault/imagevault/internal/api"
	"github.com/imagevault/imagevault/internal/cache"
	"github.com/imagevault/imagevault/internal/config"
	"github.com/imagevault/imagevault/internal/logging"
	"github.com/imagevault/imagevault/internal/lqip"
	"github.com/imagevault/imagevault/internal/pathconfig"
	"github.com/imagevault/imagevault/internal/pipeline"
	"github.com/imagevault/imagevault/internal/ratelimit"
	"github.com/imagevault/imagevault/internal/scheduler"
	"github.com/imagevault/imagevault/internal/storage"
	"github.com/imagevault/imagevault/internal/store"
	"github.com/imagevault/imagevault/internal/sweeper"
	"github.com/imagevault/imagevault/internal/telemetry"
	"github.com/imagevault/imagevault/internal/variant"
	"github.com/imagevault/imagevault/internal/webhook"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Log.Level, cfg.Log.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure: cfg.Telemetry.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("setup tracing failed")
	}

	if err := pipeline.Startup(); err != nil {
		logger.Fatal().Err(err).Msg("pipeline startup failed")
	}
	defer pipeline.Shutdown()

	repo, err := store.NewPostgresRepository(ctx, cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect to postgres failed")
	}
	defer repo.Close()

	blobs, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("create storage client failed")
	}
	if err := blobs.EnsureBucket(ctx, cfg.Storage.Bucket); err != nil {
		logger.Fatal().Err(err).Msg("ensure bucket failed")
	}

	var redisClient redis.UniversalClient
	if cfg.Cache.Enabled || cfg.RateLimit.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()

	var variantCache variant.Cache
	if cfg.Cache.Enabled {
		variantCache = cache.NewVariantCache(redisClient, cfg.Cache.TTL, logger, cache.NewMetrics(registry))
	}

	sched := scheduler.New(scheduler.Config{
		Workers:             cfg.Scheduler.Workers,
		Weight:              cfg.Scheduler.Weight,
		HighPriorityBacklog: cfg.Scheduler.HighPriorityBacklog,
		BackgroundBacklog:   cfg.Scheduler.BackgroundBacklog,
	}, logger, scheduler.NewMetrics(registry))

	resolver, err := loadResolver(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("load path configs failed")
	}

	var notifier variant.Notifier
	if cfg.Webhook.Endpoint != "" {
		notifier = webhook.NewClient(webhook.Config{
			SigningSecret: cfg.Webhook.SigningSecret,
			MaxAttempts:   3,
		})
	}

	svc := variant.NewService(variant.Deps{
		Repo:            repo,
		Blobs:           blobs,
		Cache:           variantCache,
		Scheduler:       sched,
		Backend:         pipeline.NewBackend(),
		Resolver:        resolver,
		Bucket:          cfg.Storage.Bucket,
		Logger:          logger,
		Notifier:        notifier,
		WebhookEndpoint: cfg.Webhook.Endpoint,
	})
	sched.Start(svc.ExecuteJob)

	sweep := sweeper.New(repo, blobs, sweeper.Config{
		GraceWindow: cfg.Sweeper.GraceWindow,
		Interval:    cfg.Sweeper.Interval,
		BatchSize:   cfg.Sweeper.BatchSize,
	}, logger, sweeper.NewMetrics(registry))
	if err := sweep.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start sweeper failed")
	}

	var limiter api.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window, "")
		if err != nil {
			logger.Fatal().Err(err).Msg("create rate limiter failed")
		}
	}

	app := api.NewServer(api.Options{
		Logger:      logger,
		Service:     svc,
		Registry:    registry,
		RateLimiter: limiter,
	})

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.API.Addr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful http shutdown failed")
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scheduler drain incomplete")
	}
	sweep.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown failed")
	}
}

func loadResolver(cfg config.Config, logger zerolog.Logger) (pathconfig.Resolver, error) {
	fallback := pathconfig.Config{
		Bucket:         cfg.Storage.Bucket,
		LQIPAlgorithms: []string{lqip.AlgorithmBlurhash},
	}

	if cfg.API.PathConfigFile == "" {
		return pathconfig.NewStaticResolver(nil, fallback), nil
	}

	data, err := os.ReadFile(cfg.API.PathConfigFile)
	if err != nil {
		return nil, err
	}
	configs, err := pathconfig.FromJSON(data)
	if err != nil {
		return nil, err
	}
	logger.Info().Int("configs", len(configs)).Str("file", cfg.API.PathConfigFile).Msg("path configs loaded")
	return pathconfig.NewStaticResolver(configs, fallback), nil
}
