package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"hospsurvey/internal/app"
	"hospsurvey/internal/cache"
	"hospsurvey/internal/config"
	"hospsurvey/internal/database"
	"hospsurvey/internal/log"
	"hospsurvey/internal/metrics"
	"hospsurvey/internal/queue"
	"hospsurvey/internal/storage"
	"hospsurvey/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment).With().Str("service", "worker").Logger()
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	var objectStore *storage.ObjectStore
	if cfg.Storage.Endpoint != "" {
		if objectStore, err = storage.NewObjectStore(cfg.Storage); err != nil {
			logger.Fatal().Err(err).Msg("failed to init object store")
		}
		if err := objectStore.EnsureBuckets(ctx); err != nil {
			logger.Warn().Err(err).Msg("ensure buckets failed")
		}
	}

	components, err := app.Build(ctx, cfg, logger, dbPool, client, objectStore)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build security core")
	}

	processor := tasks.NewProcessor(components.Alerts, components.Admin, tasks.Defaults{
		WindowHours:      cfg.Alerts.WindowHours,
		InactiveUserDays: cfg.Session.InactiveUserDays,
	}, logger)
	consumer := queue.NewConsumer(
		client,
		cfg.Queue.Stream,
		cfg.Queue.Group,
		cfg.Queue.Consumer,
		cfg.Queue.ClaimInterval,
		logger,
		processor,
	)

	go func() {
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Fatal().Err(err).Msg("consumer stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")
	time.Sleep(500 * time.Millisecond)
}
