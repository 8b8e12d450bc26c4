package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"event-replay-service/internal/archive"
	"event-replay-service/internal/config"
	"event-replay-service/internal/events"
	"event-replay-service/internal/housekeeping"
	"event-replay-service/internal/lock"
	"event-replay-service/internal/store"
	"event-replay-service/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "housekeeper", "env", cfg.Env)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN, logger)
	if err != nil {
		fatal(logger, "connect postgres", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		fatal(logger, "migrations", err)
	}

	registry, err := events.NewRegistry(cfg.EventKeys)
	if err != nil {
		fatal(logger, "event keys", err)
	}
	gateway := events.NewGateway(st.Pool(), registry)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	locker := lock.NewRedisLocker(rdb, cfg.HousekeepingLockTTL)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		fatal(logger, "init archive", err)
	}
	var archiveFn housekeeping.ArchiveFactory
	if archiver != nil {
		archiveFn = archiver.Func
	}

	engine := housekeeping.NewFromConfig(cfg, st, gateway, archiveFn, locker, logger)
	scheduler, err := housekeeping.NewScheduler(engine, cfg.HousekeepingCron, logger)
	if err != nil {
		fatal(logger, "scheduler", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", "err", err)
		}
	}()

	logger.Info("housekeeper started",
		"cron", cfg.HousekeepingCron,
		"timezone", cfg.HousekeepingTimezone,
		"batch_size", cfg.HousekeepingBatchSize,
		"retention_days", cfg.RetentionDays,
		"archive", archiver != nil,
	)
	scheduler.Start(ctx)
	<-ctx.Done()
	scheduler.Stop()
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
