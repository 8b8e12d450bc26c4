package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	api "event-replay-service/internal/api"
	"event-replay-service/internal/archive"
	"event-replay-service/internal/config"
	"event-replay-service/internal/events"
	"event-replay-service/internal/housekeeping"
	"event-replay-service/internal/lock"
	"event-replay-service/internal/ratelimit"
	"event-replay-service/internal/replay"
	"event-replay-service/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "replay-api", "env", cfg.Env)
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
	if cfg.Env == "dev" {
		if err := gateway.EnsureTables(ctx); err != nil {
			fatal(logger, "ensure event tables", err)
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	limiter := ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	locker := lock.NewRedisLocker(rdb, cfg.HousekeepingLockTTL)

	archiver, err := archive.New(ctx, cfg)
	if err != nil {
		fatal(logger, "init archive", err)
	}
	var archiveFn housekeeping.ArchiveFactory
	if archiver != nil {
		archiveFn = archiver.Func
	}

	endpoint := replay.NewHTTPEndpoint(cfg.ReplayEndpointURL, &http.Client{})
	coordinator := replay.NewCoordinator(cfg, st, gateway, endpoint, logger)
	engine := housekeeping.NewFromConfig(cfg, st, gateway, archiveFn, locker, logger)

	server := api.New(cfg, st, coordinator, engine, limiter, st, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "event_keys", registry.Keys())
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "listen", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	logger.Info("api stopped")
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "err", err)
	os.Exit(1)
}
