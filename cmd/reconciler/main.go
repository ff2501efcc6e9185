package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"chatwire.app/sessiond/common/logger"
	"chatwire.app/sessiond/common/otel"
	"chatwire.app/sessiond/core/config"
	"chatwire.app/sessiond/core/db"
	"chatwire.app/sessiond/internal/reconciler"
	"chatwire.app/sessiond/internal/tenant"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeReconciler)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load config", "error", err)
		os.Exit(1)
	}

	// OTel must init before logger (logger uses OTel provider in production)
	telemetry, err := otel.Setup(ctx, cfg.OTel)
	if err != nil {
		// Can't use slog yet — OTel failed before logger setup
		os.Stderr.WriteString("failed to initialize otel: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger.Setup(cfg)

	slog.InfoContext(ctx, "reconciler starting",
		"env", cfg.Env,
		"topic", cfg.Redis.EventChannel)

	redisOpts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		slog.ErrorContext(ctx, "failed to parse redis url", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.ErrorContext(ctx, "failed to connect to redis", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "redis connected")

	controlDB, err := db.New(ctx, cfg.ControlDB)
	if err != nil {
		slog.ErrorContext(ctx, "failed to connect to control database", "error", err)
		os.Exit(1)
	}
	defer controlDB.Close()
	slog.InfoContext(ctx, "control database connected")

	tenants := tenant.NewResolver(controlDB, cfg.Tenant)
	defer tenants.Close()

	sub := reconciler.NewSubscriber(redisClient, cfg.Redis.EventChannel, reconciler.New(tenants))
	if err := sub.Start(ctx); err != nil {
		slog.ErrorContext(ctx, "failed to start subscriber", "error", err)
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")
	sub.Stop()

	if telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(ctx, "shutdown complete")
}
