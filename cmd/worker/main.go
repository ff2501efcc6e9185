package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatwire.app/sessiond/common/id"
	"chatwire.app/sessiond/common/logger"
	"chatwire.app/sessiond/common/otel"
	"chatwire.app/sessiond/core/config"
	"chatwire.app/sessiond/core/db"
	"chatwire.app/sessiond/internal/authstate"
	"chatwire.app/sessiond/internal/http/handler"
	"chatwire.app/sessiond/internal/http/middleware"
	httprouter "chatwire.app/sessiond/internal/http/router"
	"chatwire.app/sessiond/internal/protocol"
	"chatwire.app/sessiond/internal/protocol/loopback"
	"chatwire.app/sessiond/internal/registry"
	"chatwire.app/sessiond/internal/supervisor"
	"chatwire.app/sessiond/internal/tenant"

	sessionevents "chatwire.app/sessiond/internal/events"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load(config.ServiceTypeWorker)
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

	if telemetry != nil {
		slog.InfoContext(ctx, "otel initialized", "endpoint", cfg.OTel.Endpoint)
	} else {
		slog.InfoContext(ctx, "otel disabled (no endpoint configured)")
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "worker"
		}
		workerID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}

	// Event ids must stay unique fleet-wide, so each worker hashes its
	// identity onto its own snowflake node.
	if err := id.Init(id.NodeForWorker(workerID)); err != nil {
		slog.ErrorContext(ctx, "failed to initialize snowflake id generator", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "session worker starting", "env", cfg.Env, "worker_id", workerID)

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

	reg := registry.New(redisClient, workerID, cfg.Session.HeartbeatTTL)
	publisher := sessionevents.NewPublisher(redisClient, cfg.Redis.EventChannel)

	var dialer protocol.Dialer
	switch cfg.Session.Driver {
	case "loopback":
		dialer = loopback.NewDialer(cfg.Loopback.PairDelay, cfg.Loopback.PhoneNumber)
		slog.WarnContext(ctx, "using loopback protocol driver; no real messaging traffic")
	default:
		slog.ErrorContext(ctx, "unknown session driver", "driver", cfg.Session.Driver)
		os.Exit(1)
	}

	loadAuth := func(ctx context.Context, organizationID, channelID string) (supervisor.AuthStore, error) {
		channels, err := tenants.Channels(ctx, organizationID)
		if err != nil {
			return nil, err
		}
		return authstate.Load(ctx, channels, channelID, cfg.Session.AuthFlushDelay)
	}

	manager := supervisor.NewManager(supervisor.Config{
		LockTTL:              cfg.Session.LockTTL,
		HeartbeatInterval:    cfg.Session.HeartbeatInterval,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		BackoffBase:          cfg.Session.BackoffBase,
		BackoffCap:           cfg.Session.BackoffCap,
		QRTTL:                cfg.Session.QRTTL,
	}, reg, publisher, dialer, loadAuth)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := setupRouter(cfg, manager, reg)
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.InfoContext(ctx, "control api starting", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.ErrorContext(ctx, "http server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.InfoContext(ctx, "shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.ErrorContext(shutdownCtx, "http server shutdown error", "error", err)
	}

	// Stop sessions after the API: no new starts can arrive, and each stop
	// flushes auth state and releases registry ownership.
	manager.StopAll(shutdownCtx)

	if telemetry != nil {
		if err := telemetry.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(shutdownCtx, "otel shutdown error", "error", err)
		}
	}

	slog.InfoContext(shutdownCtx, "shutdown complete")
}

func setupRouter(cfg config.Config, manager *supervisor.Manager, reg *registry.Registry) *gin.Engine {
	router := gin.New()

	// Order matters: OTel creates span → Recovery catches panics → Logger logs with trace context
	if cfg.OTel.Enabled() {
		router.Use(otelgin.Middleware(cfg.OTel.ServiceName))
	}
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())

	channels := handler.NewChannelHandler(manager, reg, cfg.Session.StartTimeout)
	sessions := handler.NewSessionsHandler(reg)
	httprouter.SetupRoutes(router, channels, sessions)

	return router
}
