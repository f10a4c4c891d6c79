// Package main is the entry point for the mira control plane: the single
// process that arbitrates mirror commands, owns the UI state tree, and fans
// state patches out to connected clients.
//
// Design constraints (enforced here):
//   - Redis down: commands still arbitrate, state still mutates, events still
//     persist. Only the pub/sub fan-out degrades.
//   - SQLite failure: logged, never aborts a reduction.
//   - Configuration is optional env vars with on-device defaults; the process
//     must come up on a freshly imaged mirror with no external services.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/DMcConnell/mira/internal/arbiter"
	"github.com/DMcConnell/mira/internal/bus"
	"github.com/DMcConnell/mira/internal/config"
	"github.com/DMcConnell/mira/internal/consumer"
	"github.com/DMcConnell/mira/internal/handler"
	"github.com/DMcConnell/mira/internal/hub"
	"github.com/DMcConnell/mira/internal/scheduler"
	"github.com/DMcConnell/mira/internal/state"
	"github.com/DMcConnell/mira/internal/store"
	"github.com/DMcConnell/mira/internal/telemetry"
)

func main() {
	// ── Structured Logger ──────────────────────────────────────────────────
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()

	// ── OpenTelemetry ──────────────────────────────────────────────────────
	if cfg.OTLPEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), "control-plane", cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
			logger.Info("OTel tracer initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), "control-plane", cfg.OTLPEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
	}

	// ── Event Store ────────────────────────────────────────────────────────
	eventStore, err := store.New(context.Background(), cfg.DBPath, logger)
	if err != nil {
		logger.Fatal("failed to open event store", zap.Error(err))
	}
	defer eventStore.Close()
	logger.Info("event store ready", zap.String("path", cfg.DBPath))

	// ── State Recovery ─────────────────────────────────────────────────────
	// The latest snapshot wins; a missing or undecodable snapshot falls back
	// to the default tree rather than blocking startup.
	stateStore := state.NewStore()
	if snap, err := eventStore.LatestSnapshot(context.Background()); err != nil {
		logger.Error("failed to read latest snapshot, starting from defaults", zap.Error(err))
	} else if snap != nil {
		recovered, err := state.NewStoreFromJSON(snap.State)
		if err != nil {
			logger.Error("failed to decode snapshot, starting from defaults", zap.Error(err))
		} else {
			stateStore = recovered
			logger.Info("state recovered from snapshot", zap.String("ts", snap.TS))
		}
	}

	// ── Redis Broker ───────────────────────────────────────────────────────
	busClient, err := bus.NewClient(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("failed to parse REDIS_URL", zap.Error(err))
	}
	defer busClient.Close()

	// ── Arbiter ────────────────────────────────────────────────────────────
	arb := arbiter.New(stateStore, eventStore, busClient, cfg.PrivateModeCode, logger)

	// ── WebSocket Hub & State Consumer ─────────────────────────────────────
	wsHub := hub.New(stateStore, logger)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()
	consumer.NewStateConsumer(busClient, wsHub, logger).Start(consumerCtx)

	// ── Snapshot Scheduler ─────────────────────────────────────────────────
	snapshots := scheduler.NewSnapshotScheduler(stateStore, eventStore, cfg.SnapshotInterval, logger)
	if err := snapshots.Start(); err != nil {
		logger.Fatal("failed to start snapshot scheduler", zap.Error(err))
	}

	// ── HTTP Server ────────────────────────────────────────────────────────
	e := echo.New()
	e.HideBanner = true

	if cfg.OTLPEndpoint != "" {
		e.Use(otelecho.Middleware("control-plane"))
	}

	// Permissive CORS: the mirror UI is served from a separate local origin
	// and producers (voice/gesture pipelines) call from localhost ports.
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{
			echo.HeaderContentType,
			echo.HeaderAccept,
		},
		MaxAge: 3600,
	}))

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	handler.NewCommandHandler(arb, logger).Register(e)
	handler.NewStateHandler(stateStore, eventStore, logger).Register(e)
	handler.NewWSHandler(wsHub).Register(e)

	go func() {
		logger.Info("control-plane listening", zap.String("addr", cfg.ListenAddr))
		if err := e.Start(cfg.ListenAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	// ── Graceful Shutdown ──────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	logger.Info("initiating graceful shutdown")

	snapshots.Stop()
	consumerCancel() // stop the broker relay before dropping WS clients
	wsHub.Shutdown() // Echo's Shutdown does not cover hijacked connections

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}
	logger.Info("control-plane shut down cleanly")
}
