// Package main is the entry point for the Weft coordinator. One binary
// runs the whole service: the HTTP API, the WebSocket hub, and the
// optional NATS bridge, all over shared in-memory registries.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/weftdev/weft/internal/common/config"
	"github.com/weftdev/weft/internal/common/logger"
	"github.com/weftdev/weft/internal/common/tracing"
	"github.com/weftdev/weft/internal/events/bus"
	"github.com/weftdev/weft/internal/gateway"
	"github.com/weftdev/weft/internal/gateway/websocket"
	"github.com/weftdev/weft/internal/natsbridge"
	"github.com/weftdev/weft/internal/project"
	"github.com/weftdev/weft/internal/stats"
	"github.com/weftdev/weft/internal/target"
	"github.com/weftdev/weft/internal/work"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Weft coordinator...")

	// 3. In-process event bus. Every state change flows through here on
	// its way to WebSocket subscribers and the NATS fabric.
	eventBus := bus.New(log)

	// 4. Project manager over the per-project registries
	mechanisms := target.Mechanisms{
		"webhook": target.NewWebhookMechanism(cfg.Targets.WebhookToken),
	}
	projects := project.NewManager(eventBus, work.Config{
		CleanupInterval: cfg.Coordinator.CleanupInterval(),
		StaleThreshold:  cfg.Coordinator.StaleThreshold(),
		MaxAttempts:     cfg.Coordinator.MaxAttempts,
	}, mechanisms, log)

	// 5. Optional NATS bridge
	var bridge *natsbridge.Bridge
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		bridge, err = natsbridge.New(cfg.NATS, projects, eventBus, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		if err := bridge.Start(); err != nil {
			log.Fatal("Failed to start NATS bridge", zap.Error(err))
		}
	} else {
		log.Info("NATS bridge disabled (no URL configured)")
	}

	// 6. Declarative spin-up targets
	if cfg.Targets.File != "" {
		seed, err := target.LoadSeedFile(cfg.Targets.File)
		if err != nil {
			log.Fatal("Failed to load targets file",
				zap.String("file", cfg.Targets.File),
				zap.Error(err))
		}
		projects.SeedTargets(seed)
		log.Info("Seeded spin-up targets", zap.String("file", cfg.Targets.File))
	}

	// 7. WebSocket hub and the stats collector. The collector reads
	// connection counts back out of the hub, so it is wired in after
	// construction.
	hub := websocket.NewHub(eventBus, websocket.Config{
		HeartbeatInterval: cfg.WebSocket.HeartbeatIntervalDuration(),
		StatsInterval:     cfg.WebSocket.StatsIntervalDuration(),
		ShutdownGrace:     cfg.WebSocket.ShutdownGraceDuration(),
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
	}, log)
	collector := stats.NewCollector(projects, hub)
	hub.SetStatsProvider(collector)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start WebSocket hub", zap.Error(err))
	}

	// 8. HTTP server
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gateway.NewRouter(gateway.Config{AuthToken: cfg.Auth.Token}, projects, hub, collector, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.Bool("auth_enabled", cfg.Auth.Enabled()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api"),
		zap.String("websocket", "/api/ws"),
		zap.String("health", "/health"),
		zap.String("metrics", "/metrics"),
	)

	// Graceful shutdown: stop accepting requests, close the realtime
	// connections, drain the bridge, then stop the reapers.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Weft...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := hub.Shutdown(shutdownCtx); err != nil {
		log.Error("WebSocket hub shutdown error", zap.Error(err))
	}
	if bridge != nil {
		bridge.Close()
	}
	if err := projects.Shutdown(shutdownCtx); err != nil {
		log.Error("Project manager shutdown error", zap.Error(err))
	}
	eventBus.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Weft stopped")
}
