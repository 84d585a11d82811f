// Parleyd is the conversational runtime server: it hosts the REST API, the
// reliable WebSocket transport, and the agent runtime over PostgreSQL.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/parleyio/parley/pkg/api"
	"github.com/parleyio/parley/pkg/config"
	"github.com/parleyio/parley/pkg/database"
	"github.com/parleyio/parley/pkg/engine"
	"github.com/parleyio/parley/pkg/event"
	"github.com/parleyio/parley/pkg/queue"
	"github.com/parleyio/parley/pkg/runtime"
	"github.com/parleyio/parley/pkg/services"
	"github.com/parleyio/parley/pkg/transport"
	"github.com/parleyio/parley/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		if errors.Is(err, config.ErrConfigNotFound) {
			slog.Info("No parley.yaml found, using built-in defaults", "config_dir", *configDir)
			cfg = config.Default()
		} else {
			slog.Error("Failed to initialize configuration", "error", err)
			os.Exit(1)
		}
	}

	slog.Info("Starting parleyd",
		"version", version.Full(),
		"addr", cfg.Server.ListenAddr(),
		"config_dir", *configDir)

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Domain services
	imageService := services.NewImageService(dbClient.DB())
	containerService := services.NewContainerService(dbClient.DB())
	sessionService := services.NewSessionService(dbClient.DB())
	messageService := services.NewMessageService(dbClient.DB())
	slog.Info("Services initialized")

	// 4. Runtime: engine + bus + durable topic queue over PostgreSQL
	rt, err := runtime.New(runtime.Options{
		Stores: runtime.Stores{
			Images:     imageService,
			Containers: containerService,
			Sessions:   sessionService,
			Messages:   messageService,
		},
		QueueStore: queue.NewPostgresStore(dbClient.DB()),
		Queue: queue.Config{
			ConsumerTTL:        time.Duration(cfg.Queue.ConsumerTTL),
			MessageTTL:         time.Duration(cfg.Queue.MessageTTL),
			MaxEntriesPerTopic: cfg.Queue.MaxEntriesPerTopic,
			CleanupInterval:    time.Duration(cfg.Queue.CleanupInterval),
			AckRetryMaxElapsed: time.Duration(cfg.Queue.AckRetryMaxElapsed),
		},
		Engine: engine.New(engine.WithMaxDepth(cfg.Engine.MaxDepth)),
	})
	if err != nil {
		slog.Error("Failed to create runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Runtime initialized")

	// 5. WebSocket transport over the runtime's queue. Client events are
	// dispatched into the runtime: user messages reach their session's
	// agent, commands go to the bus.
	ws := transport.NewServer(rt.Queue(), transport.ServerConfig{
		HeartbeatInterval: time.Duration(cfg.Transport.HeartbeatInterval),
		WriteTimeout:      time.Duration(cfg.Transport.WriteTimeout),
		ReliableTimeout:   time.Duration(cfg.Transport.ReliableTimeout),
		ReplayBatchSize:   cfg.Transport.ReplayBatchSize,
		OriginPatterns:    cfg.Server.AllowedWSOrigins,
	})
	ws.OnEvent(func(c *transport.Conn, evt event.Event) {
		if err := rt.Dispatch(ctx, evt); err != nil {
			slog.Warn("Dispatch failed", "connection_id", c.ID, "event_type", evt.Type, "error", err)
		}
	})

	// 6. HTTP server: REST API plus the /ws upgrade endpoint
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	apiServer := api.NewServer(api.Deps{
		DB:         dbClient,
		Runtime:    rt,
		Images:     imageService,
		Containers: containerService,
		Sessions:   sessionService,
		Messages:   messageService,
		WS:         ws.Handler(),
	})
	apiServer.RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr(),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Parleyd started successfully")

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop accepting HTTP, drain in-flight reliable
	// sends, then destroy agents and close the queue.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	if err := ws.Close(shutdownCtx); err != nil {
		slog.Error("Transport shutdown error", "error", err)
	}

	if err := rt.Close(); err != nil {
		slog.Error("Runtime shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
