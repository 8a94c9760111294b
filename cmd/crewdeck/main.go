package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/crewdeck/crewdeck/internal/api"
	"github.com/crewdeck/crewdeck/internal/backend"
	"github.com/crewdeck/crewdeck/internal/backend/hosted"
	"github.com/crewdeck/crewdeck/internal/backend/sandbox"
	"github.com/crewdeck/crewdeck/internal/common/config"
	"github.com/crewdeck/crewdeck/internal/common/logger"
	"github.com/crewdeck/crewdeck/internal/common/tracing"
	"github.com/crewdeck/crewdeck/internal/events/bus"
	"github.com/crewdeck/crewdeck/internal/jobs"
	"github.com/crewdeck/crewdeck/internal/llm"
	"github.com/crewdeck/crewdeck/internal/mcp"
	"github.com/crewdeck/crewdeck/internal/planner"
	"github.com/crewdeck/crewdeck/internal/store"
	"github.com/crewdeck/crewdeck/internal/streaming"
	taskapi "github.com/crewdeck/crewdeck/internal/task/api"
	"github.com/crewdeck/crewdeck/internal/task/service"
	"github.com/crewdeck/crewdeck/internal/webhook"
	"github.com/crewdeck/crewdeck/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

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

	log.Info("Starting crewdeck...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Event bus and jobs queue share one NATS connection.
	eventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()
	queue := jobs.NewNATSQueue(eventBus.Conn(), log)
	log.Info("Connected to NATS", zap.String("url", cfg.NATS.URL))

	st, err := openStore(cfg.Database)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Store ready", zap.String("driver", cfg.Database.Driver))

	provider := workspace.NewProvider(st, workspace.NewCredentialSource())

	// Backend fallback chain: hosted first, sandbox when hosted cannot
	// dispatch. A missing Docker daemon degrades the chain instead of
	// failing startup.
	callbackURL := strings.TrimRight(cfg.Server.PublicURL, "/") + "/webhooks/agent"
	dispatchers := []backend.Dispatcher{
		hosted.New(cfg.Hosted, cfg.Webhook.AgentSecret, callbackURL, provider, log),
	}
	if sb, err := sandbox.New(ctx, cfg.Docker, provider, log); err != nil {
		log.Warn("Sandbox backend unavailable", zap.Error(err))
	} else {
		dispatchers = append(dispatchers, sb)
	}

	gen, err := llm.NewAnthropicGenerator(cfg.LLM)
	if err != nil {
		log.Fatal("Failed to initialize text generation", zap.Error(err))
	}

	pl := planner.New(st, gen, dispatchers, queue, eventBus, log)
	subs, err := pl.RegisterWorkers(queue)
	if err != nil {
		log.Fatal("Failed to register job workers", zap.Error(err))
	}
	defer func() {
		for _, unsub := range subs {
			unsub()
		}
	}()
	log.Info("Job workers registered")

	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	if _, err := hub.BindBus(eventBus); err != nil {
		log.Fatal("Failed to bind streaming hub to the bus", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.Recovery(log))
	router.Use(api.RequestLogger(log))
	router.Use(api.OtelTracing("crewdeck"))
	router.Use(api.ErrorHandler(log))
	router.Use(api.CORS())

	svc := service.New(st, queue, log)
	apiGroup := router.Group("/api/v1")
	taskapi.SetupRoutes(apiGroup, svc, log)
	streaming.SetupRoutes(apiGroup, streaming.NewWSHandler(hub, log))

	processor := webhook.NewProcessor(st, queue, eventBus, log)
	webhook.SetupRoutes(router, processor, cfg.Webhook, log)

	mcpServer := mcp.NewServer(st, log)
	mcpServer.SetupRoutes(router)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := mcpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("MCP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("crewdeck stopped")
}

func openStore(cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(cfg.DSN)
	case "sqlite", "":
		return store.NewSQLiteStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
