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
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/config"
	"github.com/maice/maice/internal/common/httpmw"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/db"
	"github.com/maice/maice/internal/orchestrator"
	"github.com/maice/maice/internal/session"
	"github.com/maice/maice/internal/user"
)

func main() {
	// 1. Load .env if present, then configuration
	_ = godotenv.Load()

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

	log.Info("Starting MAICE orchestrator...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the session database
	pool, err := db.Open(cfg.Database.URL, cfg.Database.SQLitePath, cfg.Database.MaxConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	sessionRepo, err := session.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize session schema", zap.Error(err))
	}
	userRepo, err := user.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize user schema", zap.Error(err))
	}

	// 4. Connect to the Redis message bus
	messageBus, err := bus.NewRedisBus(ctx, bus.RedisOptions{
		URL:        cfg.Redis.URL,
		TrimMaxLen: cfg.Redis.StreamTrimMaxLen,
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer messageBus.Close()
	log.Info("Connected to Redis message bus")

	// 5. Wire the chat service and SSE relay
	store := session.NewStore(sessionRepo, log)
	assigner := user.NewAssigner(userRepo, log)
	service := orchestrator.NewService(messageBus, store, assigner, cfg.Agents, log)
	relay := orchestrator.NewRelay(messageBus, cfg.Redis.BlockDuration(), cfg.Server.RequestTimeoutDuration(), log)

	// 6. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.RequestLogger(log, "orchestrator"))
	router.Use(httpmw.CORS())

	orchestrator.NewHandlers(service, relay, store, log).RegisterRoutes(router)

	server := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeoutDuration(),
		// WriteTimeout stays zero: SSE responses outlive any fixed deadline.
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 7. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down orchestrator...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Orchestrator stopped")
}
