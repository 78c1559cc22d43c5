package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/maice/maice/internal/agents"
	"github.com/maice/maice/internal/agents/classifier"
	"github.com/maice/maice/internal/agents/freetalker"
	"github.com/maice/maice/internal/agents/generator"
	"github.com/maice/maice/internal/agents/improvement"
	"github.com/maice/maice/internal/agents/observer"
	"github.com/maice/maice/internal/agents/supervisor"
	"github.com/maice/maice/internal/bus"
	"github.com/maice/maice/internal/common/config"
	"github.com/maice/maice/internal/common/logger"
	"github.com/maice/maice/internal/db"
	"github.com/maice/maice/internal/llm"
	"github.com/maice/maice/internal/llm/prompts"
	"github.com/maice/maice/internal/session"
)

func main() {
	role := flag.String("role", "", "run a single worker role (classifier, improvement, generator, freetalker, observer); empty supervises all roles")
	flag.Parse()

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

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 3. No role means this process is the supervisor: it re-execs itself
	// once per role and restarts children that die.
	if *role == "" {
		binary, err := os.Executable()
		if err != nil {
			log.Fatal("Failed to resolve worker binary path", zap.Error(err))
		}
		log.Info("Starting agent supervisor", zap.Strings("roles", supervisor.Roles))
		if err := supervisor.New(binary, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatal("Supervisor failed", zap.Error(err))
		}
		log.Info("Agent supervisor stopped")
		return
	}

	log = log.WithFields(zap.String("role", *role))
	log.Info("Starting agent worker...")

	// 4. Open the session database
	pool, err := db.Open(cfg.Database.URL, cfg.Database.SQLitePath, cfg.Database.MaxConns)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	sessionRepo, err := session.NewSQLRepository(pool)
	if err != nil {
		log.Fatal("Failed to initialize session schema", zap.Error(err))
	}
	store := session.NewStore(sessionRepo, log)

	// 5. Connect to the Redis message bus
	messageBus, err := bus.NewRedisBus(ctx, bus.RedisOptions{
		URL:        cfg.Redis.URL,
		TrimMaxLen: cfg.Redis.StreamTrimMaxLen,
	}, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer messageBus.Close()

	// 6. Build the LLM gateway and prompt registry
	gateway, err := llm.NewGateway(cfg.LLM, log)
	if err != nil {
		log.Fatal("Failed to initialize LLM gateway", zap.Error(err))
	}
	registry, err := prompts.Load(cfg.LLM.PromptsPath)
	if err != nil {
		log.Fatal("Failed to load prompt registry", zap.Error(err))
	}

	// 7. Build the requested agent
	agent, err := buildAgent(*role, messageBus, gateway, registry, store, cfg, log)
	if err != nil {
		log.Fatal("Unknown worker role", zap.Error(err))
	}

	// 8. Consume until shutdown
	runner := agents.NewRunner(agent, messageBus, agents.RunnerConfig{
		Block:          cfg.Redis.BlockDuration(),
		PendingMinIdle: cfg.Agents.PendingMinIdleDuration(),
	}, log)

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Worker failed", zap.Error(err))
	}
	log.Info("Agent worker stopped")
}

func buildAgent(role string, b bus.Bus, gw llm.Gateway, reg *prompts.Registry, store *session.Store, cfg *config.Config, log *logger.Logger) (agents.Agent, error) {
	switch role {
	case "classifier":
		return classifier.New(b, gw, reg, store, cfg.Agents.ClassifyMaxTokens, log), nil
	case "improvement":
		return improvement.New(b, gw, reg, store, cfg.Agents.MaxClarifyTurns, log), nil
	case "generator":
		return generator.New(b, gw, reg, store, cfg.Agents.AnswerMaxTokens, log), nil
	case "freetalker":
		return freetalker.New(b, gw, reg, store, cfg.Agents.FreepassMaxTokens, log), nil
	case "observer":
		return observer.New(b, gw, reg, store, log), nil
	default:
		return nil, fmt.Errorf("role %q is not one of %v", role, supervisor.Roles)
	}
}
