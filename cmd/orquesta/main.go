package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/orquesta/internal/agents"
	"github.com/rendis/orquesta/internal/engine"
	"github.com/rendis/orquesta/internal/logging"
	"github.com/rendis/orquesta/internal/store"
	"github.com/rendis/orquesta/internal/trigger"
	"github.com/rendis/orquesta/internal/validation"
	"github.com/rendis/orquesta/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orquesta:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Logs go to stderr; stdout carries the MCP stdio transport.
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)}),
	))
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := agents.NewRegistry()
	for id, endpoint := range cfg.Agents {
		agent, agentErr := agents.NewHTTPAgent(id, endpoint, agents.HTTPConfig{})
		if agentErr != nil {
			return fmt.Errorf("configure agent %q: %w", id, agentErr)
		}
		if regErr := registry.Register(agent); regErr != nil {
			return fmt.Errorf("register agent %q: %w", id, regErr)
		}
	}
	logger.Info("agents registered", slog.Int("count", registry.Count()))

	eng, err := engine.New(st, registry, engine.Config{PoolSize: cfg.PoolSize}, logger)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	validator, err := validation.NewWorkflowValidator(registry)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	cronTrigger := trigger.NewCronTrigger(st, eng, logger)
	if err := cronTrigger.RecoverMissed(ctx); err != nil {
		logger.Warn("missed-run recovery failed", slog.String("error", err.Error()))
	}
	if err := cronTrigger.Start(ctx); err != nil {
		return fmt.Errorf("start cron trigger: %w", err)
	}

	srv := mcp.NewOrquestaServer(mcp.OrquestaServerDeps{
		Engine:    eng,
		Store:     st,
		Validator: validator,
		Schedules: cronTrigger,
		Logger:    logger,
	})

	logger.Info("orquesta started",
		slog.String("db_path", cfg.DBPath),
		slog.Int("pool_size", cfg.PoolSize),
	)

	serveErr := srv.Serve(ctx)

	// Graceful shutdown: stop firing new runs, then drain the engine.
	if err := cronTrigger.Stop(); err != nil {
		logger.Warn("cron trigger stop failed", slog.String("error", err.Error()))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown incomplete", slog.String("error", err.Error()))
	}

	if serveErr != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", serveErr)
	}
	logger.Info("orquesta stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
