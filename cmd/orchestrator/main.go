// Command orchestrator runs the LabelSquor workflow engine: worker pool,
// resume sweeper, outbox delivery, and metric journal against a shared
// PostgreSQL store. Stage handlers are registered by the embedding
// deployment; a stage reached without a handler dead-letters its item.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/labelsquor/orchestrator"
	"github.com/labelsquor/orchestrator/internal/config"
	"github.com/labelsquor/orchestrator/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("LSQ_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("orchestrator starting", "version", version, "workers", cfg.NumWorkers)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	orc, err := orchestrator.New(ctx,
		orchestrator.WithLogger(logger),
		orchestrator.WithVersion(version),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	if err := orc.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	slog.Info("orchestrator started")

	<-ctx.Done()
	slog.Info("shutting down", "grace", cfg.ShutdownGrace)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace*2)
	defer cancel()
	orc.Shutdown(shutdownCtx)
	slog.Info("orchestrator stopped")
	return nil
}
