package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	mcpadapter "github.com/kirillkom/hybrid-rag/internal/adapters/mcp"
	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
)

// The stdio transport owns stdout, so logs go to stderr.
func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.NewJSONLoggerTo(os.Stderr, "mcp", "info").Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLoggerTo(os.Stderr, "mcp", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	if err := mcpadapter.NewServer(app.Ask, app.Ingest, logger).ServeStdio(); err != nil {
		logger.Error("mcp_server_failed", "error", err)
	}
}
