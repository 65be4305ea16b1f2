package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	httpadapter "github.com/kirillkom/hybrid-rag/internal/adapters/http"
	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.NewJSONLogger("api", "info").Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	router := httpadapter.NewRouter(cfg, app.Ingest, app.Ask, app.Ingest, metrics.NewHTTPServerMetrics("api"), logger).Handler()
	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api_shutdown_failed", "error", err)
	}
}
