package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/bootstrap"
	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/observability/logging"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
)

func main() {
	stage := flag.String("stage", "all", "pipeline stage to consume: raw, convert, index or all")
	flag.Parse()

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		logging.NewJSONLogger("worker", "info").Error("config_invalid", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("worker", cfg.LogLevel).With("stage", *stage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("worker")
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{Logger: logger, WorkerMetrics: workerMetrics})
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	handlers := map[ports.Queue]ports.JobHandler{
		ports.QueueRaw:     app.Process.HandleRaw,
		ports.QueueConvert: app.Process.HandleConvert,
		ports.QueueIndex:   app.Process.HandleIndex,
	}
	var queues []ports.Queue
	switch *stage {
	case "all":
		queues = []ports.Queue{ports.QueueRaw, ports.QueueConvert, ports.QueueIndex}
	case string(ports.QueueRaw), string(ports.QueueConvert), string(ports.QueueIndex):
		queues = []ports.Queue{ports.Queue(*stage)}
	default:
		logger.Error("unknown_stage", "stage", *stage)
		os.Exit(2)
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range queues {
		handler := instrument(queue, handlers[queue], workerMetrics, logger)
		g.Go(func() error {
			logger.Info("worker_consuming", "queue", queue)
			return app.Queue.Consume(gctx, queue, handler)
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker_stopped", "error", err)
		os.Exit(1)
	}
}

// instrument records job duration, outcome and the time the document spent waiting in the queue.
func instrument(queue ports.Queue, next ports.JobHandler, m *metrics.WorkerMetrics, logger *slog.Logger) ports.JobHandler {
	name := string(queue)
	return func(ctx context.Context, msg domain.JobMessage, delivery ports.Delivery) error {
		if !delivery.EnqueuedAt.IsZero() {
			m.ObserveQueueLag(name, time.Since(delivery.EnqueuedAt))
		}
		m.StartJob(name)
		started := time.Now()
		err := next(ctx, msg, delivery)
		m.FinishJob(name, time.Since(started), err)
		if err != nil {
			logger.Warn("job_failed",
				"queue", name,
				"doc_id", msg.DocID,
				"attempt", delivery.Attempt,
				"final", delivery.Final,
				"error", err,
			)
		}
		return err
	}
}
