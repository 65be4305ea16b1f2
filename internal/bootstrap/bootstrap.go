package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/core/usecase"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/chunking"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/converter"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/keyword/bm25"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/llm/ollama"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/lock"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/rerank"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/source/gdrive"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/storage/localfs"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/storage/s3"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
)

type App struct {
	Config config.Config

	Queue    ports.JobQueue
	Repo     ports.DocumentRepository
	Keywords *bm25.Store

	Ingest  *usecase.IngestDocumentUseCase
	Process *usecase.ProcessDocumentUseCase
	Ask     *usecase.AskUseCase

	// WorkerMetrics is set only when New was given one; it also observes stage transitions.
	WorkerMetrics *metrics.WorkerMetrics

	closers []func() error
}

type Options struct {
	Logger        *slog.Logger
	WorkerMetrics *metrics.WorkerMetrics
}

func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, WorkerMetrics: opts.WorkerMetrics}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	tagSchema, err := config.LoadTagSchema(cfg.TagSchemaFile)
	if err != nil {
		return nil, err
	}

	policy := resilience.DefaultConfig()
	if cfg.ResilienceRetries > 0 {
		policy.RetryMaxAttempts = cfg.ResilienceRetries
	}
	policy.AttemptTimeout = cfg.ExternalCallTimeout
	policy.Logger = logger
	exec := resilience.NewExecutor(policy)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.closers = append(app.closers, db.Close)
	repo := postgres.NewDocumentRepository(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	scopes := postgres.NewScopeRepository(db)

	content, err := newContentStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("init content storage: %w", err)
	}

	queue, err := nats.NewWithOptions(cfg.NATSURL, nats.Options{
		Stream:             cfg.NATSStream,
		SubjectPrefix:      cfg.NATSSubjectPrefix,
		MaxDeliver:         cfg.QueueMaxDeliver,
		AckWait:            cfg.QueueAckWait,
		RetryDelay:         cfg.QueueRetryDelay,
		FetchWait:          cfg.QueueFetchWait,
		ResilienceExecutor: exec,
		Logger:             logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}
	app.closers = append(app.closers, func() error { queue.Close(); return nil })
	notifier := queue.Notifier(cfg.NATSNotifySubject)

	var locker ports.Locker = lock.NewKeyed()
	if cfg.LockBackend == "redis" {
		client, err := lock.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("init redis locker: %w", err)
		}
		app.closers = append(app.closers, client.Close)
		locker = lock.NewRedis(client, "hybrid-rag:lock:")
	}

	keywords, err := bm25.NewStore(cfg.BM25Path, bm25.DefaultParams())
	if err != nil {
		return nil, fmt.Errorf("init bm25 store: %w", err)
	}

	ollamaClient := ollama.NewWithOptions(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel, ollama.Options{
		ResilienceExecutor: exec,
	})
	embedder := ollama.NewEmbedder(ollamaClient)
	var tagger ports.TagExtractor
	if names := tagSchema.Names(); len(names) > 0 {
		tagger = ollama.NewTagExtractor(ollamaClient)
	}

	vectors := qdrant.NewWithOptions(cfg.QdrantURL, cfg.QdrantCollection, qdrant.Options{
		ResilienceExecutor: exec,
	})

	var remoteConverter ports.Converter
	if cfg.ConverterURL != "" {
		remoteConverter = converter.NewRemote(cfg.ConverterURL, converter.Options{ResilienceExecutor: exec})
	}

	var observer usecase.StageObserver
	if opts.WorkerMetrics != nil {
		observer = opts.WorkerMetrics
	}

	app.Queue = queue
	app.Repo = repo
	app.Keywords = keywords
	app.Ingest = usecase.NewIngestDocumentUseCase(repo, content, queue, notifier, usecase.IngestConfig{
		MaxFileSize:        cfg.MaxFileSize,
		MaxFilesPerArchive: cfg.MaxFilesPerArchive,
		ArchiveWorkers:     cfg.ArchiveWorkers,
		DefaultTags:        tagSchema.Names(),
	}, logger)
	app.Process = usecase.NewProcessDocumentUseCase(usecase.ProcessDeps{
		Repo:     repo,
		Content:  content,
		Queue:    queue,
		Notifier: notifier,
		Fetcher: gdrive.NewFetcher(scopes, gdrive.Options{
			BaseURL:            cfg.DriveAPIURL,
			MaxBytes:           cfg.MaxFileSize,
			ResilienceExecutor: exec,
		}),
		Converter: converter.NewRouter(converter.NewLocal(), remoteConverter),
		Chunker:   chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		Windows:   chunking.NewWordWindows(cfg.BM25WindowWords, cfg.BM25WindowOverlap),
		Embedder:  embedder,
		Vectors:   vectors,
		Keywords:  keywords,
		Tagger:    tagger,
		Locker:    locker,
		Observer:  observer,
	}, usecase.ProcessConfig{
		CallTimeout: cfg.ExternalCallTimeout,
		LockTTL:     cfg.LockTTL,
	}, logger)
	app.Ask = usecase.NewAskUseCase(
		scopes,
		embedder,
		vectors,
		keywords,
		newReranker(cfg, exec, logger),
		ollama.NewCompleter(ollamaClient),
		usecase.AskConfig{
			VectorK:     cfg.RAGVectorK,
			FetchK:      cfg.RAGFetchK,
			Lambda:      cfg.RAGMMRLambda,
			KeywordTopN: cfg.RAGKeywordTopN,
			BranchTopK:  cfg.RAGBranchTopK,
			FinalTopK:   cfg.RAGFinalTopK,
			MaxSources:  cfg.RAGMaxSources,
			CallTimeout: cfg.ExternalCallTimeout,
		},
		logger,
	)
	return app, nil
}

func newContentStore(ctx context.Context, cfg config.Config) (ports.ContentStore, error) {
	if cfg.StorageBackend == "s3" {
		return s3.New(ctx, s3.Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	}
	return localfs.New(cfg.StoragePath)
}

// newReranker prefers the cross-encoder service and degrades to lexical overlap when it fails.
func newReranker(cfg config.Config, exec *resilience.Executor, logger *slog.Logger) ports.Reranker {
	lexical := rerank.NewLexical()
	if cfg.RerankerURL == "" {
		return lexical
	}
	cross := rerank.NewCrossEncoder(cfg.RerankerURL, rerank.Options{
		Model:              cfg.RerankerModel,
		ResilienceExecutor: exec,
	})
	return rerank.NewFallback(cross, lexical, logger)
}

// Close releases resources in reverse acquisition order.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		slog.Default().Warn("bootstrap_close_failed", "error", err)
	}
}
