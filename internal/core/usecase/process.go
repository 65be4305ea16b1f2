package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const (
	DefaultCallTimeout = 2 * time.Minute
	DefaultLockTTL     = 5 * time.Minute
)

type ProcessConfig struct {
	// CallTimeout bounds each conversion, fetch and embedding call.
	CallTimeout time.Duration
	LockTTL     time.Duration
}

// ProcessDocumentUseCase runs the queued stages: raw fetch, conversion and indexing.
// Each handler resumes from the stage the document already reached, so redelivery is safe.
type ProcessDocumentUseCase struct {
	repo      ports.DocumentRepository
	content   ports.ContentStore
	queue     ports.JobQueue
	fetcher   ports.SourceFetcher
	converter ports.Converter
	chunker   ports.Chunker
	windows   ports.WindowChunker
	embedder  ports.Embedder
	vectors   ports.VectorStore
	keywords  ports.KeywordIndex
	tagger    ports.TagExtractor
	locker    ports.Locker
	tracker   *stageTracker
	cfg       ProcessConfig
	logger    *slog.Logger
}

// ProcessDeps groups the collaborators of ProcessDocumentUseCase. Fetcher and Tagger may be nil.
type ProcessDeps struct {
	Repo      ports.DocumentRepository
	Content   ports.ContentStore
	Queue     ports.JobQueue
	Notifier  ports.Notifier
	Fetcher   ports.SourceFetcher
	Converter ports.Converter
	Chunker   ports.Chunker
	Windows   ports.WindowChunker
	Embedder  ports.Embedder
	Vectors   ports.VectorStore
	Keywords  ports.KeywordIndex
	Tagger    ports.TagExtractor
	Locker    ports.Locker
	Observer  StageObserver
}

func NewProcessDocumentUseCase(deps ProcessDeps, cfg ProcessConfig, logger *slog.Logger) *ProcessDocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	return &ProcessDocumentUseCase{
		repo:      deps.Repo,
		content:   deps.Content,
		queue:     deps.Queue,
		fetcher:   deps.Fetcher,
		converter: deps.Converter,
		chunker:   deps.Chunker,
		windows:   deps.Windows,
		embedder:  deps.Embedder,
		vectors:   deps.Vectors,
		keywords:  deps.Keywords,
		tagger:    deps.Tagger,
		locker:    deps.Locker,
		tracker:   newStageTracker(deps.Repo, deps.Notifier, deps.Observer, logger),
		cfg:       cfg,
		logger:    logger,
	}
}

// HandleRaw fetches Drive content and admits it like a direct upload.
func (uc *ProcessDocumentUseCase) HandleRaw(ctx context.Context, msg domain.JobMessage, delivery ports.Delivery) error {
	doc, err := uc.load(ctx, msg)
	if err != nil || doc == nil {
		return err
	}
	if doc.CurrentStage.Reached(domain.StageJobQueued) {
		return nil
	}

	var data []byte
	if !doc.CurrentStage.Reached(domain.StageRawFileUploaded) {
		if uc.fetcher == nil {
			return uc.handleFailure(ctx, doc, "SOURCE_FETCH", domain.WrapError(domain.ErrInvalidInput, "fetch source",
				fmt.Errorf("no fetcher for source type %s", doc.SourceType)), delivery)
		}
		fetchCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
		data, err = uc.fetcher.Fetch(fetchCtx, doc)
		cancel()
		if err != nil {
			return uc.handleFailure(ctx, doc, "SOURCE_FETCH", err, delivery)
		}
	}

	if err := admitContent(ctx, uc.tracker, uc.repo, uc.content, uc.queue, doc, data); err != nil {
		return uc.handleFailure(ctx, doc, "RAW_FILE_UPLOAD", err, delivery)
	}
	return nil
}

// HandleConvert turns raw bytes into markdown and stores it under a named key.
func (uc *ProcessDocumentUseCase) HandleConvert(ctx context.Context, msg domain.JobMessage, delivery ports.Delivery) error {
	doc, err := uc.load(ctx, msg)
	if err != nil || doc == nil {
		return err
	}
	if doc.CurrentStage.Reached(domain.StageChunkingCompleted) {
		return nil
	}
	if err := uc.convert(ctx, doc); err != nil {
		return uc.handleFailure(ctx, doc, "MD_CONVERSION", err, delivery)
	}
	return nil
}

func (uc *ProcessDocumentUseCase) convert(ctx context.Context, doc *domain.Document) error {
	if !doc.CurrentStage.Reached(domain.StageMDFileSaved) {
		if err := uc.tracker.advance(ctx, doc, domain.StageProcessingStarted); err != nil {
			return err
		}

		raw, err := uc.content.Get(ctx, doc.RawContentID)
		if err != nil {
			return fmt.Errorf("load raw content: %w", err)
		}
		convertCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
		markdown, err := uc.converter.Convert(convertCtx, raw, doc.MimeType)
		cancel()
		if err != nil {
			return err
		}
		if err := uc.tracker.advance(ctx, doc, domain.StageMDConversionCompleted); err != nil {
			return err
		}

		key := markdownKey(doc.ID)
		if err := uc.content.PutNamed(ctx, key, []byte(markdown)); err != nil {
			return fmt.Errorf("store markdown: %w", err)
		}
		if err := uc.repo.SetMarkdown(ctx, doc.ID, key); err != nil {
			return fmt.Errorf("save markdown id: %w", err)
		}
		doc.MarkdownID = key
		if err := uc.tracker.advance(ctx, doc, domain.StageMDFileSaved); err != nil {
			return err
		}
	}

	if err := uc.queue.Publish(ctx, ports.QueueIndex, domain.JobMessage{DocID: doc.ID, UserID: doc.UserID}); err != nil {
		return fmt.Errorf("enqueue indexing: %w", err)
	}
	return nil
}

// HandleIndex chunks, embeds and indexes the markdown, then marks the document complete.
func (uc *ProcessDocumentUseCase) HandleIndex(ctx context.Context, msg domain.JobMessage, delivery ports.Delivery) error {
	doc, err := uc.load(ctx, msg)
	if err != nil || doc == nil {
		return err
	}
	if !doc.CurrentStage.Reached(domain.StageMDFileSaved) {
		uc.logger.Warn("index_before_markdown", "doc_id", doc.ID, "stage", doc.CurrentStage)
		return nil
	}
	if err := uc.index(ctx, doc); err != nil {
		label := "TEXT_CHUNKS_CREATION"
		if doc.CurrentStage.Reached(domain.StageChunkingCompleted) {
			label = "VECTOR_INDEXING"
		}
		return uc.handleFailure(ctx, doc, label, err, delivery)
	}
	return nil
}

func (uc *ProcessDocumentUseCase) index(ctx context.Context, doc *domain.Document) error {
	raw, err := uc.content.Get(ctx, doc.MarkdownID)
	if err != nil {
		return fmt.Errorf("load markdown: %w", err)
	}
	markdown := string(raw)

	uc.extractTags(ctx, doc, markdown)

	chunks := uc.chunker.Split(markdown)
	if len(chunks) == 0 {
		return domain.WrapError(domain.ErrNoChunks, "split markdown", fmt.Errorf("doc=%s", doc.ID))
	}
	uc.decorate(doc, chunks)
	if err := uc.tracker.advance(ctx, doc, domain.StageChunkingCompleted); err != nil {
		return err
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	embedCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
	vectors, err := uc.embedder.Embed(embedCtx, texts)
	cancel()
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(chunks))
	}
	if err := uc.tracker.advance(ctx, doc, domain.StageEmbeddingsGenerated); err != nil {
		return err
	}

	if err := uc.vectors.Upsert(ctx, chunks, vectors); err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}

	unlock, err := uc.locker.Lock(ctx, "document:"+doc.ID, uc.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("lock document: %w", err)
	}
	defer unlock()

	// Another delivery may have finished the document while this one was embedding.
	fresh, err := uc.repo.GetByID(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("reload document: %w", err)
	}
	*doc = *fresh
	if doc.CurrentStage.IsTerminal() {
		return nil
	}

	if err := uc.keywords.Build(ctx, doc.ID, uc.keywordEntries(doc, markdown)); err != nil {
		return fmt.Errorf("build keyword index: %w", err)
	}
	if err := uc.tracker.advance(ctx, doc, domain.StageMDLoadedInVectorDB); err != nil {
		return err
	}

	err = uc.tracker.advance(ctx, doc, domain.StageComplete)
	if domain.IsKind(err, domain.ErrDuplicate) {
		return uc.purgeLateDuplicate(ctx, doc)
	}
	return err
}

// purgeLateDuplicate handles two copies of the same content racing to completion.
// The loser's index entries are removed and it is recorded as a duplicate.
func (uc *ProcessDocumentUseCase) purgeLateDuplicate(ctx context.Context, doc *domain.Document) error {
	var errs []error
	if err := uc.vectors.DeleteDocument(ctx, doc.ID); err != nil {
		errs = append(errs, fmt.Errorf("purge vectors: %w", err))
	}
	if err := uc.keywords.Delete(ctx, doc.ID); err != nil {
		errs = append(errs, fmt.Errorf("purge keyword index: %w", err))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	uc.logger.Info("duplicate_rejected", "doc_id", doc.ID, "late", true)
	return uc.tracker.exit(ctx, doc, domain.StageDuplicateRejected, domain.EntryCompleted,
		"duplicate content completed first", 0)
}

// extractTags never fails indexing; a missing tag value is logged and left empty.
func (uc *ProcessDocumentUseCase) extractTags(ctx context.Context, doc *domain.Document, markdown string) {
	if uc.tagger == nil || len(doc.Tags) == 0 || len(doc.TagValues) > 0 {
		return
	}
	tagCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
	values, err := uc.tagger.ExtractTags(tagCtx, markdown, doc.Tags)
	cancel()
	if err != nil {
		uc.logger.Warn("tag_extraction_failed", "doc_id", doc.ID, "error", err)
		return
	}
	if len(values) == 0 {
		return
	}
	if err := uc.repo.SetTagValues(ctx, doc.ID, values); err != nil {
		uc.logger.Warn("tag_values_not_saved", "doc_id", doc.ID, "error", err)
		return
	}
	doc.TagValues = values
}

func (uc *ProcessDocumentUseCase) decorate(doc *domain.Document, chunks []domain.Chunk) {
	category := domain.NormalizeCategory(doc.Category)
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
		chunks[i].Category = category
		chunks[i].Source = doc.Filename
		if len(doc.TagValues) > 0 {
			chunks[i].TagsMetadata = doc.TagValues
		}
	}
}

func (uc *ProcessDocumentUseCase) keywordEntries(doc *domain.Document, markdown string) []domain.Chunk {
	windows := uc.windows.Windows(markdown)
	entries := make([]domain.Chunk, len(windows))
	for i, w := range windows {
		entries[i] = domain.Chunk{ChunkID: i, Text: w}
	}
	uc.decorate(doc, entries)
	return entries
}

func (uc *ProcessDocumentUseCase) load(ctx context.Context, msg domain.JobMessage) (*domain.Document, error) {
	doc, err := uc.repo.GetByID(ctx, msg.DocID)
	if domain.IsKind(err, domain.ErrDocumentNotFound) {
		uc.logger.Warn("job_for_unknown_document", "doc_id", msg.DocID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc.CurrentStage.IsTerminal() {
		return nil, nil
	}
	return doc, nil
}

// handleFailure records the outcome of a failed stage. The returned error lets the queue decide
// between redelivery and dead-lettering; nil acknowledges the job.
// A job interrupted by worker shutdown records nothing and is left for redelivery.
func (uc *ProcessDocumentUseCase) handleFailure(ctx context.Context, doc *domain.Document, label string, cause error, delivery ports.Delivery) error {
	if ctx.Err() != nil {
		uc.logger.Info("stage_interrupted", "doc_id", doc.ID, "label", label, "stage", doc.CurrentStage, "error", cause)
		return cause
	}
	var recordErr error
	switch {
	case domain.IsKind(cause, domain.ErrStageConflict):
		uc.logger.Info("stage_conflict", "doc_id", doc.ID, "stage", doc.CurrentStage, "error", cause)
		return nil
	case domain.IsKind(cause, domain.ErrSourceAccess):
		recordErr = uc.tracker.exit(ctx, doc, domain.StageSourceAccessError, domain.EntryFailed, cause.Error(), delivery.Attempt)
	case domain.IsKind(cause, domain.ErrTemporary) && !delivery.Final:
		uc.logger.Warn("stage_retry", "doc_id", doc.ID, "label", label, "attempt", delivery.Attempt, "error", cause)
		recordErr = uc.tracker.retrying(ctx, doc, label+": "+cause.Error(), delivery.Attempt)
	default:
		uc.logger.Error("stage_failed", "doc_id", doc.ID, "label", label, "attempt", delivery.Attempt, "error", cause)
		recordErr = uc.tracker.exit(ctx, doc, domain.StageErrorProcessing, domain.EntryFailed, label+": "+cause.Error(), delivery.Attempt)
	}
	if recordErr != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", recordErr))
	}
	return cause
}

func markdownKey(docID string) string {
	return "markdown/" + docID + ".md"
}
