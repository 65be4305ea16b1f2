package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

const (
	DefaultMaxFileSize        = 10 << 20
	DefaultMaxFilesPerArchive = 20
	DefaultArchiveWorkers     = 4
)

type IngestConfig struct {
	MaxFileSize        int64
	MaxFilesPerArchive int
	ArchiveWorkers     int
	// DefaultTags apply to uploads that name no tags of their own.
	DefaultTags []string
}

func (c IngestConfig) withDefaults() IngestConfig {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
	if c.MaxFilesPerArchive <= 0 {
		c.MaxFilesPerArchive = DefaultMaxFilesPerArchive
	}
	if c.ArchiveWorkers <= 0 {
		c.ArchiveWorkers = DefaultArchiveWorkers
	}
	return c
}

// IngestDocumentUseCase admits uploads: validation, record creation, content-addressed dedup,
// raw storage and the first job.
type IngestDocumentUseCase struct {
	repo    ports.DocumentRepository
	content ports.ContentStore
	queue   ports.JobQueue
	tracker *stageTracker
	cfg     IngestConfig
	logger  *slog.Logger
}

func NewIngestDocumentUseCase(
	repo ports.DocumentRepository,
	content ports.ContentStore,
	queue ports.JobQueue,
	notifier ports.Notifier,
	cfg IngestConfig,
	logger *slog.Logger,
) *IngestDocumentUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &IngestDocumentUseCase{
		repo:    repo,
		content: content,
		queue:   queue,
		tracker: newStageTracker(repo, notifier, nil, logger),
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

func (uc *IngestDocumentUseCase) GetByID(ctx context.Context, id string) (*domain.Document, error) {
	return uc.repo.GetByID(ctx, id)
}

// Upload ingests one file. A duplicate comes back as a document in DUPLICATE_REJECTED with a nil error.
// Drive documents without bytes are created and handed to the raw worker; Drive bytes already in
// hand (archive members) are admitted directly.
func (uc *IngestDocumentUseCase) Upload(ctx context.Context, req domain.UploadRequest) (*domain.Document, error) {
	req, err := uc.validate(req)
	if err != nil {
		return nil, err
	}

	doc, err := uc.create(ctx, req)
	if err != nil {
		return nil, err
	}

	if fetchLater(req) {
		if err := uc.queue.Publish(ctx, ports.QueueRaw, domain.JobMessage{DocID: doc.ID, UserID: doc.UserID}); err != nil {
			return doc, uc.abort(ctx, doc, "enqueue raw", err)
		}
		return doc, nil
	}

	if err := admitContent(ctx, uc.tracker, uc.repo, uc.content, uc.queue, doc, req.Data); err != nil {
		return doc, uc.abort(ctx, doc, "admit content", err)
	}
	return doc, nil
}

func (uc *IngestDocumentUseCase) validate(req domain.UploadRequest) (domain.UploadRequest, error) {
	invalid := func(format string, args ...any) (domain.UploadRequest, error) {
		return req, domain.WrapError(domain.ErrInvalidInput, "validate upload", fmt.Errorf(format, args...))
	}

	req.Filename = filepath.Base(strings.TrimSpace(req.Filename))
	req.Category = domain.NormalizeCategory(req.Category)
	if req.SourceType == "" {
		req.SourceType = domain.SourceLocalFile
	}

	switch {
	case strings.TrimSpace(req.UserID) == "":
		return invalid("user_id is required")
	case strings.TrimSpace(req.OrganizationID) == "":
		return invalid("organization_id is required")
	case req.Filename == "" || req.Filename == "." || req.Filename == "/":
		return invalid("filename is required")
	case !req.SourceType.Valid():
		return invalid("unknown source type %q", req.SourceType)
	case domain.IsArchive(req.Filename):
		return invalid("archives must be uploaded as archives: %s", req.Filename)
	}

	mime, ok := domain.MimeTypeFor(req.Filename)
	if !ok {
		return invalid("file type not allowed: %s", req.Filename)
	}
	req.MimeType = mime

	if fetchLater(req) {
		if strings.TrimSpace(req.SourceRef) == "" {
			return invalid("drive file id is required")
		}
		return req, nil
	}
	if len(req.Data) == 0 {
		return invalid("file is empty: %s", req.Filename)
	}
	if int64(len(req.Data)) > uc.cfg.MaxFileSize {
		return invalid("file %s exceeds %d bytes", req.Filename, uc.cfg.MaxFileSize)
	}
	return req, nil
}

// fetchLater reports whether the raw worker must download the content from the source.
func fetchLater(req domain.UploadRequest) bool {
	return req.SourceType == domain.SourceGoogleDrive && len(req.Data) == 0
}

func (uc *IngestDocumentUseCase) create(ctx context.Context, req domain.UploadRequest) (*domain.Document, error) {
	now := uc.tracker.now()
	tags := req.Tags
	if len(tags) == 0 {
		tags = append([]string{}, uc.cfg.DefaultTags...)
	}
	doc := &domain.Document{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		CategoryID:     req.CategoryID,
		Category:       req.Category,
		UserID:         req.UserID,
		Filename:       req.Filename,
		MimeType:       req.MimeType,
		FileSize:       int64(len(req.Data)),
		SourceType:     req.SourceType,
		SourceRef:      req.SourceRef,
		Tags:           tags,
		CurrentStage:   domain.StageUploadInitiated,
		StatusHistory: []domain.StatusEntry{{
			Stage:     domain.StageUploadInitiated,
			Status:    domain.EntryCompleted,
			Timestamp: now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document record: %w", err)
	}
	uc.tracker.notify(ctx, doc)
	return doc, nil
}

// abort records an upload that failed after its record was created and returns the cause.
func (uc *IngestDocumentUseCase) abort(ctx context.Context, doc *domain.Document, step string, cause error) error {
	uc.logger.Error("upload_failed", "doc_id", doc.ID, "step", step, "error", cause)
	if err := uc.tracker.exit(ctx, doc, domain.StageErrorProcessing, domain.EntryFailed, step+": "+cause.Error(), 0); err != nil {
		return errors.Join(cause, fmt.Errorf("record failure: %w", err))
	}
	return cause
}

// HashContent is the content address used for dedup.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// admitContent runs the dedup check and stores raw bytes, then enqueues conversion.
// Stages the document already reached are skipped, so a redelivered raw job is safe.
func admitContent(
	ctx context.Context,
	tracker *stageTracker,
	repo ports.DocumentRepository,
	content ports.ContentStore,
	queue ports.JobQueue,
	doc *domain.Document,
	data []byte,
) error {
	if doc.CurrentStage.Reached(domain.StageJobQueued) {
		return nil
	}

	if !doc.CurrentStage.Reached(domain.StageRawFileUploaded) {
		if err := tracker.advance(ctx, doc, domain.StageSourceValidated); err != nil {
			return err
		}

		hash := HashContent(data)
		existing, err := repo.FindCompletedByHash(ctx, doc.OrganizationID, hash)
		switch {
		case err == nil:
			tracker.logger.Info("duplicate_rejected", "doc_id", doc.ID, "duplicate_of", existing.ID)
			doc.HashKey = hash
			return tracker.exit(ctx, doc, domain.StageDuplicateRejected, domain.EntryCompleted,
				"duplicate of document "+existing.ID, 0)
		case !domain.IsKind(err, domain.ErrDocumentNotFound):
			return fmt.Errorf("dedup lookup: %w", err)
		}

		rawID, err := content.Put(ctx, data)
		if err != nil {
			return fmt.Errorf("store raw content: %w", err)
		}
		size := int64(len(data))
		if err := repo.SetContent(ctx, doc.ID, hash, rawID, size); err != nil {
			return fmt.Errorf("save content ids: %w", err)
		}
		doc.HashKey, doc.RawContentID, doc.FileSize = hash, rawID, size
		if err := tracker.advance(ctx, doc, domain.StageRawFileUploaded); err != nil {
			return err
		}
	}

	if err := queue.Publish(ctx, ports.QueueConvert, domain.JobMessage{DocID: doc.ID, UserID: doc.UserID}); err != nil {
		return fmt.Errorf("enqueue conversion: %w", err)
	}
	return tracker.advance(ctx, doc, domain.StageJobQueued)
}
