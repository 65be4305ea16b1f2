package ports

import (
	"context"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// DocumentIngestor is the inbound contract for document upload orchestration.
type DocumentIngestor interface {
	Upload(ctx context.Context, req domain.UploadRequest) (*domain.Document, error)
	UploadArchive(ctx context.Context, req domain.UploadRequest) (*domain.ArchiveResult, error)
}

// DocumentReader is the inbound read model for document metadata/state.
type DocumentReader interface {
	GetByID(ctx context.Context, id string) (*domain.Document, error)
}

// StageWorker handles one queue delivery per pipeline boundary.
type StageWorker interface {
	HandleRaw(ctx context.Context, msg domain.JobMessage, delivery Delivery) error
	HandleConvert(ctx context.Context, msg domain.JobMessage, delivery Delivery) error
	HandleIndex(ctx context.Context, msg domain.JobMessage, delivery Delivery) error
}

// AskService answers a question within the caller's category scope. It never returns an error.
type AskService interface {
	Ask(ctx context.Context, userID, question string) domain.AskResult
}
