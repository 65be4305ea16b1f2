package ports

import (
	"context"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// DocumentRepository persists document records and their stage history.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	// FindCompletedByHash returns ErrDocumentNotFound when no COMPLETE document in the organization has this hash.
	FindCompletedByHash(ctx context.Context, organizationID, hash string) (*domain.Document, error)
	SetContent(ctx context.Context, id, hash, rawContentID string, size int64) error
	SetMarkdown(ctx context.Context, id, markdownID string) error
	SetTagValues(ctx context.Context, id string, values map[string]string) error
	// Transition moves id from stage `from` to entry.Stage and appends entry to the history.
	// Returns ErrStageConflict when the stored stage is no longer `from`.
	Transition(ctx context.Context, id string, from domain.Stage, entry domain.StatusEntry) error
}

// ScopeResolver maps a caller to the organization and category they may query.
type ScopeResolver interface {
	ResolveScope(ctx context.Context, userID string) (domain.Scope, error)
}

// CredentialStore reads stored third-party access tokens.
type CredentialStore interface {
	DriveToken(ctx context.Context, userID string) (string, error)
}

// ContentStore is content-addressed blob storage.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	PutNamed(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Exists(ctx context.Context, id string) (bool, error)
}

type Queue string

const (
	QueueRaw     Queue = "raw"
	QueueConvert Queue = "convert"
	QueueIndex   Queue = "index"
)

// Delivery describes one delivery attempt of a job.
type Delivery struct {
	Attempt int
	Final   bool
	// EnqueuedAt is when the broker stored the job; zero when unknown.
	EnqueuedAt time.Time
}

type JobHandler func(ctx context.Context, msg domain.JobMessage, delivery Delivery) error

// JobQueue is a durable at-least-once channel between pipeline stages.
type JobQueue interface {
	Publish(ctx context.Context, queue Queue, msg domain.JobMessage) error
	Consume(ctx context.Context, queue Queue, handler JobHandler) error
}

type Notifier interface {
	Notify(ctx context.Context, event domain.NotificationEvent) error
}

// SourceFetcher downloads raw bytes for documents that are not uploaded directly.
type SourceFetcher interface {
	Fetch(ctx context.Context, doc *domain.Document) ([]byte, error)
}

type Converter interface {
	Convert(ctx context.Context, raw []byte, mimeType string) (string, error)
}

// Chunker splits converted text into overlapping windows for the vector index.
type Chunker interface {
	Split(text string) []domain.Chunk
}

// WindowChunker produces the coarser word windows used by the keyword index.
type WindowChunker interface {
	Windows(text string) []string
}

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

type VectorStore interface {
	Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error
	Search(ctx context.Context, query domain.VectorQuery) ([]domain.RetrievedChunk, error)
	DeleteDocument(ctx context.Context, documentID string) error
}

// KeywordIndex keeps one BM25 index per document.
type KeywordIndex interface {
	Build(ctx context.Context, documentID string, entries []domain.Chunk) error
	Search(ctx context.Context, keywords []string, category string, topN int) ([]domain.RetrievedChunk, error)
	Delete(ctx context.Context, documentID string) error
}

type Reranker interface {
	Rerank(ctx context.Context, query string, chunks []domain.RetrievedChunk, topK int) ([]domain.RetrievedChunk, error)
}

type Completer interface {
	Complete(ctx context.Context, prompt string, temperature float64) (string, error)
}

// TagExtractor fills tag values for a document from its text.
type TagExtractor interface {
	ExtractTags(ctx context.Context, text string, tags []string) (map[string]string, error)
}

// Locker provides an exclusive section per key.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
