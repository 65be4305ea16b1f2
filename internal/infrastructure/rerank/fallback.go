package rerank

import (
	"context"
	"log/slog"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

// Fallback uses primary and switches to secondary for the call when primary fails.
type Fallback struct {
	primary   ports.Reranker
	secondary ports.Reranker
	logger    *slog.Logger
}

func NewFallback(primary, secondary ports.Reranker, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Rerank(ctx context.Context, query string, chunks []domain.RetrievedChunk, topK int) ([]domain.RetrievedChunk, error) {
	out, err := f.primary.Rerank(ctx, query, chunks, topK)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	f.logger.Warn("rerank_fallback", "error", err, "candidates", len(chunks))
	return f.secondary.Rerank(ctx, query, chunks, topK)
}
