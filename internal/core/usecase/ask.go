package usecase

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
)

type AskConfig struct {
	VectorK     int
	FetchK      int
	Lambda      float64
	KeywordTopN int
	// BranchTopK is how many chunks each branch keeps after its own rerank.
	BranchTopK  int
	FinalTopK   int
	MaxSources  int
	CallTimeout time.Duration
}

func (c AskConfig) withDefaults() AskConfig {
	if c.VectorK <= 0 {
		c.VectorK = 5
	}
	if c.FetchK <= c.VectorK {
		c.FetchK = max(16, c.VectorK+1)
	}
	if c.Lambda <= 0 || c.Lambda > 1 {
		c.Lambda = 0.7
	}
	if c.KeywordTopN <= 0 {
		c.KeywordTopN = 5
	}
	if c.BranchTopK <= 0 {
		c.BranchTopK = 5
	}
	if c.FinalTopK <= 0 {
		c.FinalTopK = 10
	}
	if c.MaxSources <= 0 {
		c.MaxSources = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

const (
	noContextAnswer = "I could not find relevant information in your documents to answer this question."
	failureAnswer   = "Sorry, the answer could not be generated right now."
	sourceSnippet   = 200
)

// AskUseCase is the hybrid retrieval engine: vector and keyword branches, rerank, merge, answer.
type AskUseCase struct {
	scopes    ports.ScopeResolver
	embedder  ports.Embedder
	vectors   ports.VectorStore
	keywords  ports.KeywordIndex
	reranker  ports.Reranker
	completer ports.Completer
	cfg       AskConfig
	logger    *slog.Logger
}

func NewAskUseCase(
	scopes ports.ScopeResolver,
	embedder ports.Embedder,
	vectors ports.VectorStore,
	keywords ports.KeywordIndex,
	reranker ports.Reranker,
	completer ports.Completer,
	cfg AskConfig,
	logger *slog.Logger,
) *AskUseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &AskUseCase{
		scopes:    scopes,
		embedder:  embedder,
		vectors:   vectors,
		keywords:  keywords,
		reranker:  reranker,
		completer: completer,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Ask never returns a Go error; failures are reported in AskResult.Error.
func (uc *AskUseCase) Ask(ctx context.Context, userID, question string) domain.AskResult {
	question = strings.TrimSpace(question)
	if question == "" {
		return failed(domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("question is empty")))
	}
	if strings.TrimSpace(userID) == "" {
		return failed(domain.WrapError(domain.ErrInvalidInput, "ask", fmt.Errorf("user_id is required")))
	}

	scope, err := uc.scopes.ResolveScope(ctx, userID)
	if err != nil {
		uc.logger.Warn("ask_scope_failed", "user_id", userID, "error", err)
		return failed(err)
	}

	pool := uc.retrieve(ctx, scope, question)
	if len(pool) == 0 {
		uc.logger.Info("ask_no_context", "user_id", userID, "category", scope.Category)
		return domain.AskResult{
			Answer:  noContextAnswer,
			Sources: []domain.Source{},
			Status:  domain.AskStatusNoContext,
		}
	}

	final, err := uc.rerank(ctx, question, pool, uc.cfg.FinalTopK)
	if err != nil {
		uc.logger.Warn("ask_final_rerank_failed", "error", err)
		final = truncateChunks(pool, uc.cfg.FinalTopK)
	}

	completeCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
	answer, err := uc.completer.Complete(completeCtx, buildAnswerPrompt(question, final), scope.Temperature)
	cancel()
	if err != nil {
		uc.logger.Error("ask_inference_failed", "user_id", userID, "error", err)
		return failed(fmt.Errorf("generate answer: %w", err))
	}

	uc.logger.Info("ask_answered", "user_id", userID, "category", scope.Category, "chunks", len(final))
	return domain.AskResult{
		Answer:  strings.TrimSpace(answer),
		Sources: collectSources(final, uc.cfg.MaxSources),
	}
}

// retrieve runs both branches concurrently. A failed branch counts as empty.
func (uc *AskUseCase) retrieve(ctx context.Context, scope domain.Scope, question string) []domain.RetrievedChunk {
	var vectorHits, keywordHits []domain.RetrievedChunk

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := uc.vectorBranch(gctx, scope, question)
		if err != nil {
			uc.logger.Warn("ask_vector_branch_failed", "error", err)
			return nil
		}
		vectorHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := uc.keywordBranch(gctx, scope, question)
		if err != nil {
			uc.logger.Warn("ask_keyword_branch_failed", "error", err)
			return nil
		}
		keywordHits = hits
		return nil
	})
	_ = g.Wait()

	merged := make([]domain.RetrievedChunk, 0, len(vectorHits)+len(keywordHits))
	merged = append(merged, inCategory(vectorHits, scope.Category)...)
	merged = append(merged, inCategory(keywordHits, scope.Category)...)
	return dedupeByText(merged)
}

func (uc *AskUseCase) vectorBranch(ctx context.Context, scope domain.Scope, question string) ([]domain.RetrievedChunk, error) {
	embedCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
	vector, err := uc.embedder.EmbedQuery(embedCtx, question)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	hits, err := uc.vectors.Search(ctx, domain.VectorQuery{
		Vector:   vector,
		K:        uc.cfg.VectorK,
		FetchK:   uc.cfg.FetchK,
		Lambda:   uc.cfg.Lambda,
		Category: scope.Category,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	return uc.rerankOrTruncate(ctx, question, hits), nil
}

func (uc *AskUseCase) keywordBranch(ctx context.Context, scope domain.Scope, question string) ([]domain.RetrievedChunk, error) {
	keywords := domain.Keywords(question)
	if len(keywords) == 0 {
		return nil, nil
	}
	hits, err := uc.keywords.Search(ctx, keywords, scope.Category, uc.cfg.KeywordTopN)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	return uc.rerankOrTruncate(ctx, question, hits), nil
}

func (uc *AskUseCase) rerankOrTruncate(ctx context.Context, question string, hits []domain.RetrievedChunk) []domain.RetrievedChunk {
	if len(hits) == 0 {
		return nil
	}
	ranked, err := uc.rerank(ctx, question, hits, uc.cfg.BranchTopK)
	if err != nil {
		uc.logger.Warn("ask_branch_rerank_failed", "error", err)
		return truncateChunks(hits, uc.cfg.BranchTopK)
	}
	return ranked
}

func (uc *AskUseCase) rerank(ctx context.Context, question string, chunks []domain.RetrievedChunk, topK int) ([]domain.RetrievedChunk, error) {
	rerankCtx, cancel := context.WithTimeout(ctx, uc.cfg.CallTimeout)
	defer cancel()
	return uc.reranker.Rerank(rerankCtx, question, chunks, topK)
}

func failed(err error) domain.AskResult {
	return domain.AskResult{
		Answer:  failureAnswer,
		Sources: []domain.Source{},
		Error:   err.Error(),
	}
}

// inCategory drops anything outside the caller's category, whatever the index returned.
func inCategory(chunks []domain.RetrievedChunk, category string) []domain.RetrievedChunk {
	category = domain.NormalizeCategory(category)
	out := chunks[:0:0]
	for _, ch := range chunks {
		if domain.NormalizeCategory(ch.Category) == category {
			out = append(out, ch)
		}
	}
	return out
}

// dedupeByText keeps the first chunk for each distinct text.
func dedupeByText(chunks []domain.RetrievedChunk) []domain.RetrievedChunk {
	seen := make(map[[sha256.Size]byte]struct{}, len(chunks))
	out := make([]domain.RetrievedChunk, 0, len(chunks))
	for _, ch := range chunks {
		key := sha256.Sum256([]byte(ch.Text))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ch)
	}
	return out
}

func truncateChunks(chunks []domain.RetrievedChunk, limit int) []domain.RetrievedChunk {
	if limit <= 0 || len(chunks) <= limit {
		return chunks
	}
	return chunks[:limit]
}

// collectSources lists distinct files in rank order.
func collectSources(chunks []domain.RetrievedChunk, limit int) []domain.Source {
	out := make([]domain.Source, 0, limit)
	seen := make(map[string]struct{}, limit)
	for _, ch := range chunks {
		file := domain.SourceFile(ch.Source)
		if _, ok := seen[file]; ok {
			continue
		}
		seen[file] = struct{}{}
		out = append(out, domain.Source{
			File:     file,
			Category: ch.Category,
			Content:  snippet(ch.Text, sourceSnippet),
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

func snippet(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "..."
}
