package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const DefaultModel = "cross-encoder/ms-marco-MiniLM-L-6-v2"

// CrossEncoder calls a text-embeddings-inference style /rerank endpoint that scores (query, text) pairs.
type CrossEncoder struct {
	baseURL    string
	model      string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Model              string
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func NewCrossEncoder(baseURL string, opts Options) *CrossEncoder {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	return &CrossEncoder{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
	}
}

type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

func (c *CrossEncoder) Rerank(ctx context.Context, query string, chunks []domain.RetrievedChunk, topK int) ([]domain.RetrievedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	body, err := json.Marshal(map[string]any{
		"model": c.model,
		"query": query,
		"texts": texts,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	var scores []rerankScore
	err = resilience.Run(ctx, c.executor, "crossencoder.rerank", func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create rerank request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("crossencoder rerank request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("crossencoder", "rerank", resp)
		}
		scores = scores[:0]
		if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
			return fmt.Errorf("decode rerank response: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	out := make([]domain.RetrievedChunk, len(chunks))
	copy(out, chunks)
	seen := make([]bool, len(chunks))
	for _, s := range scores {
		if s.Index < 0 || s.Index >= len(out) {
			return nil, fmt.Errorf("rerank response index %d out of range", s.Index)
		}
		out[s.Index].Score = s.Score
		seen[s.Index] = true
	}
	for i, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("rerank response missing score for candidate %d", i)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return truncate(out, topK), nil
}
