package qdrant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const (
	defaultFetchK = 16
	defaultLambda = 0.7
	// Unfiltered fallback searches over-fetch so the category post-filter still has candidates left.
	fallbackFetchFactor = 4
)

type Client struct {
	baseURL    string
	collection string
	httpClient *http.Client
	executor   *resilience.Executor

	ensureMu          sync.Mutex
	ensuredCollection bool
	ensuredVectorSize int
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, collection string) *Client {
	return NewWithOptions(baseURL, collection, Options{})
}

func NewWithOptions(baseURL, collection string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
	}
}

// PointID is stable per (document, chunk) so re-indexing overwrites instead of duplicating.
func PointID(documentID string, chunkID int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(documentID+":"+strconv.Itoa(chunkID))).String()
}

func (c *Client) Upsert(ctx context.Context, chunks []domain.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return domain.WrapError(domain.ErrInvalidInput, "qdrant upsert", fmt.Errorf("chunks/vectors mismatch: %d != %d", len(chunks), len(vectors)))
	}

	if err := c.ensureCollection(ctx, len(vectors[0])); err != nil {
		return err
	}

	type point struct {
		ID      string         `json:"id"`
		Vector  []float32      `json:"vector"`
		Payload map[string]any `json:"payload"`
	}

	points := make([]point, 0, len(chunks))
	for i, ch := range chunks {
		payload := map[string]any{
			"doc_id":      ch.DocumentID,
			"chunk_id":    ch.ChunkID,
			"section_num": ch.SectionNum,
			"title":       ch.Title,
			"text":        ch.Text,
			"category":    ch.Category,
			"source":      ch.Source,
		}
		if len(ch.TagsMetadata) > 0 {
			payload["tags_metadata"] = ch.TagsMetadata
		}
		points = append(points, point{
			ID:      PointID(ch.DocumentID, ch.ChunkID),
			Vector:  vectors[i],
			Payload: payload,
		})
	}

	path := fmt.Sprintf("/collections/%s/points?wait=true", c.collection)
	return c.call(ctx, "upsert", http.MethodPut, path, map[string]any{"points": points}, nil)
}

type scoredPoint struct {
	Score   float64        `json:"score"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector"`
}

// Search runs an MMR search: fetch_k nearest candidates, then k of them picked for relevance and diversity.
// If the filtered search fails, it retries unfiltered and applies the category filter locally.
func (c *Client) Search(ctx context.Context, q domain.VectorQuery) ([]domain.RetrievedChunk, error) {
	if q.K <= 0 || len(q.Vector) == 0 {
		return nil, nil
	}
	fetchK := q.FetchK
	if fetchK <= 0 {
		fetchK = defaultFetchK
	}
	if fetchK < q.K {
		fetchK = q.K
	}
	lambda := q.Lambda
	if lambda <= 0 {
		lambda = defaultLambda
	}

	candidates, err := c.searchPoints(ctx, q.Vector, fetchK, q.Category)
	if err != nil && q.Category != "" && !isContextErr(err) {
		all, fallbackErr := c.searchPoints(ctx, q.Vector, fetchK*fallbackFetchFactor, "")
		if fallbackErr != nil {
			return nil, errors.Join(err, fallbackErr)
		}
		candidates = filterByCategory(all, q.Category, fetchK)
		err = nil
	}
	if err != nil {
		return nil, err
	}

	vectors := make([][]float32, len(candidates))
	for i, p := range candidates {
		vectors[i] = p.Vector
	}
	picked := selectMMR(q.Vector, vectors, q.K, lambda)

	out := make([]domain.RetrievedChunk, 0, len(picked))
	for _, idx := range picked {
		out = append(out, toRetrieved(candidates[idx]))
	}
	return out, nil
}

func (c *Client) searchPoints(ctx context.Context, vector []float32, limit int, category string) ([]scoredPoint, error) {
	reqBody := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
		"with_vector":  true,
	}
	if category != "" {
		reqBody["filter"] = matchFilter("category", category)
	}

	var searchResp struct {
		Result []scoredPoint `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/search", c.collection)
	if err := c.call(ctx, "search", http.MethodPost, path, reqBody, &searchResp); err != nil {
		return nil, err
	}
	return searchResp.Result, nil
}

func (c *Client) DeleteDocument(ctx context.Context, documentID string) error {
	path := fmt.Sprintf("/collections/%s/points/delete?wait=true", c.collection)
	err := c.call(ctx, "delete", http.MethodPost, path, map[string]any{"filter": matchFilter("doc_id", documentID)}, nil)
	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) ensureCollection(ctx context.Context, vectorSize int) error {
	c.ensureMu.Lock()
	if c.ensuredCollection && c.ensuredVectorSize == vectorSize {
		c.ensureMu.Unlock()
		return nil
	}
	c.ensureMu.Unlock()

	reqBody := map[string]any{
		"vectors": map[string]any{
			"size":     vectorSize,
			"distance": "Cosine",
		},
	}
	err := c.call(ctx, "ensure_collection", http.MethodPut, "/collections/"+c.collection, reqBody, nil)

	// 409 if the collection already exists (depends on version/config).
	var statusErr *resilience.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusConflict {
		err = nil
	}
	if err != nil {
		return err
	}

	c.ensureMu.Lock()
	c.ensuredCollection = true
	c.ensuredVectorSize = vectorSize
	c.ensureMu.Unlock()
	return nil
}

func (c *Client) call(ctx context.Context, operation, method, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", operation, err)
	}
	return resilience.Run(ctx, c.executor, "qdrant."+operation, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("qdrant %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("qdrant", operation, resp)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}, nil)
}

func matchFilter(key, value string) map[string]any {
	return map[string]any{
		"must": []map[string]any{
			{"key": key, "match": map[string]any{"value": value}},
		},
	}
}

func filterByCategory(points []scoredPoint, category string, limit int) []scoredPoint {
	out := make([]scoredPoint, 0, limit)
	for _, p := range points {
		if getStringPayload(p.Payload, "category") != category {
			continue
		}
		out = append(out, p)
		if len(out) == limit {
			break
		}
	}
	return out
}

func toRetrieved(p scoredPoint) domain.RetrievedChunk {
	return domain.RetrievedChunk{
		DocumentID: getStringPayload(p.Payload, "doc_id"),
		ChunkID:    getIntPayload(p.Payload, "chunk_id"),
		SectionNum: getIntPayload(p.Payload, "section_num"),
		Title:      getStringPayload(p.Payload, "title"),
		Source:     getStringPayload(p.Payload, "source"),
		Category:   getStringPayload(p.Payload, "category"),
		Text:       getStringPayload(p.Payload, "text"),
		Score:      p.Score,
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func getStringPayload(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	s, ok := v.(string)
	if ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func getIntPayload(payload map[string]any, key string) int {
	switch v := payload[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}
