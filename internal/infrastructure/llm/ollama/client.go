package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

type Client struct {
	baseURL    string
	genModel   string
	embedModel string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func New(baseURL, genModel, embedModel string) *Client {
	return NewWithOptions(baseURL, genModel, embedModel, Options{})
}

func NewWithOptions(baseURL, genModel, embedModel string, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		genModel:   genModel,
		embedModel: embedModel,
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
	}
}

type Embedder struct {
	client *Client
}

func NewEmbedder(client *Client) *Embedder {
	return &Embedder{client: client}
}

func (e *Embedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	request := map[string]any{
		"model": e.client.embedModel,
		"input": texts,
	}

	var response struct {
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := e.client.call(ctx, "/api/embed", request, &response, "embed"); err != nil {
		return nil, err
	}
	return response.Embeddings, nil
}

func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("empty embedding result")
	}
	return vectors[0], nil
}

// Completer runs plain-text generation with a caller-supplied temperature.
type Completer struct {
	client *Client
}

func NewCompleter(client *Client) *Completer {
	return &Completer{client: client}
}

func (c *Completer) Complete(ctx context.Context, prompt string, temperature float64) (string, error) {
	return c.client.generate(ctx, map[string]any{
		"model":   c.client.genModel,
		"prompt":  prompt,
		"stream":  false,
		"options": map[string]any{"temperature": temperature},
	})
}

// TagExtractor asks the model for a JSON object with one key per configured tag.
type TagExtractor struct {
	client *Client
}

func NewTagExtractor(client *Client) *TagExtractor {
	return &TagExtractor{client: client}
}

func (t *TagExtractor) ExtractTags(ctx context.Context, text string, tags []string) (map[string]string, error) {
	if len(tags) == 0 {
		return map[string]string{}, nil
	}
	respText, err := t.client.generate(ctx, map[string]any{
		"model":   t.client.genModel,
		"prompt":  buildTagPrompt(text, tags),
		"stream":  false,
		"format":  "json",
		"options": map[string]any{"temperature": 0},
	})
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(extractJSONObject(respText)), &raw); err != nil {
		return nil, fmt.Errorf("parse tag json: %w", err)
	}
	out := make(map[string]string, len(tags))
	for _, tag := range tags {
		v, ok := raw[tag]
		if !ok || v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			s = fmt.Sprint(v)
		}
		if s = strings.TrimSpace(s); s != "" {
			out[tag] = s
		}
	}
	return out, nil
}

func (c *Client) generate(ctx context.Context, reqBody map[string]any) (string, error) {
	var response struct {
		Response string `json:"response"`
	}
	if err := c.call(ctx, "/api/generate", reqBody, &response, "generate"); err != nil {
		return "", err
	}
	return strings.TrimSpace(response.Response), nil
}

func (c *Client) call(ctx context.Context, path string, payload any, out any, operation string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", operation, err)
	}
	return resilience.Run(ctx, c.executor, "ollama."+operation, func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create %s request: %w", operation, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("ollama %s request: %w", operation, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("ollama", operation, resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", operation, err)
		}
		return nil
	}, nil)
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
