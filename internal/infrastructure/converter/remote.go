package converter

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

// Remote posts raw bytes to a conversion service and reads back markdown.
// The service receives the document mime type as Content-Type and answers {"markdown": "..."}.
type Remote struct {
	baseURL    string
	httpClient *http.Client
	executor   *resilience.Executor
}

type Options struct {
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func NewRemote(baseURL string, opts Options) *Remote {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Remote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		executor:   opts.ResilienceExecutor,
	}
}

func (r *Remote) Convert(ctx context.Context, raw []byte, mimeType string) (string, error) {
	var out struct {
		Markdown string `json:"markdown"`
	}
	err := resilience.Run(ctx, r.executor, "converter.remote", func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, r.baseURL+"/convert", bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("create convert request: %w", err)
		}
		req.Header.Set("Content-Type", mimeType)
		req.Header.Set("Accept", "application/json")

		resp, err := r.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("converter request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("converter", "convert", resp)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode convert response: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Markdown), nil
}
