package gdrive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/infrastructure/resilience"
)

const DefaultBaseURL = "https://www.googleapis.com/drive/v3"

// Fetcher downloads Drive files with the owning user's stored OAuth token.
type Fetcher struct {
	baseURL     string
	credentials ports.CredentialStore
	maxBytes    int64
	httpClient  *http.Client
	executor    *resilience.Executor
}

type Options struct {
	BaseURL            string
	MaxBytes           int64
	Timeout            time.Duration
	ResilienceExecutor *resilience.Executor
}

func NewFetcher(credentials ports.CredentialStore, opts Options) *Fetcher {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Fetcher{
		baseURL:     strings.TrimRight(baseURL, "/"),
		credentials: credentials,
		maxBytes:    opts.MaxBytes,
		httpClient:  &http.Client{Timeout: timeout},
		executor:    opts.ResilienceExecutor,
	}
}

func (f *Fetcher) Fetch(ctx context.Context, doc *domain.Document) ([]byte, error) {
	if doc.SourceType != domain.SourceGoogleDrive {
		return nil, domain.WrapError(domain.ErrInvalidInput, "gdrive fetch", fmt.Errorf("unsupported source type %q", doc.SourceType))
	}
	if doc.SourceRef == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "gdrive fetch", fmt.Errorf("missing drive file id"))
	}

	token, err := f.credentials.DriveToken(ctx, doc.UserID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return nil, domain.WrapError(domain.ErrSourceAccess, "gdrive fetch", fmt.Errorf("no drive token for user %s", doc.UserID))
		}
		return nil, err
	}
	if token == "" {
		return nil, domain.WrapError(domain.ErrSourceAccess, "gdrive fetch", fmt.Errorf("empty drive token for user %s", doc.UserID))
	}

	endpoint := fmt.Sprintf("%s/files/%s?alt=media", f.baseURL, url.PathEscape(doc.SourceRef))
	var data []byte
	err = resilience.Run(ctx, f.executor, "gdrive.fetch", func(callCtx context.Context) error {
		req, err := http.NewRequestWithContext(callCtx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("create drive request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := f.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("drive request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return resilience.NewStatusError("gdrive", "fetch", resp)
		}

		reader := io.Reader(resp.Body)
		if f.maxBytes > 0 {
			reader = io.LimitReader(resp.Body, f.maxBytes+1)
		}
		data, err = io.ReadAll(reader)
		if err != nil {
			return fmt.Errorf("read drive body: %w", err)
		}
		return nil
	}, nil)
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			switch statusErr.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
				return nil, domain.WrapError(domain.ErrSourceAccess, "gdrive fetch", err)
			}
		}
		return nil, err
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, domain.WrapError(domain.ErrInvalidInput, "gdrive fetch", fmt.Errorf("file exceeds %d bytes", f.maxBytes))
	}
	return data, nil
}
