package httpadapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
)

type ingestFake struct {
	got        domain.UploadRequest
	archive    bool
	stage      domain.Stage
	err        error
	archiveRes *domain.ArchiveResult
}

func (f *ingestFake) Upload(_ context.Context, req domain.UploadRequest) (*domain.Document, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	stage := f.stage
	if stage == "" {
		stage = domain.StageJobQueued
	}
	return &domain.Document{ID: "doc-1", Filename: req.Filename, CurrentStage: stage}, nil
}

func (f *ingestFake) UploadArchive(_ context.Context, req domain.UploadRequest) (*domain.ArchiveResult, error) {
	f.got = req
	f.archive = true
	if f.err != nil {
		return nil, f.err
	}
	return f.archiveRes, nil
}

type docsFake struct {
	doc *domain.Document
	err error
}

func (f docsFake) GetByID(context.Context, string) (*domain.Document, error) {
	return f.doc, f.err
}

type askFake struct {
	result   domain.AskResult
	userID   string
	question string
}

func (f *askFake) Ask(_ context.Context, userID, question string) domain.AskResult {
	f.userID, f.question = userID, question
	return f.result
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(cfg config.Config, ingest *ingestFake, docs docsFake, ask *askFake, m *metrics.HTTPServerMetrics) http.Handler {
	if ingest == nil {
		ingest = &ingestFake{}
	}
	if ask == nil {
		ask = &askFake{}
	}
	return NewRouter(cfg, ingest, ask, docs, m, quietLogger()).Handler()
}

func multipartUpload(t *testing.T, fields map[string]string, filename, body string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("WriteField() error = %v", err)
		}
	}
	if filename != "" {
		part, err := writer.CreateFormFile("file", filename)
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		if _, err := part.Write([]byte(body)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestHealthzEndpoint(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil, docsFake{}, nil, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if res.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected request id header")
	}
}

func TestUploadDocumentAccepted(t *testing.T) {
	ingest := &ingestFake{}
	handler := newTestHandler(config.Config{}, ingest, docsFake{}, nil, nil)

	body, contentType := multipartUpload(t, map[string]string{
		"user_id": "u1", "organization_id": "o1", "category": "Legal", "tags": "client, due_date ,",
	}, "contract.pdf", "%PDF-1.4")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if ingest.got.Filename != "contract.pdf" || string(ingest.got.Data) != "%PDF-1.4" || ingest.got.Category != "Legal" {
		t.Fatalf("unexpected upload request %+v", ingest.got)
	}
	if len(ingest.got.Tags) != 2 || ingest.got.Tags[1] != "due_date" {
		t.Fatalf("unexpected tags %v", ingest.got.Tags)
	}
}

func TestUploadDuplicateReturns200(t *testing.T) {
	handler := newTestHandler(config.Config{}, &ingestFake{stage: domain.StageDuplicateRejected}, docsFake{}, nil, nil)

	body, contentType := multipartUpload(t, map[string]string{"user_id": "u1", "organization_id": "o1"}, "a.txt", "x")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", res.Code)
	}
	var doc map[string]any
	_ = json.NewDecoder(res.Body).Decode(&doc)
	if doc["current_stage"] != string(domain.StageDuplicateRejected) {
		t.Fatalf("unexpected body %v", doc)
	}
}

func TestUploadZipUsesArchiveFanOut(t *testing.T) {
	ingest := &ingestFake{archiveRes: &domain.ArchiveResult{
		Archive: "batch.zip",
		Members: []domain.MemberResult{
			{Name: "b.txt", Document: &domain.Document{ID: "doc-b"}},
			{Name: "c.exe", Error: "file type not allowed"},
		},
	}}
	handler := newTestHandler(config.Config{}, ingest, docsFake{}, nil, nil)

	body, contentType := multipartUpload(t, map[string]string{"user_id": "u1", "organization_id": "o1"}, "batch.zip", "PK")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if !ingest.archive {
		t.Fatalf("expected archive upload")
	}
	if res.Code != http.StatusAccepted || !strings.Contains(res.Body.String(), "file type not allowed") {
		t.Fatalf("unexpected response %d %s", res.Code, res.Body.String())
	}
}

func TestUploadDriveDocumentWithoutFile(t *testing.T) {
	ingest := &ingestFake{}
	handler := newTestHandler(config.Config{}, ingest, docsFake{}, nil, nil)

	body, contentType := multipartUpload(t, map[string]string{
		"user_id": "u1", "organization_id": "o1", "source_type": "google_drive",
		"source_ref": "drive-file-1", "filename": "plan.docx",
	}, "", "")
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.Code, res.Body.String())
	}
	if ingest.got.SourceType != domain.SourceGoogleDrive || ingest.got.SourceRef != "drive-file-1" {
		t.Fatalf("unexpected request %+v", ingest.got)
	}
}

func TestUploadErrors(t *testing.T) {
	tests := []struct {
		name     string
		ingest   *ingestFake
		filename string
		want     int
	}{
		{"missing file", &ingestFake{}, "", http.StatusBadRequest},
		{"invalid input", &ingestFake{err: domain.WrapError(domain.ErrInvalidInput, "validate", errors.New("bad ext"))}, "a.exe", http.StatusBadRequest},
		{"temporary", &ingestFake{err: domain.WrapError(domain.ErrTemporary, "store", errors.New("minio down"))}, "a.txt", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestHandler(config.Config{}, tt.ingest, docsFake{}, nil, nil)
			body, contentType := multipartUpload(t, map[string]string{"user_id": "u1"}, tt.filename, "x")
			req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
			req.Header.Set("Content-Type", contentType)
			res := httptest.NewRecorder()
			handler.ServeHTTP(res, req)
			if res.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, res.Code)
			}
		})
	}
}

func TestUploadTooLarge(t *testing.T) {
	handler := newTestHandler(config.Config{MaxFileSize: 8, MaxFilesPerArchive: 1}, &ingestFake{}, docsFake{}, nil, nil)

	body, contentType := multipartUpload(t, nil, "a.txt", strings.Repeat("x", formOverhead+64))
	req := httptest.NewRequest(http.MethodPost, "/v1/documents", body)
	req.Header.Set("Content-Type", contentType)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", res.Code)
	}
}

func TestGetDocumentByID(t *testing.T) {
	doc := &domain.Document{
		ID:           "doc-1",
		CurrentStage: domain.StageErrorProcessing,
		StatusHistory: []domain.StatusEntry{
			{Stage: domain.StageUploadInitiated, Status: domain.EntryCompleted},
			{Stage: domain.StageErrorProcessing, Status: domain.EntryFailed, ErrorMessage: "MD_CONVERSION: bad pdf"},
		},
	}
	handler := newTestHandler(config.Config{}, nil, docsFake{doc: doc}, nil, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/doc-1", nil))
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	var body map[string]any
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body["id"] != "doc-1" || body["last_error"] != "MD_CONVERSION: bad pdf" || body["terminal"] != true {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestGetDocumentByIDReturns404ForNotFound(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil,
		docsFake{err: domain.WrapError(domain.ErrDocumentNotFound, "get", errors.New("id=missing"))}, nil, nil)

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/documents/missing", nil))
	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestAskEndpoint(t *testing.T) {
	ask := &askFake{result: domain.AskResult{
		Answer:  "30 days",
		Sources: []domain.Source{{File: "a.pdf", Category: "legal", Content: "Notice period"}},
	}}
	m := metrics.NewHTTPServerMetrics("api")
	handler := newTestHandler(config.Config{}, nil, docsFake{}, ask, m)

	payload, _ := json.Marshal(map[string]string{"user_id": "u1", "question": "notice period?"})
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewReader(payload)))

	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.Code)
	}
	if ask.userID != "u1" || ask.question != "notice period?" {
		t.Fatalf("unexpected ask call %q %q", ask.userID, ask.question)
	}
	var got domain.AskResult
	if err := json.NewDecoder(res.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Answer != "30 days" || len(got.Sources) != 1 || got.Sources[0].File != "a.pdf" {
		t.Fatalf("unexpected result %+v", got)
	}

	scrape := httptest.NewRecorder()
	handler.ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(scrape.Body.String(), `hybrid_rag_ask_requests_total{outcome="answered",service="api"} 1`) {
		t.Fatalf("expected ask metric, got:\n%s", scrape.Body.String())
	}
}

func TestAskEndpointValidation(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil, docsFake{}, nil, nil)
	for _, body := range []string{`{`, `{"user_id":"u1","question":"  "}`, `{"question":"hi"}`} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/ask", strings.NewReader(body)))
		if res.Code != http.StatusBadRequest {
			t.Fatalf("body %s: expected 400, got %d", body, res.Code)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	handler := newTestHandler(config.Config{}, nil, docsFake{}, nil, nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/v1/ask", nil))
	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	tests := map[error]int{
		domain.WrapError(domain.ErrUnauthorized, "op", errors.New("x")):  http.StatusUnauthorized,
		domain.WrapError(domain.ErrSourceAccess, "op", errors.New("x")):  http.StatusForbidden,
		domain.WrapError(domain.ErrStageConflict, "op", errors.New("x")): http.StatusConflict,
		errors.New("boom"): http.StatusInternalServerError,
	}
	for err, want := range tests {
		if got := mapErrorToHTTPStatus(err); got != want {
			t.Fatalf("mapErrorToHTTPStatus(%v) = %d, want %d", err, got, want)
		}
	}
}
