package httpadapter

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/config"
	"github.com/kirillkom/hybrid-rag/internal/core/domain"
	"github.com/kirillkom/hybrid-rag/internal/core/ports"
	"github.com/kirillkom/hybrid-rag/internal/observability/metrics"
)

// multipart overhead allowed on top of the file itself
const formOverhead = 1 << 20

type Router struct {
	cfg     config.Config
	ingest  ports.DocumentIngestor
	docs    ports.DocumentReader
	ask     ports.AskService
	metrics *metrics.HTTPServerMetrics
	logger  *slog.Logger
}

func NewRouter(
	cfg config.Config,
	ingest ports.DocumentIngestor,
	ask ports.AskService,
	docs ports.DocumentReader,
	m *metrics.HTTPServerMetrics,
	logger *slog.Logger,
) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:     cfg,
		ingest:  ingest,
		docs:    docs,
		ask:     ask,
		metrics: m,
		logger:  logger,
	}
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocumentByID)
	mux.HandleFunc("POST /v1/ask", rt.askQuestion)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	var handler http.Handler = mux
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIBackpressureWait, rt.recordRejected)
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.recordRejected)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(reason)
	}
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// uploadDocument accepts one multipart file. A .zip is expanded into one document per member.
// Drive documents send no file, only filename and source_ref.
func (rt *Router) uploadDocument(w http.ResponseWriter, r *http.Request) {
	maxFile := rt.cfg.MaxFileSize
	if maxFile <= 0 {
		maxFile = 10 << 20
	}
	maxArchive := maxFile * int64(max(rt.cfg.MaxFilesPerArchive, 1))
	r.Body = http.MaxBytesReader(w, r.Body, maxArchive+formOverhead)

	if err := r.ParseMultipartForm(formOverhead); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			rt.recordUpload("rejected")
			writeError(w, http.StatusRequestEntityTooLarge, "upload is too large")
			return
		}
		rt.recordUpload("rejected")
		writeError(w, http.StatusBadRequest, "multipart form is required")
		return
	}

	req := domain.UploadRequest{
		UserID:         formValue(r, "user_id"),
		OrganizationID: formValue(r, "organization_id"),
		CategoryID:     formValue(r, "category_id"),
		Category:       formValue(r, "category"),
		SourceType:     domain.SourceType(strings.ToUpper(formValue(r, "source_type"))),
		SourceRef:      formValue(r, "source_ref"),
		Filename:       formValue(r, "filename"),
		Tags:           splitTags(formValue(r, "tags")),
	}

	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		data, readErr := io.ReadAll(file)
		if readErr != nil {
			rt.recordUpload("rejected")
			writeError(w, http.StatusBadRequest, "read uploaded file")
			return
		}
		req.Data = data
		if req.Filename == "" {
			req.Filename = header.Filename
		}
	case req.SourceType != domain.SourceGoogleDrive:
		rt.recordUpload("rejected")
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}

	if domain.IsArchive(req.Filename) {
		rt.uploadArchive(w, r, req)
		return
	}

	doc, err := rt.ingest.Upload(r.Context(), req)
	if err != nil && doc == nil {
		rt.recordUpload("rejected")
		rt.writeDomainError(w, r, err)
		return
	}
	if err != nil {
		rt.recordUpload("failed")
		rt.writeDomainError(w, r, err)
		return
	}

	if doc.CurrentStage == domain.StageDuplicateRejected {
		rt.recordUpload("duplicate")
		writeJSON(w, http.StatusOK, doc)
		return
	}
	rt.recordUpload("accepted")
	writeJSON(w, http.StatusAccepted, doc)
}

func (rt *Router) uploadArchive(w http.ResponseWriter, r *http.Request, req domain.UploadRequest) {
	result, err := rt.ingest.UploadArchive(r.Context(), req)
	if err != nil {
		rt.recordUpload("rejected")
		rt.writeDomainError(w, r, err)
		return
	}
	for _, m := range result.Members {
		switch {
		case m.Error != "":
			rt.recordUpload("rejected")
		case m.Document != nil && m.Document.CurrentStage == domain.StageDuplicateRejected:
			rt.recordUpload("duplicate")
		default:
			rt.recordUpload("accepted")
		}
	}
	status := http.StatusAccepted
	if result.Failed() == len(result.Members) {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (rt *Router) getDocumentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "document id is required")
		return
	}

	doc, err := rt.docs.GetByID(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, documentStatus{
		Document:  doc,
		LastError: doc.LastError(),
		Terminal:  doc.CurrentStage.IsTerminal(),
	})
}

type documentStatus struct {
	*domain.Document
	LastError string `json:"last_error,omitempty"`
	Terminal  bool   `json:"terminal"`
}

func (rt *Router) askQuestion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID   string `json:"user_id"`
		Question string `json:"question"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	start := time.Now()
	result := rt.ask.Ask(r.Context(), req.UserID, req.Question)
	if rt.metrics != nil {
		rt.metrics.RecordAsk(len(result.Sources), result.Status == domain.AskStatusNoContext, result.Error != "", time.Since(start))
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) recordUpload(result string) {
	if rt.metrics != nil {
		rt.metrics.RecordUpload(result)
	}
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed", "request_id", requestIDFromContext(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

func formValue(r *http.Request, key string) string {
	return strings.TrimSpace(r.FormValue(key))
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
