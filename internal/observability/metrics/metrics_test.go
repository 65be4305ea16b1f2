package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestHTTPMiddlewareNormalizesDocumentPath(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/v1/documents/abc", nil))

	out := scrape(t, m.Handler())
	want := `hybrid_rag_http_requests_total{method="GET",path="/v1/documents/{id}",service="api",status="404"} 1`
	if !strings.Contains(out, want) {
		t.Fatalf("missing %s in\n%s", want, out)
	}
}

func TestRecordAskOutcomes(t *testing.T) {
	m := NewHTTPServerMetrics("api")
	m.RecordAsk(3, false, false, time.Second)
	m.RecordAsk(0, true, false, time.Second)
	m.RecordAsk(0, true, true, time.Second)

	out := scrape(t, m.Handler())
	for _, want := range []string{
		`hybrid_rag_ask_requests_total{outcome="answered",service="api"} 1`,
		`hybrid_rag_ask_requests_total{outcome="no_context",service="api"} 1`,
		`hybrid_rag_ask_requests_total{outcome="error",service="api"} 1`,
		`hybrid_rag_ask_sources_count{service="api"} 2`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in\n%s", want, out)
		}
	}
}

func TestWorkerMetricsCountJobsAndStages(t *testing.T) {
	m := NewWorkerMetrics("worker")
	m.StartJob("index")
	m.FinishJob("index", time.Second, errors.New("boom"))
	m.StageTransition("PROCESSING_COMPLETE")

	out := scrape(t, m.Handler())
	for _, want := range []string{
		`hybrid_rag_worker_jobs_total{queue="index",service="worker",status="error"} 1`,
		`hybrid_rag_worker_jobs_in_flight{queue="index",service="worker"} 0`,
		`hybrid_rag_pipeline_stage_transitions_total{service="worker",stage="PROCESSING_COMPLETE"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in\n%s", want, out)
		}
	}
}
