package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPServerMetrics covers the API: request traffic, shed load, uploads and answers.
type HTTPServerMetrics struct {
	registry registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight *prometheus.GaugeVec
	rejected        *prometheus.CounterVec

	uploads     *prometheus.CounterVec
	askTotal    *prometheus.CounterVec
	askSources  *prometheus.HistogramVec
	askDuration *prometheus.HistogramVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	r := newRegistry(service)
	return &HTTPServerMetrics{
		registry:        r,
		requestTotal:    r.counter("http", "requests_total", "Total HTTP requests processed.", "method", "path", "status"),
		requestDuration: r.histogram("http", "request_duration_seconds", "HTTP request duration in seconds.", prometheus.DefBuckets, "method", "path"),
		requestInFlight: r.gauge("http", "in_flight_requests", "Number of in-flight HTTP requests."),
		rejected:        r.counter("http", "rejected_requests_total", "Requests shed by traffic control by reason (rate_limited, overloaded).", "reason"),
		uploads:         r.counter("ingest", "uploads_total", "Uploaded files by result (accepted, duplicate, rejected, failed).", "result"),
		askTotal:        r.counter("ask", "requests_total", "Answered questions by outcome (answered, no_context, error).", "outcome"),
		askSources:      r.histogram("ask", "sources", "Sources returned per answer.", []float64{0, 1, 2, 3}),
		askDuration:     r.histogram("ask", "duration_seconds", "Retrieval plus inference duration in seconds.", []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60}),
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return m.registry.handler()
}

func (m *HTTPServerMetrics) Middleware(next http.Handler) http.Handler {
	inFlight := m.requestInFlight.WithLabelValues()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		inFlight.Inc()
		defer inFlight.Dec()
		next.ServeHTTP(recorder, r)

		path := normalizePath(r.URL.Path)
		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// normalizePath keeps document ids out of label values.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/v1/documents/") {
		return "/v1/documents/{id}"
	}
	return path
}

// RecordAsk classifies an answer: error wins over no_context.
func (m *HTTPServerMetrics) RecordAsk(sourceCount int, noContext, failed bool, duration time.Duration) {
	outcome := "answered"
	switch {
	case failed:
		outcome = "error"
	case noContext:
		outcome = "no_context"
	}
	m.askTotal.WithLabelValues(outcome).Inc()
	m.askDuration.WithLabelValues().Observe(duration.Seconds())
	if !failed {
		m.askSources.WithLabelValues().Observe(float64(sourceCount))
	}
}

func (m *HTTPServerMetrics) RecordUpload(result string) {
	if result == "" {
		result = "unknown"
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *HTTPServerMetrics) RecordRejected(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
