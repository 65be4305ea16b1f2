package httpadapter

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/config"
)

func TestRateLimitIsPerClient(t *testing.T) {
	handler := newTestHandler(config.Config{
		APIRateLimitRPS:   1,
		APIRateLimitBurst: 1,
	}, nil, docsFake{}, nil, nil)

	ask := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/ask", bytes.NewBufferString(`{"user_id":"u1","question":"hi"}`))
		req.RemoteAddr = remote
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		return res
	}

	if res := ask("10.0.0.1:5000"); res.Code != http.StatusOK {
		t.Fatalf("first request expected 200, got %d", res.Code)
	}
	res := ask("10.0.0.1:5001")
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("second request from same client expected 429, got %d", res.Code)
	}
	if res.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header for 429 response")
	}
	if res := ask("10.0.0.2:5000"); res.Code != http.StatusOK {
		t.Fatalf("other client must have its own bucket, got %d", res.Code)
	}

	health := httptest.NewRecorder()
	handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("healthz must bypass the limiter, got %d", health.Code)
	}
}

func TestClientLimitersDropIdleBuckets(t *testing.T) {
	l := newClientLimiters(1, 1)
	start := time.Now()
	l.allow("a", start)
	l.allow("b", start.Add(limiterIdleTTL+time.Minute))
	if _, ok := l.buckets["a"]; ok {
		t.Fatalf("idle bucket a should have been swept")
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Fatalf("active bucket b must be kept")
	}
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:1234"
	if got := clientKey(req); got != "10.0.0.9" {
		t.Fatalf("clientKey() = %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientKey(req); got != "203.0.113.7" {
		t.Fatalf("clientKey() = %q", got)
	}
}

func TestBackpressureReturns503WhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan int, 1)
	var rejected []string

	base := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
		w.WriteHeader(http.StatusNoContent)
	})
	handler := backpressureMiddleware(base, 1, 20*time.Millisecond, func(reason string) { rejected = append(rejected, reason) })

	go func() {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/ask", nil))
		done <- res.Code
	}()
	<-started

	res := httptest.NewRecorder()
	handler.ServeHTTP(res, httptest.NewRequest(http.MethodPost, "/v1/ask", nil))
	if res.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while saturated, got %d", res.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Fatalf("expected JSON error body, got %v %v", body, err)
	}
	if len(rejected) != 1 || rejected[0] != "overloaded" {
		t.Fatalf("expected one overloaded rejection, got %v", rejected)
	}

	close(release)
	select {
	case code := <-done:
		if code != http.StatusNoContent {
			t.Fatalf("first request expected 204, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for first request")
	}
}
