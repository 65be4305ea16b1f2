package httpadapter

import (
	"context"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	requestIDHeader = "X-Request-Id"
	// idle client buckets are dropped after this long
	limiterIdleTTL = 10 * time.Minute
)

type requestIDContextKey struct{}

func requestIDFromContext(ctx context.Context) string {
	requestID, _ := ctx.Value(requestIDContextKey{}).(string)
	return requestID
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDContextKey{}, requestID)))
	})
}

func accessLogMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(recorder, r)

		level := slog.LevelInfo
		switch {
		case recorder.statusCode >= 500:
			level = slog.LevelError
		case recorder.statusCode >= 400:
			level = slog.LevelWarn
		}
		logger.Log(r.Context(), level, "http_request",
			"request_id", requestIDFromContext(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
			"bytes", recorder.bytesWritten,
			"client", clientKey(r),
		)
	})
}

// clientLimiters hands out one token bucket per client address.
type clientLimiters struct {
	limit rate.Limit
	burst int

	mu        sync.Mutex
	buckets   map[string]*clientBucket
	lastSweep time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newClientLimiters(rps float64, burst int) *clientLimiters {
	if burst <= 0 {
		burst = int(math.Ceil(rps))
	}
	return &clientLimiters{
		limit:     rate.Limit(rps),
		burst:     burst,
		buckets:   make(map[string]*clientBucket),
		lastSweep: time.Now(),
	}
}

func (c *clientLimiters) allow(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if now.Sub(c.lastSweep) > limiterIdleTTL {
		for k, b := range c.buckets {
			if now.Sub(b.lastSeen) > limiterIdleTTL {
				delete(c.buckets, k)
			}
		}
		c.lastSweep = now
	}
	b, ok := c.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(c.limit, c.burst)}
		c.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// rateLimitMiddleware rejects a client that exceeds rps with 429. Health and metrics are exempt.
func rateLimitMiddleware(next http.Handler, rps float64, burst int, onReject func(reason string)) http.Handler {
	if rps <= 0 {
		return next
	}
	limiters := newClientLimiters(rps, burst)
	retryAfter := strconv.Itoa(int(math.Max(1, math.Ceil(1/rps))))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOperationalPath(r.URL.Path) || limiters.allow(clientKey(r), time.Now()) {
			next.ServeHTTP(w, r)
			return
		}
		if onReject != nil {
			onReject("rate_limited")
		}
		w.Header().Set("Retry-After", retryAfter)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// backpressureMiddleware bounds concurrent requests. A request that cannot get a slot
// within wait is rejected with 503.
func backpressureMiddleware(next http.Handler, maxInFlight int, wait time.Duration, onReject func(reason string)) http.Handler {
	if maxInFlight <= 0 {
		return next
	}
	slots := make(chan struct{}, maxInFlight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isOperationalPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case slots <- struct{}{}:
		case <-timer.C:
			if onReject != nil {
				onReject("overloaded")
			}
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, "server is overloaded, retry later")
			return
		case <-r.Context().Done():
			return
		}
		defer func() { <-slots }()
		next.ServeHTTP(w, r)
	})
}

func isOperationalPath(path string) bool {
	return path == "/healthz" || path == "/metrics"
}

// clientKey is the first X-Forwarded-For hop when present, else the remote host.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.bytesWritten += n
	return n, err
}

// Unwrap lets http.ResponseController reach Flush and Hijack on the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
