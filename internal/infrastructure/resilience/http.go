package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

// StatusError is a non-2xx reply from an HTTP dependency.
type StatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Status     string
	Body       string

	retryAfter time.Duration
}

// RetryAfter is the delay the server asked for, zero when it sent none.
func (e *StatusError) RetryAfter() time.Duration {
	return e.retryAfter
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		return fmt.Sprintf("%s %s status: %s", e.Service, e.Operation, e.Status)
	}
	return fmt.Sprintf("%s %s status: %s: %s", e.Service, e.Operation, e.Status, msg)
}

// NewStatusError drains up to 2KiB of the body into the error and keeps a
// Retry-After given in seconds.
func NewStatusError(service, operation string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := &StatusError{
		Service:    service,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       string(body),
	}
	if secs, convErr := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); convErr == nil && secs > 0 {
		err.retryAfter = time.Duration(secs) * time.Second
	}
	return err
}

// ClassifyHTTPError treats 408/429/5xx, network errors and open breakers as retryable.
func ClassifyHTTPError(err error) ErrorClassification {
	if err == nil {
		return ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if IsCircuitOpen(err) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if IsRetryableHTTPStatus(statusErr.StatusCode) {
			return ErrorClassification{Retryable: true, RecordFailure: true}
		}
		return ErrorClassification{Retryable: false, RecordFailure: false}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return ErrorClassification{Retryable: false, RecordFailure: true}
}

func IsRetryableHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// WrapTemporary marks retryable failures with domain.ErrTemporary so queue consumers can redeliver.
func WrapTemporary(operation string, err error, classifier ErrorClassifier) error {
	if err == nil || domain.IsKind(err, domain.ErrTemporary) {
		return err
	}
	if classifier == nil {
		classifier = ClassifyHTTPError
	}
	if classifier(err).Retryable || IsCircuitOpen(err) {
		return domain.WrapError(domain.ErrTemporary, operation, err)
	}
	return err
}

// Run executes fn through exec when present and marks retryable failures as temporary.
func Run(ctx context.Context, exec *Executor, operation string, fn func(context.Context) error, classifier ErrorClassifier) error {
	if classifier == nil {
		classifier = ClassifyHTTPError
	}
	var err error
	if exec != nil {
		err = exec.Execute(ctx, operation, fn, classifier)
	} else {
		err = fn(ctx)
	}
	return WrapTemporary(operation, err, classifier)
}
