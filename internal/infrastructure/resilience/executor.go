package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
)

type ErrorClassification struct {
	Retryable     bool
	RecordFailure bool
}

type ErrorClassifier func(err error) ErrorClassification

// retryAfterHint is implemented by errors that carry a server-requested delay.
type retryAfterHint interface {
	RetryAfter() time.Duration
}

// Executor retries and circuit-breaks outbound calls. One breaker exists per operation name.
type Executor struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewExecutor(cfg Config) *Executor {
	return &Executor{
		cfg:      cfg.normalize(),
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
		sleep:    sleepContext,
	}
}

func (e *Executor) Execute(
	ctx context.Context,
	operation string,
	fn func(context.Context) error,
	classifier ErrorClassifier,
) error {
	if fn == nil {
		return fmt.Errorf("resilience: operation callback is nil")
	}
	op := strings.TrimSpace(operation)
	if op == "" {
		op = "unknown"
	}
	if classifier == nil {
		classifier = ClassifyHTTPError
	}

	if !e.cfg.BreakerEnabled {
		return e.retry(ctx, op, fn, classifier)
	}
	_, err := e.breaker(op, classifier).Execute(func() (any, error) {
		return nil, e.retry(ctx, op, fn, classifier)
	})
	return err
}

// BreakerState reports the breaker of operation, or "none" before its first call.
func (e *Executor) BreakerState(operation string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[operation]; ok {
		return b.State().String()
	}
	return "none"
}

func (e *Executor) retry(ctx context.Context, op string, fn func(context.Context) error, classifier ErrorClassifier) error {
	var err error
	for attempt := 1; attempt <= e.cfg.RetryMaxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err != nil {
				return err
			}
			return ctxErr
		}
		if err = e.attempt(ctx, fn); err == nil {
			return nil
		}
		if !classifier(err).Retryable || attempt == e.cfg.RetryMaxAttempts {
			return err
		}

		wait := e.wait(attempt, err)
		e.cfg.Logger.Warn("retry_attempt",
			"operation", op,
			"attempt", attempt,
			"max_attempts", e.cfg.RetryMaxAttempts,
			"backoff_ms", wait.Milliseconds(),
			"error", err,
		)
		if e.sleep(ctx, wait) != nil {
			return err
		}
	}
	return err
}

// wait applies jitter to the exponential backoff and never undercuts a Retry-After hint.
func (e *Executor) wait(attempt int, err error) time.Duration {
	wait := e.cfg.backoff(attempt)
	if j := e.cfg.RetryJitter; j > 0 && wait > 0 {
		wait -= time.Duration(rand.Float64() * j * float64(wait))
	}
	var hint retryAfterHint
	if errors.As(err, &hint) {
		if after := min(hint.RetryAfter(), e.cfg.RetryMaxBackoff); after > wait {
			wait = after
		}
	}
	return wait
}

// attempt runs fn once, bounded by AttemptTimeout when configured.
func (e *Executor) attempt(ctx context.Context, fn func(context.Context) error) error {
	if e.cfg.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()
	return fn(callCtx)
}

func (e *Executor) breaker(op string, classifier ErrorClassifier) *gobreaker.CircuitBreaker[any] {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.breakers[op]; ok {
		return b
	}

	cfg := e.cfg
	b := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        op,
		MaxRequests: cfg.BreakerHalfOpenMaxCalls,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.BreakerMinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureRatio
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !classifier(err).RecordFailure
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cfg.Logger.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	})
	e.breakers[op] = b
	return b
}

func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// SentinelClassifier treats the listed errors, open breakers and network errors
// as retryable. Context cancellation is never retried nor counted.
func SentinelClassifier(retryable ...error) ErrorClassifier {
	return func(err error) ErrorClassification {
		if err == nil {
			return ErrorClassification{}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ErrorClassification{}
		}
		for _, target := range retryable {
			if errors.Is(err, target) {
				return ErrorClassification{Retryable: true, RecordFailure: true}
			}
		}
		return ClassifyHTTPError(err)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
