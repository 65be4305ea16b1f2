package resilience

import (
	"log/slog"
	"time"
)

// Config is shared by every outbound dependency of the pipeline: model server,
// vector store, reranker, converter, Drive and the broker.
type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	// RetryJitter spreads each wait over [wait*(1-j), wait]. 0 disables it.
	RetryJitter    float64
	AttemptTimeout time.Duration

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 200 * time.Millisecond,
		RetryMaxBackoff:     2 * time.Second,
		RetryMultiplier:     2.0,
		RetryJitter:         0.2,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = def.RetryInitialBackoff
	}
	c.RetryMaxBackoff = max(c.RetryMaxBackoff, c.RetryInitialBackoff)
	if c.RetryMultiplier < 1.0 {
		c.RetryMultiplier = def.RetryMultiplier
	}
	c.RetryJitter = min(max(c.RetryJitter, 0), 1)

	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = def.BreakerMinRequests
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if c.BreakerHalfOpenMaxCalls == 0 {
		c.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// backoff returns the wait before retry number attempt (1-based), before jitter.
func (c Config) backoff(attempt int) time.Duration {
	wait := float64(c.RetryInitialBackoff)
	for i := 1; i < attempt; i++ {
		wait *= c.RetryMultiplier
		if wait >= float64(c.RetryMaxBackoff) {
			return c.RetryMaxBackoff
		}
	}
	return time.Duration(wait)
}
