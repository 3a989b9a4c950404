package mediator

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rillflow/rill/runtime/result"
	"github.com/rillflow/rill/runtime/telemetry"
)

// RetryConfig configures the retry behavior.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier grows the delay after each retry; 2.0 doubles it.
	BackoffMultiplier float64
	// Jitter randomizes each delay by up to the given fraction in either
	// direction, to avoid synchronized retries.
	Jitter float64
}

// DefaultRetryConfig returns the stock retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
	}
}

// RetryExhaustedError reports that every attempt failed with a retryable
// kind. The last failure stays reachable through Unwrap.
type RetryExhaustedError struct {
	// Attempts is the number of attempts made.
	Attempts int
	// TotalDuration is the wall time spent across attempts and waits.
	TotalDuration time.Duration
	// LastError is the failure of the final attempt.
	LastError error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted after %d attempts over %v: %v", e.Attempts, e.TotalDuration, e.LastError)
}

// Unwrap returns the final attempt's failure.
func (e *RetryExhaustedError) Unwrap() error { return e.LastError }

// RetryBehavior re-runs the rest of the pipeline when it fails with a
// retryable kind (Transient or RateLimited). All other kinds return
// immediately.
type RetryBehavior struct {
	cfg    RetryConfig
	logger telemetry.Logger
}

// NewRetryBehavior returns a retry behavior with the given configuration.
func NewRetryBehavior(cfg RetryConfig, logger telemetry.Logger) *RetryBehavior {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &RetryBehavior{cfg: cfg, logger: logger}
}

// Name implements Behavior.
func (b *RetryBehavior) Name() string { return "retry" }

// Handle implements Behavior.
func (b *RetryBehavior) Handle(ctx context.Context, msg Message, next Next) result.Result[any] {
	start := time.Now()
	var last result.Result[any]
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		last = next(ctx)
		if last.IsOK() || !result.IsRetryable(last.Err()) {
			return last
		}
		if attempt >= b.cfg.MaxAttempts {
			break
		}
		delay := retryBackoff(b.cfg, attempt)
		b.logger.Debug(ctx, "retrying dispatch",
			"type", msg.Type, "attempt", attempt, "backoff_ms", delay.Milliseconds(),
			"failure", string(last.Kind()))
		select {
		case <-ctx.Done():
			return result.Fail[any](result.Wrap(result.KindCancelled, ctx.Err(), "retry interrupted"))
		case <-time.After(delay):
		}
	}
	return result.Fail[any](&RetryExhaustedError{
		Attempts:      b.cfg.MaxAttempts,
		TotalDuration: time.Since(start),
		LastError:     last.Err(),
	})
}

// retryBackoff computes the delay before the retry following attempt.
func retryBackoff(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialBackoff) * math.Pow(cfg.BackoffMultiplier, float64(attempt-1))
	if delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}
