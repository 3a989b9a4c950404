package flow

import (
	"math"
	"time"
)

// RetryPolicy bounds the attempts of a single step or send node. Retries
// happen inside one engine tick: the position does not advance and no
// snapshot is taken until the step succeeds or the policy is exhausted.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts including the first.
	// Zero or one means no retries.
	MaxAttempts int
	// InitialInterval is the delay before the first retry.
	InitialInterval time.Duration
	// MaxInterval caps the delay between retries.
	MaxInterval time.Duration
	// BackoffCoefficient grows the delay after each retry; 2.0 doubles it.
	BackoffCoefficient float64
}

// DefaultRetryPolicy returns the stock per-step retry policy used when a
// flow opts into retries without tuning them.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    100 * time.Millisecond,
		MaxInterval:        5 * time.Second,
		BackoffCoefficient: 2.0,
	}
}

// backoff computes the delay before the retry following attempt (1-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.InitialInterval <= 0 {
		return 0
	}
	coef := p.BackoffCoefficient
	if coef < 1 {
		coef = 1
	}
	delay := float64(p.InitialInterval) * math.Pow(coef, float64(attempt-1))
	if p.MaxInterval > 0 && delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return time.Duration(delay)
}
