package resilience

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

type RetryConfig struct {
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	JitterDelay time.Duration
	ShouldRetry func(resp *http.Response, err error) bool
}

// DefaultRetryConfig retries network errors, 429, and 5xx responses.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:  3,
	BaseDelay:   500 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	JitterDelay: 250 * time.Millisecond,
	ShouldRetry: func(resp *http.Response, err error) bool {
		if err != nil {
			return true
		}
		if resp == nil {
			return false
		}
		return resp.StatusCode == 429 || resp.StatusCode >= 500
	},
}

func NewRetryPolicy[R any](cfg RetryConfig) retrypolicy.RetryPolicy[R] {
	builder := retrypolicy.NewBuilder[R]().
		WithMaxRetries(cfg.MaxRetries).
		WithBackoff(cfg.BaseDelay, cfg.MaxDelay)
	if cfg.JitterDelay > 0 {
		builder = builder.WithJitter(cfg.JitterDelay)
	}
	return builder.Build()
}

// Executor combines a retry policy with an optional circuit breaker.
type Executor[R any] struct {
	executor failsafe.Executor[R]
	breaker  *CircuitBreaker
}

func NewExecutor[R any](retryConfig RetryConfig, breakerConfig *BreakerConfig) *Executor[R] {
	rp := NewRetryPolicy[R](retryConfig)

	var breaker *CircuitBreaker
	if breakerConfig != nil {
		breaker = NewCircuitBreaker(*breakerConfig)
	}

	return &Executor[R]{
		executor: failsafe.With(rp),
		breaker:  breaker,
	}
}

func (e *Executor[R]) Execute(ctx context.Context, fn func() (R, error)) (R, error) {
	if e.breaker != nil {
		result, err := e.breaker.Execute(func() (any, error) {
			return e.executor.WithContext(ctx).Get(fn)
		})
		if err != nil {
			var zero R
			return zero, err
		}
		return result.(R), nil
	}
	return e.executor.WithContext(ctx).Get(fn)
}

func (e *Executor[R]) CircuitBreaker() *CircuitBreaker {
	return e.breaker
}

// CalculateBackoff computes exponential backoff with full jitter:
// random(0, min(maxDelay, baseDelay * 2^attempt)).
func CalculateBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	delay := CalculateBackoffNoJitter(attempt, baseDelay, maxDelay)
	if delay <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(delay)))
}

// CalculateBackoffNoJitter computes min(maxDelay, baseDelay * 2^attempt).
// Refresh failure backoff and transient cooldowns use the deterministic form.
func CalculateBackoffNoJitter(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if baseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	// 2^20 already exceeds any cap in use; avoid shift overflow.
	if attempt > 20 {
		return maxDelay
	}
	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay || delay < 0 {
		delay = maxDelay
	}
	return delay
}

func WaitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
