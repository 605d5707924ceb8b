// Package resilience provides the retry policies, circuit breakers, and
// durable-write helpers shared by the rotation engine and the OAuth
// orchestrator.
package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig tunes one provider's circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
	// IsSuccessful decides whether an error counts against the breaker.
	// Client errors (invalid request, auth) must not trip it.
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig returns the provider-level defaults: trip after five
// consecutive failures or a 50% failure ratio over at least ten requests,
// stay open for 30s, then probe with up to three half-open requests.
func DefaultBreakerConfig(name string, isSuccessful func(err error) bool) BreakerConfig {
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.5,
		MinRequests:      10,
		IsSuccessful:     isSuccessful,
	}
}

func (cfg BreakerConfig) settings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: cfg.OnStateChange,
		IsSuccessful:  cfg.IsSuccessful,
	}
}

// CircuitBreaker wraps gobreaker for synchronous calls.
type CircuitBreaker struct {
	cb *gobreaker.CircuitBreaker
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cb: gobreaker.NewCircuitBreaker(cfg.settings())}
}

func (c *CircuitBreaker) Execute(fn func() (any, error)) (any, error) {
	return c.cb.Execute(fn)
}

func (c *CircuitBreaker) State() gobreaker.State { return c.cb.State() }

func (c *CircuitBreaker) Counts() gobreaker.Counts { return c.cb.Counts() }

func (c *CircuitBreaker) Name() string { return c.cb.Name() }

// StreamingCircuitBreaker uses gobreaker's two-step form so the outcome can
// be reported when the stream finishes rather than when it starts.
type StreamingCircuitBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

func NewStreamingCircuitBreaker(cfg BreakerConfig) *StreamingCircuitBreaker {
	return &StreamingCircuitBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(cfg.settings())}
}

// Allow returns a done callback that must be invoked exactly once when the
// stream completes. Returns gobreaker.ErrOpenState while the circuit is open.
func (s *StreamingCircuitBreaker) Allow() (done func(success bool), err error) {
	return s.cb.Allow()
}

func (s *StreamingCircuitBreaker) State() gobreaker.State { return s.cb.State() }

func (s *StreamingCircuitBreaker) Name() string { return s.cb.Name() }

// IsBreakerOpen reports whether err came from an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
