package resilience

import (
	"time"

	"github.com/sony/gobreaker"

	log "github.com/dify2openai/difybridge/internal/logging"
)

// BreakerConfig parameterizes a circuit breaker guarding one upstream app.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	IsSuccessful     func(err error) bool
}

// DefaultBreakerConfig returns settings suited to a single Dify application:
// trip after a burst of consecutive transport failures, recover after 30s.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

func settings(cfg BreakerConfig) gobreaker.Settings {
	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	return gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			if counts.ConsecutiveFailures >= cfg.FailureThreshold {
				return true
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("circuit breaker %s: %s -> %s", name, from, to)
		},
		IsSuccessful: isSuccessful,
	}
}

// Breaker wraps gobreaker for synchronous upstream calls.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker for blocking request/response calls.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings(cfg))}
}

// Execute runs fn under the breaker.
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	return b.cb.Execute(fn)
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State { return b.cb.State() }

// StreamingBreaker wraps gobreaker's two-step breaker for streams, where
// success is only known when the stream finishes.
type StreamingBreaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// NewStreamingBreaker creates a two-phase breaker: Allow() admits the stream
// and returns a done callback that must be invoked with the final outcome.
func NewStreamingBreaker(cfg BreakerConfig) *StreamingBreaker {
	return &StreamingBreaker{cb: gobreaker.NewTwoStepCircuitBreaker(settings(cfg))}
}

// Allow reports whether a new stream may start. The returned callback must be
// called exactly once with success or failure when the stream ends.
func (b *StreamingBreaker) Allow() (done func(success bool), err error) {
	return b.cb.Allow()
}

// State returns the breaker state.
func (b *StreamingBreaker) State() gobreaker.State { return b.cb.State() }

// IsBreakerOpen reports whether err came from an open or saturated breaker.
func IsBreakerOpen(err error) bool {
	return err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests
}
