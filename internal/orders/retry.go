package orders

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/ducminhle1904/options-trading-bot/internal/broker"
	"github.com/ducminhle1904/options-trading-bot/internal/risk"
)

// BackoffStrategy selects how retry delays grow with attempt count.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
	BackoffImmediate   BackoffStrategy = "immediate"
)

// ValidBackoffStrategy reports whether s is a known backoff strategy.
func ValidBackoffStrategy(s BackoffStrategy) bool {
	switch s {
	case BackoffExponential, BackoffLinear, BackoffFixed, BackoffImmediate:
		return true
	}
	return false
}

// RetryConfig holds configuration for retry mechanisms
type RetryConfig struct {
	Strategy      BackoffStrategy `json:"strategy"`
	MaxAttempts   int             `json:"maxAttempts"`
	BaseDelay     time.Duration   `json:"baseDelay"`
	MaxDelay      time.Duration   `json:"maxDelay"`
	Multiplier    float64         `json:"multiplier"`
	JitterEnabled bool            `json:"jitterEnabled"`
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Strategy:      BackoffExponential,
		MaxAttempts:   3,
		BaseDelay:     time.Second,
		MaxDelay:      time.Minute,
		Multiplier:    2.0,
		JitterEnabled: true,
	}
}

// ErrEmergencyStop aborts a retry loop when the stop latches mid-way.
var ErrEmergencyStop = fmt.Errorf("emergency stop active, retries aborted")

// RetryHandler reissues failed broker calls under a backoff policy.
// Only transient failure classes are retried; anything definitive is
// returned immediately for the fallback engine to deal with.
type RetryHandler struct {
	cfg     RetryConfig
	stopper risk.Stopper
}

// NewRetryHandler creates a retry handler sharing the global stopper.
func NewRetryHandler(cfg RetryConfig, stopper risk.Stopper) *RetryHandler {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &RetryHandler{cfg: cfg, stopper: stopper}
}

// Attempt is one invocation result handed to the caller's recorder.
type Attempt struct {
	Number int
	Delay  time.Duration
	Err    error
	Class  broker.FailureClass
}

// Execute runs fn up to MaxAttempts times. The recorder is invoked for
// every failed attempt so the order's retry history stays append-only.
// The emergency stop is checked before every attempt, including the
// first.
func (h *RetryHandler) Execute(ctx context.Context, fn func() error, record func(Attempt)) error {
	var lastErr error

	for attempt := 0; attempt < h.cfg.MaxAttempts; attempt++ {
		if h.stopper != nil && h.stopper.Stopped() {
			return ErrEmergencyStop
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		class := broker.Classify(err)
		delay := time.Duration(0)
		if class.Retryable() && attempt < h.cfg.MaxAttempts-1 {
			delay = h.Delay(attempt)
		}
		if record != nil {
			record(Attempt{Number: attempt + 1, Delay: delay, Err: err, Class: class})
		}

		if !class.Retryable() {
			return err
		}
		if attempt == h.cfg.MaxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", h.cfg.MaxAttempts, lastErr)
}

// Delay computes the backoff before the attempt following the given
// zero-based failed attempt, per the configured strategy.
func (h *RetryHandler) Delay(attempt int) time.Duration {
	var delay time.Duration

	switch h.cfg.Strategy {
	case BackoffImmediate:
		return 0
	case BackoffFixed:
		delay = h.cfg.BaseDelay
	case BackoffLinear:
		delay = time.Duration(int64(h.cfg.BaseDelay) * int64(attempt+1))
	default: // exponential
		delay = time.Duration(float64(h.cfg.BaseDelay) * math.Pow(h.cfg.Multiplier, float64(attempt)))
	}

	if h.cfg.MaxDelay > 0 && delay > h.cfg.MaxDelay {
		delay = h.cfg.MaxDelay
	}

	if h.cfg.JitterEnabled && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < 0 {
			delay = 0
		}
	}

	return delay
}
