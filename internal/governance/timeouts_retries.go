package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrAttemptTimeout is returned when a single attempt exceeds its timeout.
	ErrAttemptTimeout = errors.New("attempt timeout exceeded")
)

// RetryConfig defines retry behavior for telemetry delivery.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
	// RetryCanceled retries attempts that failed with context.Canceled.
	RetryCanceled bool
}

// DefaultRetryDelay is the fixed wait before the single delivery retry.
const DefaultRetryDelay = 3 * time.Second

// DeliveryRetryConfig returns the delivery policy: one retry after a fixed delay,
// whatever the send error was.
func DeliveryRetryConfig(delay time.Duration) RetryConfig {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return RetryConfig{
		MaxRetries:        1,
		InitialBackoff:    delay,
		MaxBackoff:        delay,
		BackoffMultiplier: 1,
		RetryCanceled:     true,
	}
}

// RetryPolicy determines if and when an attempt should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultRetryDelay
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 1
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether a failed attempt (0-based) may be retried.
// Cancellation is retried only when RetryCanceled is set.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	return rp.config.RetryCanceled || !errors.Is(err, context.Canceled)
}

// CalculateBackoff returns the delay before retry number attempt+1.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int64N(int64(backoff / 4)))
	}
	return backoff
}

// ExecuteWithRetry runs fn until it succeeds or the policy gives up. fn receives the
// 0-based attempt number. The first attempt always runs; ending ctx only stops
// the wait before a retry, which then returns ctx.Err().
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, fn func(ctx context.Context, attempt int) error) error {
	for attempt := 0; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !rp.ShouldRetry(err, attempt) {
			return fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
		}

		timer := time.NewTimer(rp.CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// TimeoutConfig bounds individual operations.
type TimeoutConfig struct {
	// AttemptTimeout is the maximum duration of a single delivery attempt.
	AttemptTimeout time.Duration
}

// DefaultTimeoutConfig returns timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{AttemptTimeout: 10 * time.Second}
}

// TimeoutManager enforces timeout policies.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = DefaultTimeoutConfig().AttemptTimeout
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// WithAttemptTimeout derives a context bounded by the attempt timeout.
func (tm *TimeoutManager) WithAttemptTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, tm.config.AttemptTimeout)
}

// Run calls fn under the attempt timeout and maps a deadline overrun to ErrAttemptTimeout.
func (tm *TimeoutManager) Run(ctx context.Context, fn func(context.Context) error) error {
	actx, cancel := tm.WithAttemptTimeout(ctx)
	defer cancel()
	err := fn(actx)
	if err != nil && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return fmt.Errorf("%w after %v: %w", ErrAttemptTimeout, tm.config.AttemptTimeout, err)
	}
	return err
}
