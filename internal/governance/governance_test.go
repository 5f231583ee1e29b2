package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryRetryConfig(t *testing.T) {
	rp := NewRetryPolicy(DeliveryRetryConfig(0))

	assert.Equal(t, 1, rp.Config().MaxRetries)
	assert.Equal(t, DefaultRetryDelay, rp.CalculateBackoff(0))
	assert.Equal(t, DefaultRetryDelay, rp.CalculateBackoff(5))

	boom := errors.New("boom")
	assert.True(t, rp.ShouldRetry(boom, 0))
	assert.False(t, rp.ShouldRetry(boom, 1))
	assert.False(t, rp.ShouldRetry(nil, 0))
	assert.True(t, rp.ShouldRetry(context.Canceled, 0))
	assert.True(t, rp.ShouldRetry(fmt.Errorf("send: %w", context.Canceled), 0))

	plain := NewRetryPolicy(RetryConfig{MaxRetries: 1})
	assert.True(t, plain.ShouldRetry(boom, 0))
	assert.False(t, plain.ShouldRetry(context.Canceled, 0))
}

func TestCalculateBackoff_ExponentialCapped(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxRetries: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond, BackoffMultiplier: 2})

	assert.Equal(t, 10*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, rp.CalculateBackoff(1))
	assert.Equal(t, 40*time.Millisecond, rp.CalculateBackoff(2))
	assert.Equal(t, 50*time.Millisecond, rp.CalculateBackoff(3))
}

func TestExecuteWithRetry(t *testing.T) {
	rp := NewRetryPolicy(DeliveryRetryConfig(time.Millisecond))

	var attempts []int
	err := rp.ExecuteWithRetry(context.Background(), func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt == 0 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, attempts)

	calls := 0
	err = rp.ExecuteWithRetry(context.Background(), func(context.Context, int) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 2, calls)
}

func TestExecuteWithRetry_CancelledDuringBackoff(t *testing.T) {
	rp := NewRetryPolicy(DeliveryRetryConfig(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())

	err := rp.ExecuteWithRetry(ctx, func(context.Context, int) error {
		cancel()
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecuteWithRetry_FirstAttemptRunsOnEndedContext(t *testing.T) {
	rp := NewRetryPolicy(DeliveryRetryConfig(time.Hour))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := rp.ExecuteWithRetry(ctx, func(context.Context, int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	calls = 0
	err = rp.ExecuteWithRetry(ctx, func(context.Context, int) error {
		calls++
		return errors.New("down")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, calls)
}

func TestTimeoutManager_Run(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{AttemptTimeout: 5 * time.Millisecond})

	err := tm.Run(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, ErrAttemptTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.NoError(t, tm.Run(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, 10*time.Second, NewTimeoutManager(TimeoutConfig{}).Config().AttemptTimeout)
}

func TestRateLimiter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(nil)
	rl.now = func() time.Time { return now }
	rl.Configure(map[string]RateLimiterConfig{"incident": {RequestsPerSecond: 1, BurstSize: 2}})

	assert.True(t, rl.Allow("incident"))
	assert.True(t, rl.Allow("incident"))
	assert.False(t, rl.Allow("incident"))
	assert.True(t, rl.Allow("unlimited"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("incident"))
	assert.False(t, rl.Allow("incident"))

	rl.Configure(map[string]RateLimiterConfig{"incident": {RequestsPerSecond: 1, BurstSize: 1}})
	assert.Equal(t, 1, rl.Stats()["incident"].BurstSize)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(map[string]RateLimiterConfig{"critical": {RequestsPerSecond: 0.001, BurstSize: 1}})
	h := rl.Middleware("critical", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	first := httptest.NewRecorder()
	h.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/errors/critical", nil))
	assert.Equal(t, http.StatusNoContent, first.Code)

	second := httptest.NewRecorder()
	h.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/errors/critical", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, second.Body.String(), "RATE_LIMITED")
}
