package governance

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, OpenTimeout: 50 * time.Millisecond})

	boom := errors.New("boom")
	ctx := context.Background()
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.ExecuteContext(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.ExecuteContext(ctx, ok), ErrCircuitOpen)

	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 10*time.Millisecond)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, OpenTimeout: 20 * time.Millisecond})

	ctx := context.Background()
	fail := func(context.Context) error { return errors.New("down") }

	_ = cb.ExecuteContext(ctx, fail)
	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)
	_ = cb.ExecuteContext(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenNeedsAllProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureRateThreshold: 50,
		MinSamples:           2,
		OpenTimeout:          20 * time.Millisecond,
		HalfOpenProbes:       2,
	})
	ctx := context.Background()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("x") }

	_ = cb.ExecuteContext(ctx, ok)
	_ = cb.ExecuteContext(ctx, fail)
	require.Equal(t, StateOpen, cb.State())

	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateHalfOpen, cb.State(), "one probe is not enough")
	require.NoError(t, cb.ExecuteContext(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenLimitsConcurrentProbes(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, OpenTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_ = cb.ExecuteContext(ctx, func(context.Context) error { return errors.New("down") })
	require.Eventually(t, func() bool { return cb.State() == StateHalfOpen }, time.Second, 5*time.Millisecond)

	started, release := make(chan struct{}), make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.ExecuteContext(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.ErrorIs(t, cb.ExecuteContext(ctx, func(context.Context) error { return nil }), ErrCircuitOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_FailureRate(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureRateThreshold: 50, MinSamples: 4, Window: time.Minute})
	ctx := context.Background()
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("x") }

	_ = cb.ExecuteContext(ctx, ok)
	_ = cb.ExecuteContext(ctx, fail)
	_ = cb.ExecuteContext(ctx, ok)
	assert.Equal(t, StateClosed, cb.State(), "below min samples")
	_ = cb.ExecuteContext(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_CancellationIsNotAFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})
	ctx, cancel := context.WithCancel(context.Background())

	err := cb.ExecuteContext(ctx, func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerManager(t *testing.T) {
	m := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())
	a := m.Get("api-1:default")
	assert.Same(t, a, m.Get("api-1:default"))
	assert.NotSame(t, a, m.Get("api-2:default"))
	assert.Len(t, m.States(), 2)

	_ = a.ExecuteContext(context.Background(), func(context.Context) error { return errors.New("down") })
	states := m.States()
	assert.Equal(t, StateClosed, states["api-1:default"])

	strict := NewCircuitBreakerManager(CircuitBreakerConfig{MaxFailures: 1})
	_ = strict.Get("backend:443").ExecuteContext(context.Background(), func(context.Context) error { return errors.New("down") })
	assert.Equal(t, map[string]CircuitBreakerState{"backend:443": StateOpen}, strict.States())
}

func fastRetry(max int) *RetryPolicy {
	return NewRetryPolicy(RetryConfig{MaxRetries: max, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond})
}

func TestRetryPolicy_RetriesRetryableStatus(t *testing.T) {
	calls := 0
	status, retries, err := fastRetry(3).Execute(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return http.StatusServiceUnavailable, nil
		}
		return http.StatusOK, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_ReturnsLastRetryableStatus(t *testing.T) {
	calls := 0
	status, retries, err := fastRetry(2).Execute(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		calls++
		return http.StatusBadGateway, nil
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, 2, retries)
	assert.Equal(t, 3, calls)
}

func TestRetryPolicy_NonIdempotentIsNotRetried(t *testing.T) {
	calls := 0
	_, retries, err := fastRetry(3).Execute(context.Background(), http.MethodPost, func(context.Context) (int, error) {
		calls++
		return 0, errors.New("connection refused")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Zero(t, retries)
}

func TestRetryPolicy_ExhaustedTransportErrors(t *testing.T) {
	_, retries, err := fastRetry(1).Execute(context.Background(), http.MethodGet, func(context.Context) (int, error) {
		return 0, errors.New("connection reset by peer")
	})
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.Equal(t, 1, retries)
}

func TestRetryPolicy_StopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, _, err := fastRetry(5).Execute(ctx, http.MethodGet, func(context.Context) (int, error) {
		calls++
		cancel()
		return http.StatusServiceUnavailable, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(ErrCircuitOpen))
	assert.True(t, IsRetryableError(ErrRequestTimeout))
	assert.True(t, IsRetryableError(errors.New("dial tcp: connection refused")))
	assert.False(t, IsRetryableError(errors.New("bad request")))
}

func TestKeyedRateLimiter(t *testing.T) {
	start := time.Unix(100, 0)
	now := start
	limiter := NewKeyedRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2, IdleTTL: time.Minute})
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.Allow("a").Allowed)
	assert.True(t, limiter.Allow("a").Allowed)
	denied := limiter.Allow("a")
	assert.False(t, denied.Allowed)
	assert.Greater(t, denied.RetryAfter, time.Duration(0))

	assert.True(t, limiter.Allow("b").Allowed, "buckets are independent")

	now = now.Add(time.Second)
	assert.True(t, limiter.Allow("a").Allowed)

	now = now.Add(2 * time.Minute)
	limiter.Allow("c")
	assert.Equal(t, 1, limiter.Len())

	h := http.Header{}
	WriteRateLimitHeaders(h, denied)
	assert.Equal(t, "2", h.Get("X-Rate-Limit-Limit"))
	assert.Equal(t, "1", h.Get("Retry-After"))
}
