package governance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
	// ErrRequestTimeout is returned when an attempt exceeds its timeout.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// IdempotentMethods lists HTTP methods that are safe to retry.
var IdempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// RetryConfig defines retry behavior for backend calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter randomises each delay by up to 25%.
	Jitter bool
	// RetryableStatusCodes defines which HTTP status codes trigger retries.
	RetryableStatusCodes map[int]bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableStatusCodes: map[int]bool{
			http.StatusBadGateway:         true,
			http.StatusServiceUnavailable: true,
			http.StatusGatewayTimeout:     true,
		},
	}
}

// RetryPolicy retries idempotent calls on transport errors and retryable statuses.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy, filling zero values with defaults.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = defaults.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = defaults.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if config.RetryableStatusCodes == nil {
		config.RetryableStatusCodes = defaults.RetryableStatusCodes
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// Retryable reports whether an attempt with the given outcome may be retried.
func (rp *RetryPolicy) Retryable(method string, statusCode int, err error) bool {
	if !IsIdempotent(method) {
		return false
	}
	if err != nil {
		return IsRetryableError(err)
	}
	return rp.config.RetryableStatusCodes[statusCode]
}

// Attempt is one call made by Execute. It returns the backend status code.
type Attempt func(ctx context.Context) (int, error)

// Execute runs attempt, retrying with exponential backoff while the outcome is
// retryable. It returns the last status, the number of retries performed and
// the last error. A retryable status on the final attempt is not an error.
func (rp *RetryPolicy) Execute(ctx context.Context, method string, attempt Attempt) (int, int, error) {
	var (
		status  int
		retries = -1
	)

	operation := func() error {
		retries++
		var err error
		status, err = attempt(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !rp.Retryable(method, status, err) {
			if err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("retryable status %d", status)
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(rp.backoff(), uint64(rp.config.MaxRetries)), ctx))
	if retries < 0 {
		retries = 0
	}
	switch {
	case err == nil:
		return status, retries, nil
	case ctx.Err() != nil:
		return status, retries, ctx.Err()
	case status > 0 && rp.config.RetryableStatusCodes[status]:
		return status, retries, nil
	case retries > 0:
		return status, retries, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, err)
	default:
		return status, retries, err
	}
}

func (rp *RetryPolicy) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = rp.config.InitialBackoff
	b.MaxInterval = rp.config.MaxBackoff
	b.Multiplier = rp.config.BackoffMultiplier
	b.MaxElapsedTime = 0
	if rp.config.Jitter {
		b.RandomizationFactor = 0.25
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// TimeoutConfig defines timeout behavior for backend calls.
type TimeoutConfig struct {
	// AttemptTimeout bounds a single backend attempt.
	AttemptTimeout time.Duration
	// RequestTimeout bounds the whole call including retries.
	RequestTimeout time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		AttemptTimeout: 10 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// WithAttemptTimeout derives a context bounded by the attempt timeout.
func (c TimeoutConfig) WithAttemptTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.AttemptTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.AttemptTimeout)
}

// WithRequestTimeout derives a context bounded by the request timeout.
func (c TimeoutConfig) WithRequestTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.RequestTimeout)
}

// IsIdempotent returns true if the HTTP method is safe to retry.
func IsIdempotent(method string) bool {
	return IdempotentMethods[strings.ToUpper(method)]
}

// IsRetryableError determines if an error should trigger a retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
		"EOF",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
