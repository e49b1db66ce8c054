package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig holds configuration for retry operations
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  10 * time.Second,
	}
}

// WithRetry executes an operation with retry logic using exponential backoff.
// Errors wrapped with Permanent stop the loop immediately and are returned unwrapped.
func WithRetry(ctx context.Context, operation func() error, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialInterval
	b.MaxInterval = config.MaxInterval
	b.MaxElapsedTime = config.MaxElapsedTime

	var bo backoff.BackOff = b
	if config.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, config.MaxRetries)
	}
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// LinearBackOff waits attempt × Interval before each retry and gives up
// (returns backoff.Stop) once MaxRetries attempts were handed out.
// It is not safe for concurrent use.
type LinearBackOff struct {
	Interval   time.Duration
	MaxRetries int
	attempt    int
}

// NewLinearBackOff creates a linear policy.
func NewLinearBackOff(interval time.Duration, maxRetries int) *LinearBackOff {
	return &LinearBackOff{Interval: interval, MaxRetries: maxRetries}
}

// NextBackOff returns the delay for the next attempt or backoff.Stop.
func (l *LinearBackOff) NextBackOff() time.Duration {
	if l.attempt >= l.MaxRetries {
		return backoff.Stop
	}
	l.attempt++
	return time.Duration(l.attempt) * l.Interval
}

// Reset puts the attempt counter back to zero.
func (l *LinearBackOff) Reset() {
	l.attempt = 0
}

// Attempts returns how many retries were handed out since the last Reset.
func (l *LinearBackOff) Attempts() int {
	return l.attempt
}

// Exhausted reports whether the next call to NextBackOff would return backoff.Stop.
func (l *LinearBackOff) Exhausted() bool {
	return l.attempt >= l.MaxRetries
}

var _ backoff.BackOff = (*LinearBackOff)(nil)
