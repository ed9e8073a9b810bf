// Package retry provides common retry logic with exponential backoff for edgesync.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for connection-level operations
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// ReplicationDefaults returns defaults for cross-database apply operations.
// Deadlocks between concurrent local writers resolve quickly, so the wrapper
// gives up sooner than the connection-level one.
func ReplicationDefaults() *Config {
	return &Config{
		MaxAttempts:   3,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		JitterPercent: 15,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// WithRetryable retries an operation only while retryable reports true for the
// returned error. Non-retryable errors propagate immediately. Each attempt is
// a fresh invocation; the operation must acquire its own transactional unit.
func WithRetryable(ctx context.Context, config *Config, operation func() error, retryable func(error) bool, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		logrus.WithError(err).
			WithField("operation", operationName).
			Warn("Transient failure, retrying...")
		return retry.RetryableError(err)
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}
