// Package db: connection and operation retry helpers.
package db

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/campuswap/edgesync/internal/retry"
)

// NewWithRetry creates a replica connection pool with retry logic
func NewWithRetry(ctx context.Context, rc ReplicaConfig, callbacks ...ConnConfigCallback) (PgxPoolIface, error) {
	config := retry.PostgreSQLDefaults()

	var pool PgxPoolIface
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		pool, attemptErr = New(ctx, rc, callbacks...)
		if attemptErr != nil {
			return attemptErr
		}

		// Test the connection with a ping
		if pingErr := pool.Ping(ctx); pingErr != nil {
			if pool != nil {
				pool.Close()
			}
			return pingErr
		}

		return nil
	}, string(rc.Role)+" connect")

	if err != nil {
		logrus.WithError(err).WithField("role", rc.Role).Error("Failed to establish database connection after all retries")
		return nil, err
	}

	return pool, nil
}

// RetryTransient retries a database operation while it fails with a transient
// error (deadlock, lock-wait timeout, serialization failure). Each attempt
// must open its own transaction; anything non-transient propagates at once.
func RetryTransient(ctx context.Context, operation func() error, operationName string) error {
	config := retry.ReplicationDefaults()
	return retry.WithRetryable(ctx, config, operation, IsTransient, operationName)
}
