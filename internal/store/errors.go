package store

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/iwhitebird/valka/internal/logger"
	"github.com/iwhitebird/valka/internal/metrics"
)

var (
	ErrNotFound         = errors.New("store: not found")
	ErrConflict         = errors.New("store: conflicting state")
	ErrLeaseNotHeld     = errors.New("store: lease not held by this worker")
	ErrLeadershipLost   = errors.New("store: scheduler leadership lost")
	ErrInvalidQueueName = errors.New("store: invalid queue name")
)

const (
	retryAttempts    = 5
	retryInitialWait = 50 * time.Millisecond
)

// transientError flags an error the caller may retry: serialization
// failures, deadlocks and network blips.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return "store: transient: " + e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// IsTransient reports whether the error is a transient store failure that
// exhausted its internal retries. Callers use it to pick between failing the
// request and dropping background work with a metric.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// isRetryable classifies raw pgx/network errors. Contract violations
// (unique key, FK, bad input) are never retried.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"08000", "08003", "08006": // connection errors
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// withRetry runs fn with a bounded exponential backoff for transient errors.
// After the final attempt the error is wrapped so IsTransient reports true.
func withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	wait := retryInitialWait
	var err error
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		start := time.Now()
		err = fn(ctx)
		metrics.RecordStoreOperation(op, time.Since(start).Seconds())
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			metrics.RecordStoreError(op)
			return err
		}
		metrics.RecordStoreError(op)
		if attempt == retryAttempts {
			break
		}

		logger.Warn().
			Err(err).
			Str("operation", op).
			Int("attempt", attempt).
			Msg("transient store error, retrying")

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return &transientError{err: ctx.Err()}
		}
		wait *= 2
	}
	return &transientError{err: err}
}
