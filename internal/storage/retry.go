package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/telemetry"
)

// RetryPolicy says which write errors are repeated and how long to wait
// between attempts.
type RetryPolicy struct {
	// Op names the write in logs and the retry counter.
	Op         string
	MaxRetries int
	BaseDelay  time.Duration
	// MaxDelay caps a single wait. Zero leaves it uncapped.
	MaxDelay  time.Duration
	Retryable func(error) bool
}

// UsageUpsertPolicy governs daily_usage increments. The increment is not
// idempotent, so only errors raised before commit are repeated; a lost
// connection is returned as is since the row may already have moved.
var UsageUpsertPolicy = RetryPolicy{
	Op:         "add_usage",
	MaxRetries: 3,
	BaseDelay:  10 * time.Millisecond,
	MaxDelay:   100 * time.Millisecond,
	Retryable:  isTransientConflict,
}

// TransitionPolicy governs guarded run transitions. A kill cancelling many
// runs can deadlock with the dispatcher moving one of them; the loser's
// transaction is rolled back whole, so repeating it is safe. A guard miss is
// a conflict and is never repeated.
var TransitionPolicy = RetryPolicy{
	Op:         "transition_run",
	MaxRetries: 2,
	BaseDelay:  5 * time.Millisecond,
	MaxDelay:   50 * time.Millisecond,
	Retryable:  isTransientConflict,
}

// isTransientConflict reports serialization failures, deadlocks and lock
// timeouts.
func isTransientConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available
		return true
	default:
		return false
	}
}

var retryCounter, _ = telemetry.Meter("kanri/storage").Int64Counter("kanri.storage.retries",
	metric.WithDescription("Writes repeated after a transient Postgres error"),
)

// WithRetry calls fn with the attempt number (0 first) until it succeeds,
// fails with an error p does not retry, or p.MaxRetries repeats are spent.
// Waits grow exponentially from p.BaseDelay with up to 50% jitter. Every
// repeat is logged at debug; giving up is logged at warn.
func WithRetry(ctx context.Context, logger *slog.Logger, p RetryPolicy, fn func(attempt int) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = isTransientConflict
	}

	delay := p.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil || !retryable(err) {
			return err
		}
		if attempt >= p.MaxRetries {
			logger.Warn("storage: retries exhausted", "op", p.Op, "attempts", attempt+1, "error", err)
			return fmt.Errorf("%s after %d attempts: %w", p.Op, attempt+1, err)
		}

		wait := delay
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}
		if wait > 1 {
			wait = wait/2 + time.Duration(rand.Int64N(int64(wait/2)+1)) //nolint:gosec // jitter
		}
		logger.Debug("storage: retrying write", "op", p.Op, "attempt", attempt+1, "wait", wait, "code", pgCode(err))
		if retryCounter != nil {
			retryCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("op", p.Op)))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

func (db *DB) withRetry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) error {
	return WithRetry(ctx, db.logger, p, fn)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
