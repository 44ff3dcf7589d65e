// Package storage provides the PostgreSQL storage layer for kanri.
//
// It manages the pgx connection pool, the embedded migration runner, and
// query methods for agents, runs, audit events and daily usage. Every
// state change that must be audited commits together with its audit event.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/telemetry"
)

// DB wraps a pgxpool.Pool. It implements Store.
type DB struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ Store = (*DB)(nil)

// New creates a DB with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &DB{
		pool:   pool,
		logger: logger.With("component", "storage"),
	}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// RegisterPoolMetrics exposes connection pool gauges. Call after telemetry.Init.
func (db *DB) RegisterPoolMetrics() {
	meter := telemetry.Meter("kanri/storage")

	_, _ = meter.Int64ObservableGauge("kanri.db.pool.total_conns",
		metric.WithDescription("Open connections in the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().TotalConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("kanri.db.pool.acquired_conns",
		metric.WithDescription("Connections currently checked out"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
}
