// Package usage maintains the per-principal daily rollup of runs, tokens
// and cost. Totals only grow within a day.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// MaxRangeDays bounds a Range query, inclusive of both ends.
const MaxRangeDays = 366

// Rollup records completed runs into daily buckets.
type Rollup struct {
	store  storage.UsageStore
	logger *slog.Logger
}

// New creates a Rollup over store.
func New(store storage.UsageStore, logger *slog.Logger) *Rollup {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rollup{store: store, logger: logger.With("component", "usage")}
}

// Record adds one run with tokens and costUSD to the principal's row for
// day's UTC date. Negative or non-finite inputs count as zero.
func (r *Rollup) Record(ctx context.Context, principalID string, day time.Time, tokens int64, costUSD float64) (model.DailyUsage, error) {
	if principalID == "" {
		return model.DailyUsage{}, fmt.Errorf("usage: %w: principal_id is required", model.ErrInvalidInput)
	}
	if tokens < 0 {
		tokens = 0
	}
	if costUSD < 0 || math.IsNaN(costUSD) || math.IsInf(costUSD, 0) {
		costUSD = 0
	}
	u, err := r.store.AddUsage(ctx, principalID, clock.DayStart(day), tokens, costUSD)
	if err != nil {
		return model.DailyUsage{}, fmt.Errorf("usage: record: %w: %w", model.ErrStorageFailure, err)
	}
	return u, nil
}

// Range returns the principal's rows for from..to (UTC dates, inclusive),
// ordered by day. Days without activity are absent.
func (r *Rollup) Range(ctx context.Context, principalID string, from, to time.Time) ([]model.DailyUsage, error) {
	from, to = clock.DayStart(from), clock.DayStart(to)
	if to.Before(from) {
		return nil, fmt.Errorf("usage: %w: to must not be before from", model.ErrInvalidInput)
	}
	if days := int(to.Sub(from).Hours()/24) + 1; days > MaxRangeDays {
		return nil, fmt.Errorf("usage: %w: range spans %d days, maximum is %d", model.ErrInvalidInput, days, MaxRangeDays)
	}
	rows, err := r.store.UsageRange(ctx, principalID, from, to)
	if err != nil {
		return nil, fmt.Errorf("usage: range: %w: %w", model.ErrStorageFailure, err)
	}
	if rows == nil {
		rows = []model.DailyUsage{}
	}
	return rows, nil
}
