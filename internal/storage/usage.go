package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/model"
)

// AddUsage atomically adds one run plus tokens and cost to the principal's
// row for day, creating the row on first use. Returns the new totals.
func (db *DB) AddUsage(ctx context.Context, principalID string, day time.Time, tokens int64, costUSD float64) (model.DailyUsage, error) {
	d := clock.DayStart(day)
	u := model.DailyUsage{PrincipalID: principalID}
	err := db.withRetry(ctx, UsageUpsertPolicy, func(int) error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO daily_usage (principal_id, day, runs_count, tokens_total, cost_usd, updated_at)
		 VALUES ($1, $2, 1, $3, $4, now())
		 ON CONFLICT (principal_id, day) DO UPDATE SET
		     runs_count = daily_usage.runs_count + 1,
		     tokens_total = daily_usage.tokens_total + EXCLUDED.tokens_total,
		     cost_usd = daily_usage.cost_usd + EXCLUDED.cost_usd,
		     updated_at = now()
		 RETURNING day, runs_count, tokens_total, cost_usd, updated_at`,
			principalID, d, tokens, costUSD,
		).Scan(&u.Day, &u.RunsCount, &u.TokensTotal, &u.CostUSD, &u.UpdatedAt)
	})
	if err != nil {
		return model.DailyUsage{}, fmt.Errorf("storage: add usage: %w", err)
	}
	u.Day = clock.DayStart(u.Day)
	return u, nil
}

// UsageRange returns the principal's rows with from <= day <= to, by day.
func (db *DB) UsageRange(ctx context.Context, principalID string, from, to time.Time) ([]model.DailyUsage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT principal_id, day, runs_count, tokens_total, cost_usd, updated_at
		 FROM daily_usage
		 WHERE principal_id = $1 AND day >= $2 AND day <= $3
		 ORDER BY day ASC`,
		principalID, clock.DayStart(from), clock.DayStart(to),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query usage range: %w", err)
	}
	defer rows.Close()

	var out []model.DailyUsage
	for rows.Next() {
		var u model.DailyUsage
		if err := rows.Scan(&u.PrincipalID, &u.Day, &u.RunsCount, &u.TokensTotal, &u.CostUSD, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan usage: %w", err)
		}
		u.Day = clock.DayStart(u.Day)
		out = append(out, u)
	}
	return out, rows.Err()
}
