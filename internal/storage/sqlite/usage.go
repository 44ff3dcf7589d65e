package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/kanri/internal/model"
)

// AddUsage upserts the (principal, day) row, adding one run.
func (s *Store) AddUsage(ctx context.Context, principalID string, d time.Time, tokens int64, costUSD float64) (model.DailyUsage, error) {
	u := model.DailyUsage{PrincipalID: principalID}
	var dayStr, updated string
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO daily_usage (principal_id, day, runs_count, tokens_total, cost_usd, updated_at)
		 VALUES (?, ?, 1, ?, ?, ?)
		 ON CONFLICT (principal_id, day) DO UPDATE SET
		     runs_count = runs_count + 1,
		     tokens_total = tokens_total + excluded.tokens_total,
		     cost_usd = cost_usd + excluded.cost_usd,
		     updated_at = excluded.updated_at
		 RETURNING day, runs_count, tokens_total, cost_usd, updated_at`,
		principalID, day(d), tokens, costUSD, ts(now()),
	).Scan(&dayStr, &u.RunsCount, &u.TokensTotal, &u.CostUSD, &updated)
	if err != nil {
		return model.DailyUsage{}, fmt.Errorf("sqlite: add usage: %w", err)
	}
	return finishUsage(u, dayStr, updated)
}

// UsageRange returns rows with from <= day <= to, by day.
func (s *Store) UsageRange(ctx context.Context, principalID string, from, to time.Time) ([]model.DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT principal_id, day, runs_count, tokens_total, cost_usd, updated_at
		 FROM daily_usage WHERE principal_id = ? AND day >= ? AND day <= ?
		 ORDER BY day ASC`,
		principalID, day(from), day(to))
	if err != nil {
		return nil, fmt.Errorf("sqlite: query usage range: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DailyUsage
	for rows.Next() {
		var (
			u               model.DailyUsage
			dayStr, updated string
		)
		if err := rows.Scan(&u.PrincipalID, &dayStr, &u.RunsCount, &u.TokensTotal, &u.CostUSD, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan usage: %w", err)
		}
		if u, err = finishUsage(u, dayStr, updated); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func finishUsage(u model.DailyUsage, dayStr, updated string) (model.DailyUsage, error) {
	d, err := time.Parse(dayLayout, dayStr)
	if err != nil {
		return model.DailyUsage{}, fmt.Errorf("sqlite: parse day %q: %w", dayStr, err)
	}
	u.Day = d
	if u.UpdatedAt, err = parseTS(updated); err != nil {
		return model.DailyUsage{}, err
	}
	return u, nil
}
