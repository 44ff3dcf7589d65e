package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// fixedWindowLua increments the window counter and sets its expiry only on the
// first hit, so later hits never extend the window. A key that lost its TTL
// (PTTL -1) gets it re-applied. Returns {count, pttl_ms}.
var fixedWindowLua = redis.NewScript(`
	local count = redis.call('INCR', KEYS[1])
	local ttl = redis.call('PTTL', KEYS[1])
	if count == 1 or ttl == -1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
		ttl = tonumber(ARGV[1])
	end
	return {count, ttl}
`)

// RedisLimiter is a fixed-window limiter shared across instances through Redis.
// A nil client puts it in noop mode.
type RedisLimiter struct {
	client *redis.Client
	logger *slog.Logger
	clock  clock.Clock

	decisions metric.Int64Counter
}

// New creates a Redis-backed limiter. Pass a nil client to admit everything.
func New(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	return NewWithClock(client, logger, clock.System{})
}

// NewWithClock is New with an explicit clock for window alignment.
func NewWithClock(client *redis.Client, logger *slog.Logger, clk clock.Clock) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &RedisLimiter{
		client: client,
		logger: logger.With("component", "ratelimit"),
		clock:  clk,
	}
	if c, err := telemetry.Meter("kanri/ratelimit").Int64Counter(telemetry.AdmissionMetric,
		metric.WithDescription("Admission decisions by scope and outcome"),
	); err == nil {
		l.decisions = c
	}
	return l
}

// Allow counts one hit against the current window for key.
func (l *RedisLimiter) Allow(ctx context.Context, rule Rule, key string) Result {
	if l.client == nil {
		return NoopLimiter{}.Allow(ctx, rule, key)
	}

	now := l.clock.Now()
	start := clock.WindowStart(now, rule.Window)
	resetAt := clock.WindowEnd(now, rule.Window)

	ttl := resetAt.Sub(now)
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}

	count, pttl, err := l.incr(ctx, counterKey(rule, key, start), ttl)
	if err != nil {
		l.logger.Warn("ratelimit: counter store unavailable",
			"prefix", rule.Prefix, "fail_closed", rule.FailClosed, "error", err)
		res := failure(rule, resetAt, now)
		l.record(ctx, rule, res)
		return res
	}
	if pttl > 0 {
		resetAt = now.Add(time.Duration(pttl) * time.Millisecond)
	}

	res := decide(rule, count, resetAt, now)
	l.record(ctx, rule, res)
	return res
}

func (l *RedisLimiter) incr(ctx context.Context, key string, ttl time.Duration) (int64, int64, error) {
	vals, err := fixedWindowLua.Run(ctx, l.client, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("ratelimit: incr %q: %w", key, err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script result length %d", len(vals))
	}
	return vals[0], vals[1], nil
}

func (l *RedisLimiter) record(ctx context.Context, rule Rule, res Result) {
	if l.decisions == nil {
		return
	}
	outcome := "allowed"
	switch {
	case res.Degraded:
		outcome = "degraded"
	case !res.Allowed:
		outcome = "denied"
	}
	l.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", rule.Prefix),
		attribute.String("outcome", outcome),
	))
}

// Close closes the Redis client, if any.
func (l *RedisLimiter) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
