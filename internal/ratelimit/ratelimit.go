// Package ratelimit provides fixed-window admission counters.
//
// Counters are keyed by (rule prefix, caller key, window start). Windows are
// aligned to the Unix epoch, so every instance sharing a backend agrees on
// the boundaries. RedisLimiter coordinates across instances; MemoryLimiter
// serves single-node deployments; NoopLimiter admits everything.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Rule describes one admission scope.
type Rule struct {
	Prefix string        // scope name, e.g. "api" or "run_start"
	Limit  int           // admissions allowed per window
	Window time.Duration // fixed window length

	// FailClosed denies requests when the counter store is unreachable.
	// The default is to admit them and mark the result Degraded.
	FailClosed bool
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time

	// RetryAfter is the whole number of seconds until the window resets,
	// at least 1. Only meaningful when Allowed is false.
	RetryAfter int

	// Degraded is set when the counter store failed and the result was
	// decided by the rule's failure policy instead of a real count.
	Degraded bool
}

// FormatHeaders returns the standard rate limit response headers.
func (r Result) FormatHeaders() map[string]string {
	return map[string]string{
		"X-RateLimit-Limit":     strconv.Itoa(r.Limit),
		"X-RateLimit-Remaining": strconv.Itoa(r.Remaining),
		"X-RateLimit-Reset":     strconv.FormatInt(r.ResetAt.Unix(), 10),
	}
}

// Limiter decides whether a request identified by key is admitted under rule.
// Implementations must be safe for concurrent use. Allow never returns an
// error: store failures are folded into the result per Rule.FailClosed.
type Limiter interface {
	Allow(ctx context.Context, rule Rule, key string) Result

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// Admit is the bare admission contract: it reports whether key may proceed
// and, when it may not, how many seconds to wait.
func Admit(ctx context.Context, l Limiter, key string, limit int, window time.Duration) (bool, int) {
	res := l.Allow(ctx, Rule{Prefix: "admit", Limit: limit, Window: window}, key)
	if res.Allowed {
		return true, 0
	}
	return false, res.RetryAfter
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always admits and reports the full limit as remaining.
func (NoopLimiter) Allow(_ context.Context, rule Rule, _ string) Result {
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   time.Now().Add(rule.Window),
	}
}

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }

// counterKey names the counter for one (rule, key, window) triple.
func counterKey(rule Rule, key string, windowStart time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%d", rule.Prefix, key, windowStart.Unix())
}

// decide converts a post-increment count into a Result.
func decide(rule Rule, count int64, resetAt, now time.Time) Result {
	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	res := Result{
		Allowed:   count <= int64(rule.Limit),
		Limit:     rule.Limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
	if !res.Allowed {
		res.RetryAfter = retryAfterSeconds(resetAt.Sub(now))
	}
	return res
}

// failure builds the result for an unreachable store.
func failure(rule Rule, resetAt, now time.Time) Result {
	if rule.FailClosed {
		return Result{
			Limit:      rule.Limit,
			ResetAt:    resetAt,
			RetryAfter: retryAfterSeconds(resetAt.Sub(now)),
			Degraded:   true,
		}
	}
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit,
		ResetAt:   resetAt,
		Degraded:  true,
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
