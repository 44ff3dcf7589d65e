package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ashita-ai/kanri/internal/clock"
)

func closeLimiter(t *testing.T, m *MemoryLimiter) {
	t.Helper()
	if err := m.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

// epoch is aligned to a minute boundary so window math is easy to follow.
var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryLimiterAllowUnderLimit(t *testing.T) {
	m := NewMemoryLimiter(clock.NewFixed(epoch))
	defer closeLimiter(t, m)

	rule := Rule{Prefix: "api", Limit: 5, Window: time.Minute}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		res := m.Allow(ctx, rule, "k1")
		if !res.Allowed {
			t.Fatalf("expected request %d to be allowed", i)
		}
		if res.Remaining != 5-i-1 {
			t.Fatalf("request %d: remaining = %d, want %d", i, res.Remaining, 5-i-1)
		}
	}
}

func TestMemoryLimiterDenyOverLimit(t *testing.T) {
	clk := clock.NewFixed(epoch.Add(15 * time.Second))
	m := NewMemoryLimiter(clk)
	defer closeLimiter(t, m)

	rule := Rule{Prefix: "api", Limit: 2, Window: time.Minute}
	ctx := context.Background()
	m.Allow(ctx, rule, "k1")
	m.Allow(ctx, rule, "k1")

	res := m.Allow(ctx, rule, "k1")
	if res.Allowed {
		t.Fatal("expected third request to be denied")
	}
	if res.Remaining != 0 {
		t.Fatalf("remaining = %d, want 0", res.Remaining)
	}
	if res.RetryAfter != 45 {
		t.Fatalf("retry after = %d, want 45", res.RetryAfter)
	}
	if !res.ResetAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("reset at = %v, want %v", res.ResetAt, epoch.Add(time.Minute))
	}
}

func TestMemoryLimiterRetryAfterRoundsUp(t *testing.T) {
	clk := clock.NewFixed(epoch.Add(59*time.Second + 900*time.Millisecond))
	m := NewMemoryLimiter(clk)
	defer closeLimiter(t, m)

	rule := Rule{Prefix: "api", Limit: 1, Window: time.Minute}
	ctx := context.Background()
	m.Allow(ctx, rule, "k1")
	res := m.Allow(ctx, rule, "k1")
	if res.Allowed {
		t.Fatal("expected denial")
	}
	if res.RetryAfter != 1 {
		t.Fatalf("retry after = %d, want 1", res.RetryAfter)
	}
}

func TestMemoryLimiterNewWindowResets(t *testing.T) {
	clk := clock.NewFixed(epoch)
	m := NewMemoryLimiter(clk)
	defer closeLimiter(t, m)

	rule := Rule{Prefix: "api", Limit: 1, Window: time.Minute}
	ctx := context.Background()
	if !m.Allow(ctx, rule, "k1").Allowed {
		t.Fatal("first request should be allowed")
	}
	if m.Allow(ctx, rule, "k1").Allowed {
		t.Fatal("second request in the same window should be denied")
	}

	clk.Advance(time.Minute)
	if !m.Allow(ctx, rule, "k1").Allowed {
		t.Fatal("request in the next window should be allowed")
	}
}

func TestMemoryLimiterIndependentKeysAndPrefixes(t *testing.T) {
	m := NewMemoryLimiter(clock.NewFixed(epoch))
	defer closeLimiter(t, m)

	ctx := context.Background()
	api := Rule{Prefix: "api", Limit: 1, Window: time.Minute}
	start := Rule{Prefix: "run_start", Limit: 1, Window: time.Minute}

	if !m.Allow(ctx, api, "a").Allowed {
		t.Fatal("a should be allowed")
	}
	if !m.Allow(ctx, api, "b").Allowed {
		t.Fatal("b has its own counter")
	}
	if !m.Allow(ctx, start, "a").Allowed {
		t.Fatal("run_start scope has its own counter")
	}
	if m.Allow(ctx, api, "a").Allowed {
		t.Fatal("a is over the api limit")
	}
}

func TestMemoryLimiterConcurrentExactCount(t *testing.T) {
	m := NewMemoryLimiter(clock.NewFixed(epoch))
	defer closeLimiter(t, m)

	rule := Rule{Prefix: "api", Limit: 100, Window: time.Minute}
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 250; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Allow(ctx, rule, "shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 100 {
		t.Fatalf("allowed = %d, want exactly 100", allowed)
	}
}

func TestMemoryLimiterEvictExpired(t *testing.T) {
	clk := clock.NewFixed(epoch)
	m := NewMemoryLimiter(clk)
	defer closeLimiter(t, m)

	ctx := context.Background()
	m.Allow(ctx, Rule{Prefix: "short", Limit: 5, Window: time.Minute}, "k1")
	m.Allow(ctx, Rule{Prefix: "long", Limit: 5, Window: time.Hour}, "k1")

	clk.Advance(2 * time.Minute)
	m.evictExpired()

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.windows) != 1 {
		t.Fatalf("expected 1 live window after eviction, got %d", len(m.windows))
	}
	if _, ok := m.windows["long\x00k1"]; !ok {
		t.Fatal("hour-long window should survive")
	}
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(nil)
	if err := m.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	rule := Rule{Prefix: "api", Limit: 1, Window: time.Minute}
	for i := 0; i < 100; i++ {
		res := l.Allow(context.Background(), rule, "k")
		if !res.Allowed {
			t.Fatalf("NoopLimiter denied request %d", i)
		}
		if res.Remaining != 1 {
			t.Fatalf("remaining = %d, want 1", res.Remaining)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
}

func TestAdmit(t *testing.T) {
	m := NewMemoryLimiter(clock.NewFixed(epoch.Add(30 * time.Second)))
	defer closeLimiter(t, m)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, retry := Admit(ctx, m, "p1", 3, time.Minute)
		if !ok || retry != 0 {
			t.Fatalf("call %d: got (%v, %d), want (true, 0)", i, ok, retry)
		}
	}
	ok, retry := Admit(ctx, m, "p1", 3, time.Minute)
	if ok {
		t.Fatal("fourth call should be denied")
	}
	if retry != 30 {
		t.Fatalf("retry = %d, want 30", retry)
	}
}

func TestFailurePolicy(t *testing.T) {
	now := epoch
	reset := epoch.Add(10 * time.Second)

	open := failure(Rule{Limit: 5}, reset, now)
	if !open.Allowed || !open.Degraded {
		t.Fatalf("fail-open result = %+v", open)
	}

	closed := failure(Rule{Limit: 5, FailClosed: true}, reset, now)
	if closed.Allowed || !closed.Degraded || closed.RetryAfter != 10 {
		t.Fatalf("fail-closed result = %+v", closed)
	}
}
