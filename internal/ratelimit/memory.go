package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/ashita-ai/kanri/internal/clock"
)

// window is the counter for one key in one fixed window.
type window struct {
	start time.Time
	count int64
}

// MemoryLimiter implements Limiter with in-process fixed windows. Counters are
// not shared between instances. A background goroutine evicts windows that
// have already ended.
type MemoryLimiter struct {
	clock clock.Clock

	mu      sync.Mutex
	windows map[string]*window
	ends    map[string]time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates an in-memory limiter. Call Close to stop eviction.
func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.System{}
	}
	m := &MemoryLimiter{
		clock:   clk,
		windows: make(map[string]*window),
		ends:    make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow counts one hit against the current window for key.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) Result {
	now := m.clock.Now()
	start := clock.WindowStart(now, rule.Window)
	end := clock.WindowEnd(now, rule.Window)
	id := rule.Prefix + "\x00" + key

	m.mu.Lock()
	w, ok := m.windows[id]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		m.windows[id] = w
		m.ends[id] = end
	}
	w.count++
	count := w.count
	m.mu.Unlock()

	return decide(rule, count, end, now)
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// cleanup periodically evicts windows that have ended.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryLimiter) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for id, end := range m.ends {
		if !now.Before(end) {
			delete(m.windows, id)
			delete(m.ends, id)
		}
	}
}
