// Package clock computes UTC day and fixed-window boundaries shared by the
// admission counter and the budget accountant.
package clock

import (
	"sync"
	"time"
)

// Clock is a source of the current time. Components take one at construction
// so tests can pin "now".
type Clock interface {
	Now() time.Time
}

// System is the wall clock, always reported in UTC.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time { return time.Now().UTC() }

// Fixed is a settable clock for tests. The zero value reports the zero time.
type Fixed struct {
	mu sync.Mutex
	t  time.Time
}

// NewFixed returns a Fixed clock set to t.
func NewFixed(t time.Time) *Fixed {
	return &Fixed{t: t.UTC()}
}

// Now returns the pinned time.
func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

// Set pins the clock to t.
func (f *Fixed) Set(t time.Time) {
	f.mu.Lock()
	f.t = t.UTC()
	f.mu.Unlock()
}

// Advance moves the clock forward by d.
func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

// DayStart returns UTC midnight of t's UTC calendar date.
func DayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayBounds returns the half-open UTC day [start, end) containing t.
func DayBounds(t time.Time) (start, end time.Time) {
	start = DayStart(t)
	return start, start.AddDate(0, 0, 1)
}

// WindowStart returns the start of the fixed window of length window that
// contains t. Windows are aligned to the Unix epoch, so every instance
// computes the same boundaries. A non-positive window returns t unchanged.
func WindowStart(t time.Time, window time.Duration) time.Time {
	if window <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(window)
}

// WindowEnd returns the exclusive end of the window containing t.
func WindowEnd(t time.Time, window time.Duration) time.Time {
	return WindowStart(t, window).Add(window)
}
