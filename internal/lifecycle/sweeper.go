package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/ashita-ai/kanri/internal/model"
)

// sweepBatch caps how many stuck runs one sweep examines.
const sweepBatch = 500

// SweepStuckRuns fails runs that have been running, or waiting to be
// dispatched, for longer than StuckRunTimeout. It returns how many runs it
// moved to error.
func (m *Manager) SweepStuckRuns(ctx context.Context) (int, error) {
	cutoff := m.clock.Now().Add(-m.cfg.StuckRunTimeout)
	stuck, err := m.store.ListStuckRuns(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, storeErr("list stuck runs", err)
	}

	swept := 0
	for _, r := range stuck {
		msg := fmt.Sprintf("run timed out after %s in %s", m.cfg.StuckRunTimeout, r.Status)
		if _, err := m.finish(ctx, r, Outcome{Status: model.RunStatusError, ErrorMessage: &msg},
			[]model.RunStatus{r.Status}); err != nil {
			if errors.Is(err, model.ErrConflict) {
				continue
			}
			return swept, err
		}
		m.abortInflight(r.ID)
		swept++
	}
	if swept > 0 {
		m.logger.Warn("swept stuck runs", "count", swept, "timeout", m.cfg.StuckRunTimeout)
	}
	return swept, nil
}

// Sweeper runs SweepStuckRuns on a cron schedule.
type Sweeper struct {
	manager  *Manager
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewSweeper validates schedule and returns a stopped Sweeper.
func NewSweeper(m *Manager, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("lifecycle: invalid sweep schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		manager:  m,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger.With("component", "lifecycle.sweeper"),
	}, nil
}

// Start schedules sweeps until Stop is called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("lifecycle: schedule sweeper: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweeper started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	n, err := s.manager.SweepStuckRuns(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "error", err)
		return
	}
	s.logger.Debug("sweep completed", "swept", n)
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("sweeper stopped")
}
