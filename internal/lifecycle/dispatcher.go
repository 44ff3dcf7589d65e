package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/redact"
	"github.com/ashita-ai/kanri/internal/telemetry"
)

// Start launches the dispatch workers, re-enqueues runs left pending by a
// previous process, and starts the stuck-run sweeper. Call Drain to stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("lifecycle: already started")
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.stop = cancel
	g, gctx := errgroup.WithContext(loopCtx)
	for i := 0; i < m.cfg.Workers; i++ {
		g.Go(func() error {
			m.worker(gctx)
			return nil
		})
	}
	m.group = g
	m.mu.Unlock()

	m.registerMetrics()

	pending, err := m.store.ListRunsByStatus(ctx, model.RunStatusPending, m.cfg.QueueSize)
	if err != nil {
		return storeErr("list pending runs", err)
	}
	requeued := 0
	for _, r := range pending {
		if !m.enqueue(r.ID) {
			m.logger.Warn("dispatch queue full during recovery; sweeper will fail the rest",
				"requeued", requeued, "remaining", len(pending)-requeued)
			break
		}
		requeued++
	}
	if requeued > 0 {
		m.logger.Info("re-enqueued pending runs", "count", requeued)
	}

	if m.cfg.SweepSchedule != "" {
		sw, err := NewSweeper(m, m.cfg.SweepSchedule, m.logger)
		if err != nil {
			return err
		}
		if err := sw.Start(loopCtx); err != nil {
			return err
		}
		m.mu.Lock()
		m.sweeper = sw
		m.mu.Unlock()
	}
	return nil
}

// Drain stops the workers after their current run. Runs still queued stay
// pending in the store and are picked up on the next Start. If ctx expires
// first, in-flight executor calls are cancelled.
func (m *Manager) Drain(ctx context.Context) {
	m.mu.Lock()
	stop, g, sw := m.stop, m.group, m.sweeper
	m.mu.Unlock()
	if stop == nil {
		return
	}
	if sw != nil {
		sw.Stop()
	}
	stop()

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("lifecycle: drain timed out, cancelling in-flight runs")
		m.mu.Lock()
		for _, cancel := range m.inflight {
			cancel()
		}
		m.mu.Unlock()
		<-done
	}
}

// QueueDepth returns the number of runs waiting for a worker.
func (m *Manager) QueueDepth() int {
	return len(m.queue)
}

func (m *Manager) enqueue(id uuid.UUID) bool {
	select {
	case m.queue <- id:
		return true
	default:
		return false
	}
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-m.queue:
			m.dispatch(id)
		}
	}
}

// dispatch executes one queued run. It runs on its own context so that
// Drain lets the current call finish.
func (m *Manager) dispatch(id uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ExecTimeout)
	defer cancel()
	m.mu.Lock()
	m.inflight[id] = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.inflight, id)
		m.mu.Unlock()
	}()

	r, err := m.store.GetRun(ctx, id)
	if err != nil {
		m.logger.Error("dispatch: load run", "run_id", id, "error", err)
		return
	}
	if r.Status != model.RunStatusPending {
		m.logger.Debug("dispatch: run no longer pending", "run_id", id, "status", r.Status)
		return
	}

	var creds Credentials
	if m.creds != nil {
		creds, err = m.creds.Resolve(ctx, r.PrincipalID, r.Provider)
		if err != nil {
			m.fail(ctx, r, "credential resolution failed: "+err.Error(), model.RunStatusPending)
			return
		}
	}

	r, err = m.store.TransitionRun(ctx, model.RunTransition{
		RunID: r.ID,
		From:  []model.RunStatus{model.RunStatusPending},
		To:    model.RunStatusRunning,
		At:    m.clock.Now(),
	}, nil)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			m.logger.Debug("dispatch: run left pending before start", "run_id", id)
			return
		}
		m.logger.Error("dispatch: mark running", "run_id", id, "error", err)
		return
	}
	m.countTransition(ctx, model.RunStatusRunning)

	// Without an executor the run waits for the completion callback.
	if m.executor == nil {
		return
	}

	out, err := m.executor.Execute(ctx, ExecRequest{
		RunID:       r.ID,
		PrincipalID: r.PrincipalID,
		Model:       r.Model,
		Provider:    r.Provider,
		Input:       r.Input,
		Temperature: r.Temperature,
		Credentials: creds,
	})
	if err != nil {
		upstream := &model.UpstreamError{Message: redact.String(err.Error())}
		m.fail(ctx, r, upstream.Error(), model.RunStatusRunning)
		return
	}
	if out.Status != model.RunStatusSuccess && out.Status != model.RunStatusError {
		m.fail(ctx, r, fmt.Sprintf("executor returned invalid status %q", out.Status), model.RunStatusRunning)
		return
	}
	if _, err := m.finish(ctx, r, out, []model.RunStatus{model.RunStatusRunning}); err != nil {
		m.logRaced(r.ID, err)
	}
}

// fail moves r to error with msg. Callers pass the status r is expected in.
func (m *Manager) fail(ctx context.Context, r model.Run, msg string, from model.RunStatus) {
	// The run's own context may be the reason we are here.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), m.cfg.ExecTimeout)
		defer cancel()
	}
	if _, err := m.finish(ctx, r, Outcome{Status: model.RunStatusError, ErrorMessage: &msg}, []model.RunStatus{from}); err != nil {
		m.logRaced(r.ID, err)
	}
}

func (m *Manager) logRaced(id uuid.UUID, err error) {
	if errors.Is(err, model.ErrConflict) {
		m.logger.Debug("dispatch: run finished elsewhere", "run_id", id)
		return
	}
	m.logger.Error("dispatch: record outcome", "run_id", id, "error", err)
}

func (m *Manager) abortInflight(id uuid.UUID) {
	m.mu.Lock()
	cancel, ok := m.inflight[id]
	m.mu.Unlock()
	if ok {
		cancel()
	}
}

func (m *Manager) registerMetrics() {
	meter := telemetry.Meter("kanri/lifecycle")

	_, _ = meter.Int64ObservableGauge("kanri.dispatch.queue_depth",
		metric.WithDescription("Runs waiting for a dispatch worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(m.QueueDepth()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kanri.dispatch.inflight",
		metric.WithDescription("Runs currently held by a dispatch worker"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.Lock()
			n := len(m.inflight)
			m.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
}
