package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/ratelimit"
	"github.com/ashita-ai/kanri/internal/redact"
)

// StartRunRequest is a StartRun call on behalf of PrincipalID.
type StartRunRequest struct {
	PrincipalID string
	model.StartRunRequest
}

func runEvent(r model.Run, t model.AuditEventType, p model.AuditPayload) model.AuditEvent {
	return model.AuditEvent{
		PrincipalID: r.PrincipalID,
		EventType:   t,
		EntityType:  ptr(model.EntityRun),
		EntityID:    ptr(r.ID.String()),
		Payload:     audit.Scrub(p),
	}
}

// StartRun admits, persists and enqueues a new run. It returns as soon as the
// run is stored as pending; execution happens on the dispatcher.
//
// Refusals are typed: a paused or retired agent is a Conflict, the run_start
// rate limit yields *model.QuotaExceededError, and a reached daily cap yields
// *model.BudgetExceededError after a budget.exceeded audit event is written.
func (m *Manager) StartRun(ctx context.Context, req StartRunRequest) (model.Run, error) {
	if err := model.ValidatePrincipalID(req.PrincipalID); err != nil {
		return model.Run{}, invalid("%v", err)
	}
	if err := req.Validate(); err != nil {
		return model.Run{}, invalid("%v", err)
	}

	agent, err := m.store.GetAgent(ctx, req.PrincipalID, req.AgentID)
	if err != nil {
		return model.Run{}, storeErr("get agent", err)
	}
	if !agent.Runnable() {
		return model.Run{}, fmt.Errorf("lifecycle: %w: agent %s is %s", model.ErrConflict, agent.ID, agent.Status)
	}

	if m.cfg.RunStartLimit > 0 {
		res := m.limiter.Allow(ctx, ratelimit.Rule{
			Prefix:     RunStartScope,
			Limit:      m.cfg.RunStartLimit,
			Window:     m.cfg.RunStartWindow,
			FailClosed: m.cfg.RunStartFailClosed,
		}, req.PrincipalID)
		if !res.Allowed {
			if m.admissionDenials != nil {
				m.admissionDenials.Add(ctx, 1)
			}
			return model.Run{}, &model.QuotaExceededError{Scope: RunStartScope, RetryAfterSeconds: res.RetryAfter}
		}
	}

	eval, err := m.budget.Evaluate(ctx, req.PrincipalID, agent.ID, agent.BudgetDailyUSD)
	if err != nil {
		return model.Run{}, fmt.Errorf("lifecycle: evaluate budget: %w", err)
	}
	if eval.Exceeded {
		if m.budgetRejections != nil {
			m.budgetRejections.Add(ctx, 1)
		}
		if _, err := m.audit.Append(ctx, audit.Entry{
			PrincipalID: req.PrincipalID,
			EventType:   model.EventBudgetExceeded,
			EntityType:  ptr(model.EntityAgent),
			EntityID:    ptr(agent.ID.String()),
			Payload:     model.AuditPayload{BudgetExceeded: &model.BudgetExceededPayload{AgentID: agent.ID, Budget: eval.Meta}},
		}); err != nil {
			return model.Run{}, fmt.Errorf("lifecycle: record budget rejection: %w", err)
		}
		return model.Run{}, &model.BudgetExceededError{Meta: eval.Meta}
	}

	now := m.clock.Now()
	if req.RetryOfRunID != nil {
		if err := m.validateRetry(ctx, req.PrincipalID, req.RunID, *req.RetryOfRunID, now); err != nil {
			return model.Run{}, err
		}
	}

	id := uuid.New()
	if req.RunID != nil {
		id = *req.RunID
	}
	run := model.Run{
		ID:           id,
		PrincipalID:  req.PrincipalID,
		AgentID:      &agent.ID,
		Status:       model.RunStatusPending,
		Model:        req.Model,
		Provider:     req.Provider,
		Input:        req.Input,
		RetryOfRunID: req.RetryOfRunID,
		AgentSpecID:  req.AgentSpecID,
		Temperature:  req.Temperature,
		CreatedAt:    now,
	}
	run, err = m.store.CreateRun(ctx, run, runEvent(run, model.EventRunStarted, model.AuditPayload{
		RunStarted: &model.RunStartedPayload{
			AgentID:      run.AgentID,
			Model:        run.Model,
			Provider:     run.Provider,
			RetryOfRunID: run.RetryOfRunID,
			AgentSpecID:  run.AgentSpecID,
		},
	}))
	if err != nil {
		return model.Run{}, storeErr("create run", err)
	}
	m.countTransition(ctx, model.RunStatusPending)

	if !m.enqueue(run.ID) {
		m.logger.Warn("dispatch queue full, failing run", "run_id", run.ID, "queue_size", m.cfg.QueueSize)
		failed, err := m.finish(ctx, run, Outcome{Status: model.RunStatusError, ErrorMessage: ptr("dispatch queue full")},
			[]model.RunStatus{model.RunStatusPending})
		if err != nil {
			m.logger.Error("failed to mark undispatched run", "run_id", run.ID, "error", err)
			return run, nil
		}
		return failed, nil
	}
	return run, nil
}

// validateRetry checks that retryOf is a terminal run of the same principal
// and that walking its lineage never revisits newID or a run already seen,
// with creation times strictly decreasing from now.
func (m *Manager) validateRetry(ctx context.Context, principalID string, newID *uuid.UUID, retryOf uuid.UUID, now time.Time) error {
	if newID != nil && *newID == retryOf {
		return fmt.Errorf("lifecycle: %w: run %s cannot retry itself", ErrInvalidRetry, retryOf)
	}
	parent, err := m.GetRun(ctx, principalID, retryOf)
	if err != nil {
		return err
	}
	if !parent.Status.Terminal() {
		return fmt.Errorf("lifecycle: %w: run %s is %s, only finished runs can be retried", ErrInvalidRetry, parent.ID, parent.Status)
	}

	seen := make(map[uuid.UUID]struct{}, 8)
	cur, newer := parent, now
	for depth := 1; ; depth++ {
		if depth > MaxRetryDepth {
			return fmt.Errorf("lifecycle: %w: chain exceeds %d runs", ErrInvalidRetry, MaxRetryDepth)
		}
		if newID != nil && cur.ID == *newID {
			return fmt.Errorf("lifecycle: %w: chain revisits run %s", ErrInvalidRetry, cur.ID)
		}
		if _, dup := seen[cur.ID]; dup {
			return fmt.Errorf("lifecycle: %w: chain revisits run %s", ErrInvalidRetry, cur.ID)
		}
		seen[cur.ID] = struct{}{}
		if cur.PrincipalID != principalID {
			return fmt.Errorf("lifecycle: %w: chain crosses principals at run %s", ErrInvalidRetry, cur.ID)
		}
		if !cur.CreatedAt.Before(newer) {
			return fmt.Errorf("lifecycle: %w: run %s is not older than its retry", ErrInvalidRetry, cur.ID)
		}
		if cur.RetryOfRunID == nil {
			return nil
		}
		newer = cur.CreatedAt
		next, err := m.store.GetRun(ctx, *cur.RetryOfRunID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return fmt.Errorf("lifecycle: %w: chain references missing run %s", ErrInvalidRetry, *cur.RetryOfRunID)
			}
			return storeErr("walk retry chain", err)
		}
		cur = next
	}
}

// GetRun returns the principal's run. Runs owned by others are reported as
// not found.
func (m *Manager) GetRun(ctx context.Context, principalID string, id uuid.UUID) (model.Run, error) {
	r, err := m.store.GetRun(ctx, id)
	if err != nil {
		return model.Run{}, storeErr("get run", err)
	}
	if r.PrincipalID != principalID {
		return model.Run{}, fmt.Errorf("lifecycle: %w: run %s", model.ErrNotFound, id)
	}
	return r, nil
}

// ListRuns returns the agent's runs, newest first.
func (m *Manager) ListRuns(ctx context.Context, principalID string, agentID uuid.UUID, limit, offset int) ([]model.Run, error) {
	if _, err := m.store.GetAgent(ctx, principalID, agentID); err != nil {
		return nil, storeErr("get agent", err)
	}
	runs, err := m.store.ListRunsByAgent(ctx, principalID, agentID, limit, offset)
	if err != nil {
		return nil, storeErr("list runs", err)
	}
	if runs == nil {
		runs = []model.Run{}
	}
	return runs, nil
}

// Complete applies a terminal outcome to a run. Success is only accepted
// from running; error also from pending. A second completion of the same
// run returns a Conflict and changes nothing.
//
// Without an explicit cost the outcome is priced from its token usage.
// The usage rollup is updated afterwards; a rollup failure is logged only.
func (m *Manager) Complete(ctx context.Context, runID uuid.UUID, o Outcome) (model.Run, error) {
	var from []model.RunStatus
	switch o.Status {
	case model.RunStatusSuccess:
		from = []model.RunStatus{model.RunStatusRunning}
	case model.RunStatusError:
		from = []model.RunStatus{model.RunStatusPending, model.RunStatusRunning}
	default:
		return model.Run{}, invalid("status must be %q or %q", model.RunStatusSuccess, model.RunStatusError)
	}
	if o.CostUSD != nil && *o.CostUSD < 0 {
		return model.Run{}, invalid("cost_usd must be >= 0")
	}

	r, err := m.store.GetRun(ctx, runID)
	if err != nil {
		return model.Run{}, storeErr("get run", err)
	}
	if r.Status.Terminal() {
		return model.Run{}, fmt.Errorf("lifecycle: %w: run %s is already %s", model.ErrConflict, r.ID, r.Status)
	}
	return m.finish(ctx, r, o, from)
}

func (m *Manager) finish(ctx context.Context, r model.Run, o Outcome, from []model.RunStatus) (model.Run, error) {
	at := m.clock.Now()
	modelUsed := o.ModelUsed
	if modelUsed == "" {
		modelUsed = r.Model
	}

	var (
		costUSD     *float64
		approximate bool
	)
	if o.CostUSD != nil && *o.CostUSD >= 0 {
		costUSD = ptr(*o.CostUSD)
	} else if est, ok := m.estimator.EstimateWithFallback(modelUsed, o.Usage); ok {
		costUSD = ptr(est.USD)
		approximate = est.Approximate
	}

	var duration *int64
	if r.StartedAt != nil {
		d := at.Sub(*r.StartedAt).Milliseconds()
		if d < 0 {
			d = 0
		}
		duration = &d
	}

	evType := model.EventRunSucceeded
	if o.Status == model.RunStatusError {
		evType = model.EventRunFailed
	}
	errMsg := redact.Ptr(o.ErrorMessage)
	u := o.Usage
	ev := runEvent(r, evType, model.AuditPayload{RunFinished: &model.RunFinishedPayload{
		Status:            o.Status,
		Model:             modelUsed,
		Usage:             u,
		CostEstimateUSD:   costUSD,
		CostIsApproximate: approximate,
		ErrorMessage:      errMsg,
		DurationMs:        duration,
	}})

	updated, err := m.store.TransitionRun(ctx, model.RunTransition{
		RunID:             r.ID,
		From:              from,
		To:                o.Status,
		Model:             &modelUsed,
		Usage:             &u,
		CostEstimateUSD:   costUSD,
		CostIsApproximate: approximate,
		ErrorMessage:      errMsg,
		OutputText:        o.OutputText,
		At:                at,
	}, &ev)
	if err != nil {
		return model.Run{}, storeErr("complete run", err)
	}
	m.countTransition(ctx, o.Status)
	if duration != nil && m.runDuration != nil {
		m.runDuration.Record(ctx, float64(*duration), metric.WithAttributes(attribute.String("status", string(o.Status))))
	}

	var usd float64
	if costUSD != nil {
		usd = *costUSD
	}
	if _, err := m.usage.Record(ctx, r.PrincipalID, r.CreatedAt, u.Total(), usd); err != nil {
		m.logger.Error("usage rollup failed", "run_id", r.ID, "principal_id", r.PrincipalID, "error", err)
	}
	return updated, nil
}

// CancelRun cancels one pending or running run. Cancelling a cancelled run
// returns it unchanged; a run that already succeeded or failed is a Conflict.
func (m *Manager) CancelRun(ctx context.Context, principalID string, runID uuid.UUID, reason string) (model.Run, error) {
	r, err := m.GetRun(ctx, principalID, runID)
	if err != nil {
		return model.Run{}, err
	}
	if r.Status == model.RunStatusCancelled {
		return r, nil
	}
	if r.Status.Terminal() {
		return model.Run{}, fmt.Errorf("lifecycle: %w: run %s is already %s", model.ErrConflict, r.ID, r.Status)
	}
	return m.cancel(ctx, r, redact.String(reason))
}

// cancel moves r to cancelled, recording the status it left. If r moved on
// since it was read, the transition is retried once against the fresh state.
func (m *Manager) cancel(ctx context.Context, r model.Run, reason string) (model.Run, error) {
	for attempt := 0; ; attempt++ {
		ev := runEvent(r, model.EventRunCancelled, model.AuditPayload{RunCancelled: &model.RunCancelledPayload{
			AgentID:    r.AgentID,
			PriorState: r.Status,
			Reason:     reason,
		}})
		updated, err := m.store.TransitionRun(ctx, model.RunTransition{
			RunID: r.ID,
			From:  []model.RunStatus{r.Status},
			To:    model.RunStatusCancelled,
			At:    m.clock.Now(),
		}, &ev)
		if err == nil {
			m.countTransition(ctx, model.RunStatusCancelled)
			m.abortInflight(r.ID)
			return updated, nil
		}
		if !errors.Is(err, model.ErrConflict) || attempt > 0 {
			return model.Run{}, storeErr("cancel run", err)
		}
		fresh, gerr := m.store.GetRun(ctx, r.ID)
		if gerr != nil {
			return model.Run{}, storeErr("get run", gerr)
		}
		if fresh.Status.Terminal() {
			return model.Run{}, storeErr("cancel run", err)
		}
		r = fresh
	}
}

func (m *Manager) countTransition(ctx context.Context, to model.RunStatus) {
	if m.transitions != nil {
		m.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(to))))
	}
}
