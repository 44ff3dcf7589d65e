package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/redact"
)

// KillOptions controls KillAgent.
type KillOptions struct {
	// Retire moves the agent to retired instead of paused. Retired agents
	// cannot be resumed.
	Retire bool
	Reason string
}

// KillResult reports what KillAgent changed.
type KillResult struct {
	Agent           model.Agent `json:"agent"`
	CancelledRunIDs []uuid.UUID `json:"cancelled_run_ids"`
}

func agentEvent(a model.Agent, t model.AuditEventType, p model.AuditPayload) model.AuditEvent {
	return model.AuditEvent{
		PrincipalID: a.PrincipalID,
		EventType:   t,
		EntityType:  ptr(model.EntityAgent),
		EntityID:    ptr(a.ID.String()),
		Payload:     audit.Scrub(p),
	}
}

// CreateAgent registers a new active agent.
func (m *Manager) CreateAgent(ctx context.Context, principalID string, req model.CreateAgentRequest) (model.Agent, error) {
	if err := model.ValidatePrincipalID(principalID); err != nil {
		return model.Agent{}, invalid("%v", err)
	}
	if err := req.Validate(); err != nil {
		return model.Agent{}, invalid("%v", err)
	}
	a := model.Agent{
		ID:             uuid.New(),
		PrincipalID:    principalID,
		Name:           req.Name,
		Status:         model.AgentStatusActive,
		BudgetDailyUSD: req.BudgetDailyUSD,
		CreatedAt:      m.clock.Now(),
	}
	created, err := m.store.CreateAgent(ctx, a, agentEvent(a, model.EventAgentCreated, model.AuditPayload{
		AgentChanged: &model.AgentChangedPayload{Name: a.Name, Status: a.Status, BudgetDailyUSD: a.BudgetDailyUSD},
	}))
	if err != nil {
		return model.Agent{}, storeErr("create agent", err)
	}
	m.logger.Info("agent created", "principal_id", principalID, "agent_id", created.ID)
	return created, nil
}

// GetAgent returns the principal's agent.
func (m *Manager) GetAgent(ctx context.Context, principalID string, id uuid.UUID) (model.Agent, error) {
	a, err := m.store.GetAgent(ctx, principalID, id)
	if err != nil {
		return model.Agent{}, storeErr("get agent", err)
	}
	return a, nil
}

// ListAgents returns the principal's agents, oldest first.
func (m *Manager) ListAgents(ctx context.Context, principalID string, limit, offset int) ([]model.Agent, error) {
	agents, err := m.store.ListAgents(ctx, principalID, limit, offset)
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	return agents, nil
}

// UpdateBudget replaces the agent's daily cap. A nil cap removes enforcement.
func (m *Manager) UpdateBudget(ctx context.Context, principalID string, id uuid.UUID, capUSD *float64) (model.Agent, error) {
	if err := model.ValidateBudget(capUSD); err != nil {
		return model.Agent{}, invalid("%v", err)
	}
	a, err := m.store.GetAgent(ctx, principalID, id)
	if err != nil {
		return model.Agent{}, storeErr("get agent", err)
	}
	updated, err := m.store.SetAgentBudget(ctx, principalID, id, capUSD, agentEvent(a, model.EventAgentBudgetUpdated, model.AuditPayload{
		AgentChanged: &model.AgentChangedPayload{Name: a.Name, Status: a.Status, BudgetDailyUSD: capUSD},
	}))
	if err != nil {
		return model.Agent{}, storeErr("set agent budget", err)
	}
	return updated, nil
}

// KillAgent stops the agent and cancels its pending and running runs.
// Each cancellation is guarded individually; runs that finished in the
// meantime are skipped. Killing an already paused agent with nothing in
// flight succeeds and cancels nothing.
func (m *Manager) KillAgent(ctx context.Context, principalID string, id uuid.UUID, opts KillOptions) (KillResult, error) {
	a, err := m.store.GetAgent(ctx, principalID, id)
	if err != nil {
		return KillResult{}, storeErr("get agent", err)
	}
	to := model.AgentStatusPaused
	if opts.Retire || a.Status == model.AgentStatusRetired {
		to = model.AgentStatusRetired
	}
	reason := redact.String(opts.Reason)

	updated, err := m.store.SetAgentStatus(ctx, principalID, id,
		[]model.AgentStatus{model.AgentStatusActive, model.AgentStatusPaused, model.AgentStatusRetired}, to, nil)
	if err != nil {
		return KillResult{}, storeErr("set agent status", err)
	}

	active, err := m.store.ListActiveRuns(ctx, principalID, id)
	if err != nil {
		return KillResult{}, storeErr("list active runs", err)
	}
	cancelled := []uuid.UUID{}
	for _, r := range active {
		if _, err := m.cancel(ctx, r, reason); err != nil {
			if errors.Is(err, model.ErrConflict) {
				continue
			}
			return KillResult{}, err
		}
		cancelled = append(cancelled, r.ID)
	}

	if _, err := m.audit.Append(ctx, audit.Entry{
		PrincipalID: principalID,
		EventType:   model.EventAgentKilled,
		EntityType:  ptr(model.EntityAgent),
		EntityID:    ptr(id.String()),
		Payload: model.AuditPayload{AgentKilled: &model.AgentKilledPayload{
			PreviousStatus:  a.Status,
			NewStatus:       to,
			CancelledRunIDs: cancelled,
			Reason:          reason,
		}},
	}); err != nil {
		return KillResult{}, fmt.Errorf("lifecycle: kill agent: %w", err)
	}

	m.logger.Info("agent killed",
		"principal_id", principalID, "agent_id", id, "status", to, "cancelled_runs", len(cancelled))
	return KillResult{Agent: updated, CancelledRunIDs: cancelled}, nil
}

// ResumeAgent moves a paused agent back to active. Resuming an active agent
// is a no-op; a retired agent stays retired.
func (m *Manager) ResumeAgent(ctx context.Context, principalID string, id uuid.UUID) (model.Agent, error) {
	a, err := m.store.GetAgent(ctx, principalID, id)
	if err != nil {
		return model.Agent{}, storeErr("get agent", err)
	}
	if a.Status == model.AgentStatusActive {
		return a, nil
	}
	ev := agentEvent(a, model.EventAgentResumed, model.AuditPayload{
		AgentChanged: &model.AgentChangedPayload{Name: a.Name, Status: model.AgentStatusActive, BudgetDailyUSD: a.BudgetDailyUSD},
	})
	updated, err := m.store.SetAgentStatus(ctx, principalID, id,
		[]model.AgentStatus{model.AgentStatusPaused}, model.AgentStatusActive, &ev)
	if err != nil {
		return model.Agent{}, storeErr("resume agent", err)
	}
	return updated, nil
}
