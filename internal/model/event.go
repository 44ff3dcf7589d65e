package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditEventType tags an audit event. The set is open: callers may record
// their own types, but the governance layer only emits the constants below.
type AuditEventType string

const (
	EventRunStarted         AuditEventType = "run.started"
	EventRunSucceeded       AuditEventType = "run.succeeded"
	EventRunFailed          AuditEventType = "run.failed"
	EventRunCancelled       AuditEventType = "run.cancelled"
	EventBudgetExceeded     AuditEventType = "budget.exceeded"
	EventAgentCreated       AuditEventType = "agent.created"
	EventAgentKilled        AuditEventType = "agent.killed"
	EventAgentResumed       AuditEventType = "agent.resumed"
	EventAgentBudgetUpdated AuditEventType = "agent.budget_updated"
	EventTokenIssued        AuditEventType = "auth.token_issued"
)

// Entity types referenced by audit events.
const (
	EntityRun   = "run"
	EntityAgent = "agent"
)

// AuditEvent is an append-only governance record. Never mutated or deleted.
type AuditEvent struct {
	ID          uuid.UUID      `json:"id"`
	PrincipalID string         `json:"principal_id"`
	EventType   AuditEventType `json:"event_type"`
	EntityType  *string        `json:"entity_type,omitempty"`
	EntityID    *string        `json:"entity_id,omitempty"`
	Payload     AuditPayload   `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AuditPayload is a tagged union of the known event shapes. At most one typed
// member is set, matching the event type. Extensions carries anything else a
// caller wants to attach. Payloads must never contain credentials.
type AuditPayload struct {
	RunStarted     *RunStartedPayload     `json:"run_started,omitempty"`
	RunFinished    *RunFinishedPayload    `json:"run_finished,omitempty"`
	RunCancelled   *RunCancelledPayload   `json:"run_cancelled,omitempty"`
	BudgetExceeded *BudgetExceededPayload `json:"budget_exceeded,omitempty"`
	AgentKilled    *AgentKilledPayload    `json:"agent_killed,omitempty"`
	AgentChanged   *AgentChangedPayload   `json:"agent_changed,omitempty"`
	Extensions     map[string]any         `json:"extensions,omitempty"`
}

// RunStartedPayload is the payload for run.started.
type RunStartedPayload struct {
	AgentID      *uuid.UUID `json:"agent_id,omitempty"`
	Model        string     `json:"model"`
	Provider     string     `json:"provider"`
	RetryOfRunID *uuid.UUID `json:"retry_of_run_id,omitempty"`
	AgentSpecID  *string    `json:"agent_spec_id,omitempty"`
}

// RunFinishedPayload is the payload for run.succeeded and run.failed.
type RunFinishedPayload struct {
	Status            RunStatus  `json:"status"`
	Model             string     `json:"model"`
	Usage             TokenUsage `json:"usage"`
	CostEstimateUSD   *float64   `json:"cost_estimate_usd,omitempty"`
	CostIsApproximate bool       `json:"cost_is_approximate"`
	ErrorMessage      *string    `json:"error_message,omitempty"`
	DurationMs        *int64     `json:"duration_ms,omitempty"`
}

// RunCancelledPayload is the payload for run.cancelled.
type RunCancelledPayload struct {
	AgentID    *uuid.UUID `json:"agent_id,omitempty"`
	PriorState RunStatus  `json:"prior_state"`
	Reason     string     `json:"reason,omitempty"`
}

// BudgetExceededPayload snapshots spend at the moment a run was refused.
type BudgetExceededPayload struct {
	AgentID uuid.UUID  `json:"agent_id"`
	Budget  BudgetMeta `json:"budget"`
}

// AgentKilledPayload is the payload for agent.killed.
type AgentKilledPayload struct {
	PreviousStatus  AgentStatus `json:"previous_status"`
	NewStatus       AgentStatus `json:"new_status"`
	CancelledRunIDs []uuid.UUID `json:"cancelled_run_ids"`
	Reason          string      `json:"reason,omitempty"`
}

// AgentChangedPayload is the payload for agent.created, agent.resumed and
// agent.budget_updated.
type AgentChangedPayload struct {
	Name           string      `json:"name,omitempty"`
	Status         AgentStatus `json:"status"`
	BudgetDailyUSD *float64    `json:"budget_daily_usd,omitempty"`
}

// BudgetMeta is the caller-facing spend snapshot produced by budget evaluation.
// PercentUsed and CapUSD are nil when no cap is configured.
type BudgetMeta struct {
	CapUSD        *float64 `json:"cap_usd,omitempty"`
	SpentTodayUSD float64  `json:"spent_today_usd"`
	PercentUsed   *int     `json:"percent_used,omitempty"`
	Approximate   bool     `json:"approximate"`
}

// AuditFilter narrows an audit query. Zero values mean "any".
type AuditFilter struct {
	EventType  *AuditEventType
	EntityType *string
	EntityID   *string
	From       *time.Time
	To         *time.Time
}
