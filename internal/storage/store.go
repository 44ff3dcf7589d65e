package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
)

// AgentStore persists agents. Lookups are scoped to the owning principal;
// an agent owned by someone else is reported as ErrNotFound.
type AgentStore interface {
	// CreateAgent inserts agent and its agent.created audit event atomically.
	CreateAgent(ctx context.Context, agent model.Agent, audit model.AuditEvent) (model.Agent, error)
	GetAgent(ctx context.Context, principalID string, id uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, principalID string, limit, offset int) ([]model.Agent, error)

	// SetAgentStatus moves the agent to status when its current status is one
	// of from. It returns ErrConflict otherwise. A non-nil audit event is
	// inserted in the same transaction.
	SetAgentStatus(ctx context.Context, principalID string, id uuid.UUID, from []model.AgentStatus, to model.AgentStatus, audit *model.AuditEvent) (model.Agent, error)

	// SetAgentBudget replaces the daily cap (nil clears it) together with its
	// audit event.
	SetAgentBudget(ctx context.Context, principalID string, id uuid.UUID, budget *float64, audit model.AuditEvent) (model.Agent, error)
}

// RunStore persists runs and their guarded transitions.
type RunStore interface {
	// CreateRun inserts run and its run.started audit event atomically.
	// A duplicate id returns ErrConflict.
	CreateRun(ctx context.Context, run model.Run, audit model.AuditEvent) (model.Run, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)
	ListRunsByAgent(ctx context.Context, principalID string, agentID uuid.UUID, limit, offset int) ([]model.Run, error)

	// ListActiveRuns returns the agent's pending and running runs.
	ListActiveRuns(ctx context.Context, principalID string, agentID uuid.UUID) ([]model.Run, error)

	// ListRunsByStatus returns up to limit runs in status, oldest first.
	ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error)

	// ListStuckRuns returns running runs started before cutoff and pending
	// runs created before cutoff, oldest first.
	ListStuckRuns(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error)

	// TransitionRun applies t only when the run's status is in t.From and
	// returns the updated run. A run in any other status yields ErrConflict
	// and is left untouched. A non-nil audit event commits with the change.
	TransitionRun(ctx context.Context, t model.RunTransition, audit *model.AuditEvent) (model.Run, error)

	// RunCosts returns cost inputs for the principal's runs on the given
	// agents created in [from, to).
	RunCosts(ctx context.Context, principalID string, agentIDs []uuid.UUID, from, to time.Time) ([]model.RunCost, error)
}

// AuditStore is append-only. There is no update or delete path.
type AuditStore interface {
	AppendAudit(ctx context.Context, e model.AuditEvent) (model.AuditEvent, error)

	// QueryAudit returns the principal's events newest first
	// (created_at DESC, id DESC).
	QueryAudit(ctx context.Context, principalID string, f model.AuditFilter, limit, offset int) ([]model.AuditEvent, error)
}

// UsageStore maintains the per-day rollup.
type UsageStore interface {
	// AddUsage increments the (principal, day) row by one run plus tokens and
	// cost, creating it if needed, and returns the new totals.
	AddUsage(ctx context.Context, principalID string, day time.Time, tokens int64, costUSD float64) (model.DailyUsage, error)

	// UsageRange returns rows with from <= day <= to, ordered by day.
	UsageRange(ctx context.Context, principalID string, from, to time.Time) ([]model.DailyUsage, error)
}

// Store is the full durable store used by the governance services.
type Store interface {
	AgentStore
	RunStore
	AuditStore
	UsageStore

	Ping(ctx context.Context) error
	Close() error
}

// PrepareAudit fills the defaults every backend applies before inserting an
// audit event: a fresh id and a UTC timestamp.
func PrepareAudit(e model.AuditEvent, now time.Time) model.AuditEvent {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e
}

// Page clamps a list limit to [1, max], substituting def for non-positive
// values, and floors offset at zero.
func Page(limit, offset, def, max int) (int, int) {
	if limit <= 0 {
		limit = def
	}
	if limit > max {
		limit = max
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
