package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanri/internal/model"
)

const agentColumns = `id, principal_id, name, status, budget_daily_usd, created_at, updated_at`

func scanAgent(row pgx.Row) (model.Agent, error) {
	var a model.Agent
	err := row.Scan(&a.ID, &a.PrincipalID, &a.Name, &a.Status, &a.BudgetDailyUSD, &a.CreatedAt, &a.UpdatedAt)
	return a, err
}

// CreateAgent inserts a new agent and its audit event atomically within a
// single transaction.
func (db *DB) CreateAgent(ctx context.Context, agent model.Agent, audit model.AuditEvent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = agent.CreatedAt
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin create agent tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		agent.ID, agent.PrincipalID, agent.Name, string(agent.Status),
		agent.BudgetDailyUSD, agent.CreatedAt, agent.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Agent{}, fmt.Errorf("%w: agent %s already exists", ErrConflict, agent.ID)
		}
		return model.Agent{}, fmt.Errorf("storage: create agent: %w", err)
	}

	audit.EntityID = ptrTo(agent.ID.String())
	if err := insertAuditTx(ctx, tx, PrepareAudit(audit, now)); err != nil {
		return model.Agent{}, fmt.Errorf("storage: audit in create agent tx: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit create agent tx: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by id, scoped to the principal.
func (db *DB) GetAgent(ctx context.Context, principalID string, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND principal_id = $2`, id, principalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, id)
		}
		return model.Agent{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the principal's agents, oldest first.
func (db *DB) ListAgents(ctx context.Context, principalID string, limit, offset int) ([]model.Agent, error) {
	limit, offset = Page(limit, offset, 100, 1000)
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE principal_id = $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT $2 OFFSET $3`,
		principalID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// SetAgentStatus applies a guarded status change. The audit event, if any,
// commits in the same transaction.
func (db *DB) SetAgentStatus(ctx context.Context, principalID string, id uuid.UUID, from []model.AgentStatus, to model.AgentStatus, audit *model.AuditEvent) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin agent status tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	a, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents SET status = $1, updated_at = $2
		 WHERE id = $3 AND principal_id = $4 AND status = ANY($5)
		 RETURNING `+agentColumns,
		string(to), now, id, principalID, agentStatusStrings(from),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, agentMissOrConflict(ctx, tx, principalID, id)
		}
		return model.Agent{}, fmt.Errorf("storage: set agent status: %w", err)
	}

	if audit != nil {
		if err := insertAuditTx(ctx, tx, PrepareAudit(*audit, now)); err != nil {
			return model.Agent{}, fmt.Errorf("storage: audit in agent status tx: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit agent status tx: %w", err)
	}
	return a, nil
}

// SetAgentBudget replaces the agent's daily cap and records the audit event.
func (db *DB) SetAgentBudget(ctx context.Context, principalID string, id uuid.UUID, budget *float64, audit model.AuditEvent) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, fmt.Errorf("storage: begin agent budget tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC().Truncate(time.Microsecond)
	a, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents SET budget_daily_usd = $1, updated_at = $2
		 WHERE id = $3 AND principal_id = $4
		 RETURNING `+agentColumns,
		budget, now, id, principalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("%w: agent %s", ErrNotFound, id)
		}
		return model.Agent{}, fmt.Errorf("storage: set agent budget: %w", err)
	}

	if err := insertAuditTx(ctx, tx, PrepareAudit(audit, now)); err != nil {
		return model.Agent{}, fmt.Errorf("storage: audit in agent budget tx: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, fmt.Errorf("storage: commit agent budget tx: %w", err)
	}
	return a, nil
}

// agentMissOrConflict distinguishes "no such agent" from "agent in the wrong
// status" after a guarded UPDATE matched nothing.
func agentMissOrConflict(ctx context.Context, tx pgx.Tx, principalID string, id uuid.UUID) error {
	var status string
	err := tx.QueryRow(ctx,
		`SELECT status FROM agents WHERE id = $1 AND principal_id = $2`, id, principalID,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("storage: get agent status: %w", err)
	}
	return fmt.Errorf("%w: agent %s is %s", ErrConflict, id, status)
}

func agentStatusStrings(ss []model.AgentStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}

func ptrTo[T any](v T) *T { return &v }
