package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

const agentColumns = `id, principal_id, name, status, budget_daily_usd, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a                model.Agent
		id, created, upd string
		budget           sql.NullFloat64
	)
	if err := row.Scan(&id, &a.PrincipalID, &a.Name, &a.Status, &budget, &created, &upd); err != nil {
		return model.Agent{}, err
	}
	var err error
	if a.ID, err = uuid.Parse(id); err != nil {
		return model.Agent{}, fmt.Errorf("sqlite: parse agent id: %w", err)
	}
	a.BudgetDailyUSD = nullFloat(budget)
	if a.CreatedAt, err = parseTS(created); err != nil {
		return model.Agent{}, err
	}
	if a.UpdatedAt, err = parseTS(upd); err != nil {
		return model.Agent{}, err
	}
	return a, nil
}

// CreateAgent inserts the agent and its audit event in one transaction.
func (s *Store) CreateAgent(ctx context.Context, agent model.Agent, audit model.AuditEvent) (model.Agent, error) {
	if agent.ID == uuid.Nil {
		agent.ID = uuid.New()
	}
	t := now()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = t
	}
	agent.CreatedAt = agent.CreatedAt.UTC().Truncate(time.Microsecond)
	agent.UpdatedAt = agent.CreatedAt
	if agent.Status == "" {
		agent.Status = model.AgentStatusActive
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			agent.ID.String(), agent.PrincipalID, agent.Name, string(agent.Status),
			agent.BudgetDailyUSD, ts(agent.CreatedAt), ts(agent.UpdatedAt),
		); err != nil {
			if isConstraintUnique(err) {
				return fmt.Errorf("%w: agent %s already exists", storage.ErrConflict, agent.ID)
			}
			return fmt.Errorf("sqlite: create agent: %w", err)
		}
		id := agent.ID.String()
		audit.EntityID = &id
		return insertAudit(ctx, tx, storage.PrepareAudit(audit, t))
	})
	if err != nil {
		return model.Agent{}, err
	}
	return agent, nil
}

// GetAgent retrieves an agent scoped to its principal.
func (s *Store) GetAgent(ctx context.Context, principalID string, id uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = ? AND principal_id = ?`, id.String(), principalID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Agent{}, fmt.Errorf("%w: agent %s", storage.ErrNotFound, id)
		}
		return model.Agent{}, fmt.Errorf("sqlite: get agent: %w", err)
	}
	return a, nil
}

// ListAgents returns the principal's agents, oldest first.
func (s *Store) ListAgents(ctx context.Context, principalID string, limit, offset int) ([]model.Agent, error) {
	limit, offset = storage.Page(limit, offset, 100, 1000)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE principal_id = ?
		 ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`,
		principalID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAgentStatus applies a guarded status change with an optional audit event.
func (s *Store) SetAgentStatus(ctx context.Context, principalID string, id uuid.UUID, from []model.AgentStatus, to model.AgentStatus, audit *model.AuditEvent) (model.Agent, error) {
	t := now()
	args := []any{string(to), ts(t), id.String(), principalID}
	for _, f := range from {
		args = append(args, string(f))
	}

	var out model.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx,
			`UPDATE agents SET status = ?, updated_at = ?
			 WHERE id = ? AND principal_id = ? AND status IN (`+placeholders(len(from))+`)
			 RETURNING `+agentColumns, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return agentMissOrConflict(ctx, tx, principalID, id)
			}
			return fmt.Errorf("sqlite: set agent status: %w", err)
		}
		out = a
		if audit == nil {
			return nil
		}
		return insertAudit(ctx, tx, storage.PrepareAudit(*audit, t))
	})
	if err != nil {
		return model.Agent{}, err
	}
	return out, nil
}

// SetAgentBudget replaces the agent's cap together with its audit event.
func (s *Store) SetAgentBudget(ctx context.Context, principalID string, id uuid.UUID, budget *float64, audit model.AuditEvent) (model.Agent, error) {
	t := now()
	var out model.Agent
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		a, err := scanAgent(tx.QueryRowContext(ctx,
			`UPDATE agents SET budget_daily_usd = ?, updated_at = ?
			 WHERE id = ? AND principal_id = ?
			 RETURNING `+agentColumns,
			budget, ts(t), id.String(), principalID))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: agent %s", storage.ErrNotFound, id)
			}
			return fmt.Errorf("sqlite: set agent budget: %w", err)
		}
		out = a
		return insertAudit(ctx, tx, storage.PrepareAudit(audit, t))
	})
	if err != nil {
		return model.Agent{}, err
	}
	return out, nil
}

func agentMissOrConflict(ctx context.Context, tx *sql.Tx, principalID string, id uuid.UUID) error {
	var status string
	err := tx.QueryRowContext(ctx,
		`SELECT status FROM agents WHERE id = ? AND principal_id = ?`, id.String(), principalID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: agent %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: get agent status: %w", err)
	}
	return fmt.Errorf("%w: agent %s is %s", storage.ErrConflict, id, status)
}
