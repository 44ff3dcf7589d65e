package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanri/internal/model"
)

const runColumns = `id, principal_id, agent_id, status, model, provider,
	prompt_tokens, completion_tokens, total_tokens,
	cost_estimate_usd, cost_is_approximate, error_message, input, output_text,
	retry_of_run_id, agent_spec_id, temperature, created_at, updated_at, started_at, finished_at`

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r     model.Run
		input []byte
	)
	err := row.Scan(
		&r.ID, &r.PrincipalID, &r.AgentID, &r.Status, &r.Model, &r.Provider,
		&r.Usage.PromptTokens, &r.Usage.CompletionTokens, &r.Usage.TotalTokens,
		&r.CostEstimateUSD, &r.CostIsApproximate, &r.ErrorMessage, &input, &r.OutputText,
		&r.RetryOfRunID, &r.AgentSpecID, &r.Temperature, &r.CreatedAt, &r.UpdatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if len(input) > 0 {
		r.Input = json.RawMessage(input)
	}
	return r, err
}

func collectRuns(rows pgx.Rows) ([]model.Run, error) {
	defer rows.Close()
	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CreateRun inserts a pending run and its run.started audit event in one
// transaction.
func (db *DB) CreateRun(ctx context.Context, run model.Run, audit model.AuditEvent) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.CreatedAt = run.CreatedAt.UTC().Truncate(time.Microsecond)
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	if len(run.Input) == 0 {
		run.Input = json.RawMessage(`{}`)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin create run tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13::jsonb, $14, $15, $16, $17, $18, $19, $20, $21)`,
		run.ID, run.PrincipalID, run.AgentID, string(run.Status), run.Model, run.Provider,
		run.Usage.PromptTokens, run.Usage.CompletionTokens, run.Usage.TotalTokens,
		run.CostEstimateUSD, run.CostIsApproximate, run.ErrorMessage, []byte(run.Input), run.OutputText,
		run.RetryOfRunID, run.AgentSpecID, run.Temperature, run.CreatedAt, run.UpdatedAt, run.StartedAt, run.FinishedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return model.Run{}, fmt.Errorf("%w: run %s already exists", ErrConflict, run.ID)
		}
		return model.Run{}, fmt.Errorf("storage: create run: %w", err)
	}

	if err := insertAuditTx(ctx, tx, PrepareAudit(audit, run.CreatedAt)); err != nil {
		return model.Run{}, fmt.Errorf("storage: audit in create run tx: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit create run tx: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by id. Callers enforce principal ownership.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ListRunsByAgent returns the agent's runs, newest first.
func (db *DB) ListRunsByAgent(ctx context.Context, principalID string, agentID uuid.UUID, limit, offset int) ([]model.Run, error) {
	limit, offset = Page(limit, offset, 50, 500)
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE principal_id = $1 AND agent_id = $2
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3 OFFSET $4`,
		principalID, agentID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListActiveRuns returns the agent's pending and running runs, oldest first.
func (db *DB) ListActiveRuns(ctx context.Context, principalID string, agentID uuid.UUID) ([]model.Run, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE principal_id = $1 AND agent_id = $2 AND status IN ('pending', 'running')
		 ORDER BY created_at ASC, id ASC`,
		principalID, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunsByStatus returns up to limit runs in status, oldest first.
func (db *DB) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	limit, _ = Page(limit, 0, 100, 10000)
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1
		 ORDER BY created_at ASC, id ASC LIMIT $2`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs by status: %w", err)
	}
	return collectRuns(rows)
}

// ListStuckRuns returns running runs started before cutoff and pending runs
// created before cutoff.
func (db *DB) ListStuckRuns(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	limit, _ = Page(limit, 0, 100, 10000)
	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE (status = 'running' AND started_at < $1)
		    OR (status = 'pending' AND created_at < $1)
		 ORDER BY created_at ASC, id ASC LIMIT $2`,
		cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stuck runs: %w", err)
	}
	return collectRuns(rows)
}

// TransitionRun applies a guarded status change. Optional fields in t only
// overwrite stored values when set. The audit event, if any, commits with it.
func (db *DB) TransitionRun(ctx context.Context, t model.RunTransition, audit *model.AuditEvent) (model.Run, error) {
	at := t.At.UTC().Truncate(time.Microsecond)
	if t.At.IsZero() {
		at = time.Now().UTC().Truncate(time.Microsecond)
	}
	var usage model.TokenUsage
	if t.Usage != nil {
		usage = *t.Usage
	}

	var r model.Run
	err := db.withRetry(ctx, TransitionPolicy, func(int) error {
		var err error
		r, err = db.transitionRunTx(ctx, t, at, usage, audit)
		return err
	})
	return r, err
}

func (db *DB) transitionRunTx(ctx context.Context, t model.RunTransition, at time.Time, usage model.TokenUsage, audit *model.AuditEvent) (model.Run, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Run{}, fmt.Errorf("storage: begin transition tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	r, err := scanRun(tx.QueryRow(ctx,
		`UPDATE runs SET
		     status = $1,
		     updated_at = $2::timestamptz,
		     started_at = CASE WHEN $1 = 'running' THEN $2::timestamptz ELSE started_at END,
		     finished_at = CASE WHEN $1 IN ('success', 'error', 'cancelled') THEN $2::timestamptz ELSE finished_at END,
		     model = COALESCE($3::text, model),
		     prompt_tokens = COALESCE($4::bigint, prompt_tokens),
		     completion_tokens = COALESCE($5::bigint, completion_tokens),
		     total_tokens = COALESCE($6::bigint, total_tokens),
		     cost_estimate_usd = COALESCE($7::double precision, cost_estimate_usd),
		     cost_is_approximate = CASE WHEN $7::double precision IS NULL THEN cost_is_approximate ELSE $8 END,
		     error_message = COALESCE($9::text, error_message),
		     output_text = COALESCE($10::text, output_text)
		 WHERE id = $11 AND status = ANY($12)
		 RETURNING `+runColumns,
		string(t.To), at, t.Model,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		t.CostEstimateUSD, t.CostIsApproximate, t.ErrorMessage, t.OutputText,
		t.RunID, runStatusStrings(t.From),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, runMissOrConflict(ctx, tx, t.RunID, t.To)
		}
		return model.Run{}, fmt.Errorf("storage: transition run: %w", err)
	}

	if audit != nil {
		if err := insertAuditTx(ctx, tx, PrepareAudit(*audit, at)); err != nil {
			return model.Run{}, fmt.Errorf("storage: audit in transition tx: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return model.Run{}, fmt.Errorf("storage: commit transition tx: %w", err)
	}
	return r, nil
}

// RunCosts returns the cost inputs for runs on agentIDs created in [from, to).
func (db *DB) RunCosts(ctx context.Context, principalID string, agentIDs []uuid.UUID, from, to time.Time) ([]model.RunCost, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, len(agentIDs))
	for i, id := range agentIDs {
		ids[i] = id.String()
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, agent_id, model, prompt_tokens, completion_tokens, total_tokens,
		        cost_estimate_usd, cost_is_approximate
		 FROM runs
		 WHERE principal_id = $1 AND agent_id = ANY($2::uuid[])
		   AND created_at >= $3 AND created_at < $4`,
		principalID, ids, from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query run costs: %w", err)
	}
	defer rows.Close()

	var costs []model.RunCost
	for rows.Next() {
		var c model.RunCost
		if err := rows.Scan(&c.RunID, &c.AgentID, &c.Model,
			&c.Usage.PromptTokens, &c.Usage.CompletionTokens, &c.Usage.TotalTokens,
			&c.CostEstimateUSD, &c.CostIsApproximate,
		); err != nil {
			return nil, fmt.Errorf("storage: scan run cost: %w", err)
		}
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

func runMissOrConflict(ctx context.Context, tx pgx.Tx, id uuid.UUID, to model.RunStatus) error {
	var status string
	err := tx.QueryRow(ctx, `SELECT status FROM runs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("storage: get run status: %w", err)
	}
	return fmt.Errorf("%w: run %s is %s, cannot move to %s", ErrConflict, id, status, to)
}

func runStatusStrings(ss []model.RunStatus) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
