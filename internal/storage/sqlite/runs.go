package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

const runColumns = `id, principal_id, agent_id, status, model, provider,
	prompt_tokens, completion_tokens, total_tokens,
	cost_estimate_usd, cost_is_approximate, error_message, input, output_text,
	retry_of_run_id, agent_spec_id, temperature, created_at, updated_at, started_at, finished_at`

func scanRun(row rowScanner) (model.Run, error) {
	var (
		r                         model.Run
		id, input, created, upd   string
		agentID, retryOf, specID  sql.NullString
		errMsg, output            sql.NullString
		started, finished         sql.NullString
		prompt, completion, total sql.NullInt64
		costUSD, temperature      sql.NullFloat64
		approximate               bool
	)
	if err := row.Scan(
		&id, &r.PrincipalID, &agentID, &r.Status, &r.Model, &r.Provider,
		&prompt, &completion, &total,
		&costUSD, &approximate, &errMsg, &input, &output,
		&retryOf, &specID, &temperature, &created, &upd, &started, &finished,
	); err != nil {
		return model.Run{}, err
	}

	var err error
	if r.ID, err = uuid.Parse(id); err != nil {
		return model.Run{}, fmt.Errorf("sqlite: parse run id: %w", err)
	}
	if r.AgentID, err = nullUUID(agentID); err != nil {
		return model.Run{}, err
	}
	if r.RetryOfRunID, err = nullUUID(retryOf); err != nil {
		return model.Run{}, err
	}
	if r.CreatedAt, err = parseTS(created); err != nil {
		return model.Run{}, err
	}
	if r.UpdatedAt, err = parseTS(upd); err != nil {
		return model.Run{}, err
	}
	if r.StartedAt, err = parseNullTS(started); err != nil {
		return model.Run{}, err
	}
	if r.FinishedAt, err = parseNullTS(finished); err != nil {
		return model.Run{}, err
	}
	r.Usage = model.TokenUsage{
		PromptTokens:     nullInt(prompt),
		CompletionTokens: nullInt(completion),
		TotalTokens:      nullInt(total),
	}
	r.CostEstimateUSD = nullFloat(costUSD)
	r.CostIsApproximate = approximate
	r.ErrorMessage = nullString(errMsg)
	r.OutputText = nullString(output)
	r.AgentSpecID = nullString(specID)
	r.Temperature = nullFloat(temperature)
	if input != "" {
		r.Input = json.RawMessage(input)
	}
	return r, nil
}

func collectRuns(rows *sql.Rows) ([]model.Run, error) {
	defer func() { _ = rows.Close() }()
	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CreateRun inserts a pending run and its audit event in one transaction.
func (s *Store) CreateRun(ctx context.Context, run model.Run, audit model.AuditEvent) (model.Run, error) {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now()
	}
	run.CreatedAt = run.CreatedAt.UTC().Truncate(time.Microsecond)
	run.UpdatedAt = run.CreatedAt
	if run.Status == "" {
		run.Status = model.RunStatusPending
	}
	if len(run.Input) == 0 {
		run.Input = json.RawMessage(`{}`)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (`+runColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID.String(), run.PrincipalID, uuidArg(run.AgentID), string(run.Status), run.Model, run.Provider,
			run.Usage.PromptTokens, run.Usage.CompletionTokens, run.Usage.TotalTokens,
			run.CostEstimateUSD, run.CostIsApproximate, run.ErrorMessage, string(run.Input), run.OutputText,
			uuidArg(run.RetryOfRunID), run.AgentSpecID, run.Temperature, ts(run.CreatedAt), ts(run.UpdatedAt),
			tsPtr(run.StartedAt), tsPtr(run.FinishedAt),
		); err != nil {
			if isConstraintUnique(err) {
				return fmt.Errorf("%w: run %s already exists", storage.ErrConflict, run.ID)
			}
			return fmt.Errorf("sqlite: create run: %w", err)
		}
		return insertAudit(ctx, tx, storage.PrepareAudit(audit, run.CreatedAt))
	})
	if err != nil {
		return model.Run{}, err
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
		}
		return model.Run{}, fmt.Errorf("sqlite: get run: %w", err)
	}
	return r, nil
}

// ListRunsByAgent returns the agent's runs, newest first.
func (s *Store) ListRunsByAgent(ctx context.Context, principalID string, agentID uuid.UUID, limit, offset int) ([]model.Run, error) {
	limit, offset = storage.Page(limit, offset, 50, 500)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE principal_id = ? AND agent_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		principalID, agentID.String(), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	return collectRuns(rows)
}

// ListActiveRuns returns the agent's pending and running runs, oldest first.
func (s *Store) ListActiveRuns(ctx context.Context, principalID string, agentID uuid.UUID) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE principal_id = ? AND agent_id = ? AND status IN ('pending', 'running')
		 ORDER BY created_at ASC, id ASC`,
		principalID, agentID.String())
	if err != nil {
		return nil, fmt.Errorf("sqlite: list active runs: %w", err)
	}
	return collectRuns(rows)
}

// ListRunsByStatus returns up to limit runs in status, oldest first.
func (s *Store) ListRunsByStatus(ctx context.Context, status model.RunStatus, limit int) ([]model.Run, error) {
	limit, _ = storage.Page(limit, 0, 100, 10000)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ?
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs by status: %w", err)
	}
	return collectRuns(rows)
}

// ListStuckRuns returns running runs started before cutoff and pending runs
// created before cutoff.
func (s *Store) ListStuckRuns(ctx context.Context, cutoff time.Time, limit int) ([]model.Run, error) {
	limit, _ = storage.Page(limit, 0, 100, 10000)
	c := ts(cutoff)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE (status = 'running' AND started_at < ?)
		    OR (status = 'pending' AND created_at < ?)
		 ORDER BY created_at ASC, id ASC LIMIT ?`,
		c, c, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list stuck runs: %w", err)
	}
	return collectRuns(rows)
}

// TransitionRun applies a guarded status change plus its optional audit event.
func (s *Store) TransitionRun(ctx context.Context, t model.RunTransition, audit *model.AuditEvent) (model.Run, error) {
	at := now()
	if !t.At.IsZero() {
		at = t.At.UTC().Truncate(time.Microsecond)
	}
	var usage model.TokenUsage
	if t.Usage != nil {
		usage = *t.Usage
	}
	var startedAt, finishedAt any
	if t.To == model.RunStatusRunning {
		startedAt = ts(at)
	}
	if t.To.Terminal() {
		finishedAt = ts(at)
	}
	// The approximation flag only moves together with a new cost.
	var approximate any
	if t.CostEstimateUSD != nil {
		approximate = t.CostIsApproximate
	}

	args := []any{
		string(t.To), ts(at), startedAt, finishedAt, t.Model,
		usage.PromptTokens, usage.CompletionTokens, usage.TotalTokens,
		t.CostEstimateUSD, approximate, t.ErrorMessage, t.OutputText,
		t.RunID.String(),
	}
	for _, f := range t.From {
		args = append(args, string(f))
	}

	var out model.Run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := scanRun(tx.QueryRowContext(ctx,
			`UPDATE runs SET
			     status = ?,
			     updated_at = ?,
			     started_at = COALESCE(?, started_at),
			     finished_at = COALESCE(?, finished_at),
			     model = COALESCE(?, model),
			     prompt_tokens = COALESCE(?, prompt_tokens),
			     completion_tokens = COALESCE(?, completion_tokens),
			     total_tokens = COALESCE(?, total_tokens),
			     cost_estimate_usd = COALESCE(?, cost_estimate_usd),
			     cost_is_approximate = COALESCE(?, cost_is_approximate),
			     error_message = COALESCE(?, error_message),
			     output_text = COALESCE(?, output_text)
			 WHERE id = ? AND status IN (`+placeholders(len(t.From))+`)
			 RETURNING `+runColumns, args...))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return runMissOrConflict(ctx, tx, t.RunID, t.To)
			}
			return fmt.Errorf("sqlite: transition run: %w", err)
		}
		out = r
		if audit == nil {
			return nil
		}
		return insertAudit(ctx, tx, storage.PrepareAudit(*audit, at))
	})
	if err != nil {
		return model.Run{}, err
	}
	return out, nil
}

// RunCosts returns the cost inputs for runs on agentIDs created in [from, to).
func (s *Store) RunCosts(ctx context.Context, principalID string, agentIDs []uuid.UUID, from, to time.Time) ([]model.RunCost, error) {
	if len(agentIDs) == 0 {
		return nil, nil
	}
	args := []any{principalID}
	for _, id := range agentIDs {
		args = append(args, id.String())
	}
	args = append(args, ts(from), ts(to))

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, model, prompt_tokens, completion_tokens, total_tokens,
		        cost_estimate_usd, cost_is_approximate
		 FROM runs
		 WHERE principal_id = ? AND agent_id IN (`+placeholders(len(agentIDs))+`)
		   AND created_at >= ? AND created_at < ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query run costs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var costs []model.RunCost
	for rows.Next() {
		var (
			c                         model.RunCost
			id                        string
			agentID                   sql.NullString
			prompt, completion, total sql.NullInt64
			costUSD                   sql.NullFloat64
		)
		if err := rows.Scan(&id, &agentID, &c.Model, &prompt, &completion, &total, &costUSD, &c.CostIsApproximate); err != nil {
			return nil, fmt.Errorf("sqlite: scan run cost: %w", err)
		}
		if c.RunID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("sqlite: parse run id: %w", err)
		}
		if c.AgentID, err = nullUUID(agentID); err != nil {
			return nil, err
		}
		c.Usage = model.TokenUsage{
			PromptTokens:     nullInt(prompt),
			CompletionTokens: nullInt(completion),
			TotalTokens:      nullInt(total),
		}
		c.CostEstimateUSD = nullFloat(costUSD)
		costs = append(costs, c)
	}
	return costs, rows.Err()
}

func runMissOrConflict(ctx context.Context, tx *sql.Tx, id uuid.UUID, to model.RunStatus) error {
	var status string
	err := tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("sqlite: get run status: %w", err)
	}
	return fmt.Errorf("%w: run %s is %s, cannot move to %s", storage.ErrConflict, id, status, to)
}
