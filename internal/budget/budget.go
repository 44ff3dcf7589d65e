// Package budget computes today's spend per agent and evaluates it against
// the agent's daily cap. Spend is derived from stored runs on every call;
// nothing is cached, so a completed run counts immediately.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/cost"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// Spend is an agent's total for the current UTC day.
type Spend struct {
	USD         float64 `json:"usd"`
	Approximate bool    `json:"approximate"`
}

// Evaluation is the outcome of comparing spend with a cap.
type Evaluation struct {
	Meta     model.BudgetMeta `json:"meta"`
	Exceeded bool             `json:"exceeded"`
}

// Accountant sums run costs and evaluates caps.
type Accountant struct {
	runs      storage.RunStore
	estimator *cost.Estimator
	clock     clock.Clock
	logger    *slog.Logger
}

// New creates an Accountant. A nil clock means clock.System.
func New(runs storage.RunStore, estimator *cost.Estimator, clk clock.Clock, logger *slog.Logger) *Accountant {
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accountant{runs: runs, estimator: estimator, clock: clk, logger: logger.With("component", "budget")}
}

// SpendToday returns the agent's spend for today's UTC day.
func (a *Accountant) SpendToday(ctx context.Context, principalID string, agentID uuid.UUID) (Spend, error) {
	spends, err := a.SpendTodayBatch(ctx, principalID, []uuid.UUID{agentID})
	if err != nil {
		return Spend{}, err
	}
	return spends[agentID], nil
}

// SpendTodayBatch returns today's spend for each agent with a single store
// read. Every requested id is present in the result.
func (a *Accountant) SpendTodayBatch(ctx context.Context, principalID string, agentIDs []uuid.UUID) (map[uuid.UUID]Spend, error) {
	out := make(map[uuid.UUID]Spend, len(agentIDs))
	if len(agentIDs) == 0 {
		return out, nil
	}
	for _, id := range agentIDs {
		out[id] = Spend{}
	}

	start, end := clock.DayBounds(a.clock.Now())
	costs, err := a.runs.RunCosts(ctx, principalID, agentIDs, start, end)
	if err != nil {
		return nil, fmt.Errorf("budget: read run costs: %w: %w", model.ErrStorageFailure, err)
	}

	for _, c := range costs {
		if c.AgentID == nil {
			continue
		}
		s := out[*c.AgentID]
		switch {
		case c.CostEstimateUSD != nil && *c.CostEstimateUSD >= 0:
			s.USD += *c.CostEstimateUSD
			s.Approximate = s.Approximate || c.CostIsApproximate
		default:
			// Pending runs carry no tokens and contribute nothing. Unknown
			// models are priced with the fallback rather than dropped.
			if est, ok := a.estimator.EstimateWithFallback(c.Model, c.Usage); ok {
				s.USD += est.USD
				s.Approximate = true
			}
		}
		out[*c.AgentID] = s
	}
	return out, nil
}

// Evaluate compares the agent's spend with capUSD. A nil cap is never
// exceeded.
func (a *Accountant) Evaluate(ctx context.Context, principalID string, agentID uuid.UUID, capUSD *float64) (Evaluation, error) {
	evals, err := a.EvaluateBatch(ctx, principalID, []model.Agent{{ID: agentID, PrincipalID: principalID, BudgetDailyUSD: capUSD}})
	if err != nil {
		return Evaluation{}, err
	}
	return evals[agentID], nil
}

// EvaluateBatch evaluates each agent against its own BudgetDailyUSD.
func (a *Accountant) EvaluateBatch(ctx context.Context, principalID string, agents []model.Agent) (map[uuid.UUID]Evaluation, error) {
	ids := make([]uuid.UUID, len(agents))
	for i, ag := range agents {
		ids[i] = ag.ID
	}
	spends, err := a.SpendTodayBatch(ctx, principalID, ids)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]Evaluation, len(agents))
	for _, ag := range agents {
		out[ag.ID] = Assess(spends[ag.ID], ag.BudgetDailyUSD)
	}
	return out, nil
}

// Assess is the pure cap check. Exceeded means spent >= cap; a zero cap is
// always exceeded and reports 100% once anything has been spent.
func Assess(s Spend, capUSD *float64) Evaluation {
	meta := model.BudgetMeta{SpentTodayUSD: s.USD, Approximate: s.Approximate}
	if capUSD == nil {
		return Evaluation{Meta: meta}
	}
	c := *capUSD
	meta.CapUSD = &c

	var pct int
	switch {
	case c <= 0:
		if s.USD > 0 {
			pct = 100
		}
	default:
		pct = int(math.Round(s.USD / c * 100))
	}
	if pct < 0 {
		pct = 0
	}
	meta.PercentUsed = &pct
	return Evaluation{Meta: meta, Exceeded: s.USD >= c}
}
