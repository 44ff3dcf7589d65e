package budget_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/budget"
	"github.com/ashita-ai/kanri/internal/clock"
	"github.com/ashita-ai/kanri/internal/cost"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/pricing"
	"github.com/ashita-ai/kanri/internal/storage"
	"github.com/ashita-ai/kanri/internal/storage/storagetest"
	"github.com/ashita-ai/kanri/internal/testutil"
)

var today = time.Date(2026, 6, 1, 15, 0, 0, 0, time.UTC)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func newAccountant(t *testing.T) (*budget.Accountant, storage.Store) {
	t.Helper()
	st := testutil.NewSQLiteStore(t)
	acct := budget.New(st, cost.New(pricing.DefaultTable()), clock.NewFixed(today), testutil.TestLogger())
	return acct, st
}

// finish moves a pending run straight to success with the given cost and usage.
func finish(t *testing.T, st storage.Store, r model.Run, usd *float64, usage *model.TokenUsage) {
	t.Helper()
	_, err := st.TransitionRun(context.Background(), model.RunTransition{
		RunID: r.ID, From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning,
	}, nil)
	require.NoError(t, err)
	_, err = st.TransitionRun(context.Background(), model.RunTransition{
		RunID: r.ID, From: []model.RunStatus{model.RunStatusRunning}, To: model.RunStatusSuccess,
		CostEstimateUSD: usd, Usage: usage,
	}, nil)
	require.NoError(t, err)
}

func TestAssess(t *testing.T) {
	tests := []struct {
		name     string
		spent    float64
		cap      *float64
		exceeded bool
		percent  *int
	}{
		{"no cap", 12, nil, false, nil},
		{"under", 0.5, f64(2), false, ptr(25)},
		{"exactly at cap", 1, f64(1), true, ptr(100)},
		{"over", 1.1, f64(1), true, ptr(110)},
		{"rounds half up", 0.125, f64(1), false, ptr(13)},
		{"zero cap nothing spent", 0, f64(0), true, ptr(0)},
		{"zero cap spent", 0.01, f64(0), true, ptr(100)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := budget.Assess(budget.Spend{USD: tt.spent}, tt.cap)
			assert.Equal(t, tt.exceeded, ev.Exceeded)
			assert.Equal(t, tt.percent, ev.Meta.PercentUsed)
			assert.InDelta(t, tt.spent, ev.Meta.SpentTodayUSD, 1e-12)
			if tt.cap == nil {
				assert.Nil(t, ev.Meta.CapUSD)
			} else {
				require.NotNil(t, ev.Meta.CapUSD)
				assert.Equal(t, *tt.cap, *ev.Meta.CapUSD)
			}
		})
	}
}

func ptr(v int) *int { return &v }

func TestCapIsReachedByAccumulatedRuns(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "p", f64(1.0))

	for _, c := range []float64{0.40, 0.40} {
		finish(t, st, storagetest.NewRun(t, st, a, today.Add(-time.Hour)), f64(c), nil)
	}
	ev, err := acct.Evaluate(ctx, "p", a.ID, a.BudgetDailyUSD)
	require.NoError(t, err)
	assert.False(t, ev.Exceeded)
	assert.InDelta(t, 0.80, ev.Meta.SpentTodayUSD, 1e-9)
	assert.Equal(t, 80, *ev.Meta.PercentUsed)
	assert.False(t, ev.Meta.Approximate)

	finish(t, st, storagetest.NewRun(t, st, a, today.Add(-time.Hour)), f64(0.30), nil)
	ev, err = acct.Evaluate(ctx, "p", a.ID, a.BudgetDailyUSD)
	require.NoError(t, err)
	assert.True(t, ev.Exceeded)
	assert.InDelta(t, 1.10, ev.Meta.SpentTodayUSD, 1e-9)
	assert.Equal(t, 110, *ev.Meta.PercentUsed)
}

func TestSpendTodayIgnoresOtherDays(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "p", nil)

	finish(t, st, storagetest.NewRun(t, st, a, clock.DayStart(today).Add(-time.Second)), f64(5), nil)
	finish(t, st, storagetest.NewRun(t, st, a, clock.DayStart(today)), f64(0.25), nil)

	s, err := acct.SpendToday(ctx, "p", a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, s.USD, 1e-12)
}

func TestSpendTodayEstimatesMissingCost(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "p", nil)

	// gpt-4o: 1000 prompt at 0.0025 + 1000 completion at 0.01.
	finish(t, st, storagetest.NewRun(t, st, a, today), nil,
		&model.TokenUsage{PromptTokens: i64(1000), CompletionTokens: i64(1000)})
	// A pending run has no tokens yet.
	storagetest.NewRun(t, st, a, today)

	s, err := acct.SpendToday(ctx, "p", a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0125, s.USD, 1e-12)
	assert.True(t, s.Approximate)
}

func TestSpendTodayCarriesStoredApproximation(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "p", nil)

	exact := storagetest.NewRun(t, st, a, today)
	finish(t, st, exact, f64(0.2), nil)
	s, err := acct.SpendToday(ctx, "p", a.ID)
	require.NoError(t, err)
	assert.False(t, s.Approximate, "exact stored costs only")

	// A cost priced with the fallback model at completion time.
	fallback := storagetest.NewRun(t, st, a, today)
	_, err = st.TransitionRun(ctx, model.RunTransition{
		RunID: fallback.ID, From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning,
	}, nil)
	require.NoError(t, err)
	_, err = st.TransitionRun(ctx, model.RunTransition{
		RunID: fallback.ID, From: []model.RunStatus{model.RunStatusRunning}, To: model.RunStatusSuccess,
		CostEstimateUSD: f64(0.1), CostIsApproximate: true,
	}, nil)
	require.NoError(t, err)

	s, err = acct.SpendToday(ctx, "p", a.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.3, s.USD, 1e-12)
	assert.True(t, s.Approximate)

	ev, err := acct.Evaluate(ctx, "p", a.ID, f64(1))
	require.NoError(t, err)
	assert.True(t, ev.Meta.Approximate)
}

func TestSpendTodayPricesUnknownModelWithFallback(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "p", nil)

	r := storagetest.NewRun(t, st, a, today)
	_, err := st.TransitionRun(ctx, model.RunTransition{
		RunID: r.ID, From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning,
	}, nil)
	require.NoError(t, err)
	unknown := "foo-bar"
	_, err = st.TransitionRun(ctx, model.RunTransition{
		RunID: r.ID, From: []model.RunStatus{model.RunStatusRunning}, To: model.RunStatusError,
		Model: &unknown, Usage: &model.TokenUsage{TotalTokens: i64(1000)},
	}, nil)
	require.NoError(t, err)

	fb, ok := pricing.DefaultTable().FallbackPrice()
	require.True(t, ok)
	s, err := acct.SpendToday(ctx, "p", a.ID)
	require.NoError(t, err)
	assert.InDelta(t, fb.Blended(), s.USD, 1e-12)
	assert.True(t, s.Approximate)
}

func TestBatchMatchesSingle(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "p", f64(1))
	b := storagetest.NewAgent(t, st, "p", nil)
	idle := storagetest.NewAgent(t, st, "p", f64(0))

	finish(t, st, storagetest.NewRun(t, st, a, today), f64(0.6), nil)
	finish(t, st, storagetest.NewRun(t, st, b, today), nil, &model.TokenUsage{TotalTokens: i64(2000)})

	agents := []model.Agent{a, b, idle}
	batch, err := acct.EvaluateBatch(ctx, "p", agents)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for _, ag := range agents {
		single, err := acct.Evaluate(ctx, "p", ag.ID, ag.BudgetDailyUSD)
		require.NoError(t, err)
		assert.Equal(t, single, batch[ag.ID], "agent %s", ag.Name)
	}
	assert.True(t, batch[idle.ID].Exceeded, "zero cap blocks")
	assert.Equal(t, 0, *batch[idle.ID].Meta.PercentUsed)

	spends, err := acct.SpendTodayBatch(ctx, "p", []uuid.UUID{a.ID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, spends, 2)
}

func TestSpendIsScopedToPrincipal(t *testing.T) {
	ctx := context.Background()
	acct, st := newAccountant(t)
	a := storagetest.NewAgent(t, st, "owner", nil)
	finish(t, st, storagetest.NewRun(t, st, a, today), f64(3), nil)

	s, err := acct.SpendToday(ctx, "intruder", a.ID)
	require.NoError(t, err)
	assert.Zero(t, s.USD)
}

type failingRuns struct{ storage.RunStore }

func (failingRuns) RunCosts(context.Context, string, []uuid.UUID, time.Time, time.Time) ([]model.RunCost, error) {
	return nil, errors.New("connection refused")
}

func TestStorageFailureSurfaces(t *testing.T) {
	acct := budget.New(failingRuns{}, cost.New(pricing.DefaultTable()), clock.NewFixed(today), nil)
	_, err := acct.Evaluate(context.Background(), "p", uuid.New(), f64(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrStorageFailure))
}
