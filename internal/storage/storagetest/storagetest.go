// Package storagetest is a behavioural suite run against every storage.Store
// implementation so the Postgres and SQLite backends cannot drift apart.
package storagetest

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/storage"
)

// Run executes the suite against st. Tests isolate themselves with fresh
// principal ids, so st may be shared between calls.
func Run(t *testing.T, st storage.Store) {
	t.Run("AgentLifecycle", func(t *testing.T) { testAgentLifecycle(t, st) })
	t.Run("AgentScoping", func(t *testing.T) { testAgentScoping(t, st) })
	t.Run("RunTransitions", func(t *testing.T) { testRunTransitions(t, st) })
	t.Run("RunDuplicateID", func(t *testing.T) { testRunDuplicateID(t, st) })
	t.Run("RunQueries", func(t *testing.T) { testRunQueries(t, st) })
	t.Run("RunCosts", func(t *testing.T) { testRunCosts(t, st) })
	t.Run("AuditQuery", func(t *testing.T) { testAuditQuery(t, st) })
	t.Run("UsageRollup", func(t *testing.T) { testUsageRollup(t, st) })
	t.Run("UsageConcurrent", func(t *testing.T) { testUsageConcurrent(t, st) })
}

func principal() string { return "p-" + uuid.NewString() }

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
func str(v string) *string   { return &v }

func agentEvent(p string, t model.AuditEventType) model.AuditEvent {
	return model.AuditEvent{PrincipalID: p, EventType: t, EntityType: str(model.EntityAgent)}
}

// NewAgent creates an active agent for p.
func NewAgent(t *testing.T, st storage.Store, p string, budget *float64) model.Agent {
	t.Helper()
	a, err := st.CreateAgent(context.Background(), model.Agent{
		PrincipalID:    p,
		Name:           "agent-" + uuid.NewString()[:8],
		BudgetDailyUSD: budget,
	}, agentEvent(p, model.EventAgentCreated))
	require.NoError(t, err)
	return a
}

// NewRun creates a pending run for agent at createdAt.
func NewRun(t *testing.T, st storage.Store, a model.Agent, createdAt time.Time) model.Run {
	t.Helper()
	r, err := st.CreateRun(context.Background(), model.Run{
		PrincipalID: a.PrincipalID,
		AgentID:     &a.ID,
		Status:      model.RunStatusPending,
		Model:       "gpt-4o",
		Provider:    "openai",
		Input:       json.RawMessage(`{"messages":[]}`),
		CreatedAt:   createdAt,
	}, model.AuditEvent{PrincipalID: a.PrincipalID, EventType: model.EventRunStarted, EntityType: str(model.EntityRun)})
	require.NoError(t, err)
	return r
}

func testAgentLifecycle(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	a := NewAgent(t, st, p, f64(1.5))
	assert.Equal(t, model.AgentStatusActive, a.Status)

	got, err := st.GetAgent(ctx, p, a.ID)
	require.NoError(t, err)
	assert.Equal(t, a.Name, got.Name)
	require.NotNil(t, got.BudgetDailyUSD)
	assert.InDelta(t, 1.5, *got.BudgetDailyUSD, 1e-9)

	paused, err := st.SetAgentStatus(ctx, p, a.ID,
		[]model.AgentStatus{model.AgentStatusActive}, model.AgentStatusPaused,
		&model.AuditEvent{PrincipalID: p, EventType: model.EventAgentKilled})
	require.NoError(t, err)
	assert.Equal(t, model.AgentStatusPaused, paused.Status)

	// Guard: the agent is no longer active.
	_, err = st.SetAgentStatus(ctx, p, a.ID,
		[]model.AgentStatus{model.AgentStatusActive}, model.AgentStatusPaused, nil)
	assert.ErrorIs(t, err, storage.ErrConflict)
	assert.ErrorIs(t, err, model.ErrConflict)

	_, err = st.SetAgentStatus(ctx, p, uuid.New(),
		[]model.AgentStatus{model.AgentStatusActive}, model.AgentStatusPaused, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	updated, err := st.SetAgentBudget(ctx, p, a.ID, nil, agentEvent(p, model.EventAgentBudgetUpdated))
	require.NoError(t, err)
	assert.Nil(t, updated.BudgetDailyUSD)

	events, err := st.QueryAudit(ctx, p, model.AuditFilter{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventAgentBudgetUpdated, events[0].EventType)
	assert.Equal(t, model.EventAgentCreated, events[2].EventType)
	require.NotNil(t, events[2].EntityID)
	assert.Equal(t, a.ID.String(), *events[2].EntityID)
}

func testAgentScoping(t *testing.T, st storage.Store) {
	ctx := context.Background()
	owner, other := principal(), principal()
	a := NewAgent(t, st, owner, nil)
	NewAgent(t, st, owner, nil)

	_, err := st.GetAgent(ctx, other, a.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	list, err := st.ListAgents(ctx, owner, 10, 0)
	require.NoError(t, err)
	assert.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID, "oldest first")

	list, err = st.ListAgents(ctx, other, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = st.SetAgentBudget(ctx, other, a.ID, f64(1), agentEvent(other, model.EventAgentBudgetUpdated))
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testRunTransitions(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	a := NewAgent(t, st, p, nil)
	r := NewRun(t, st, a, time.Time{})
	assert.Equal(t, model.RunStatusPending, r.Status)

	got, err := st.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[]}`, string(got.Input))
	assert.Nil(t, got.StartedAt)

	at := time.Now().UTC().Truncate(time.Microsecond)
	running, err := st.TransitionRun(ctx, model.RunTransition{
		RunID: r.ID, From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning, At: at,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusRunning, running.Status)
	require.NotNil(t, running.StartedAt)
	assert.WithinDuration(t, at, *running.StartedAt, time.Millisecond)

	done, err := st.TransitionRun(ctx, model.RunTransition{
		RunID:             r.ID,
		From:              []model.RunStatus{model.RunStatusRunning},
		To:                model.RunStatusSuccess,
		Model:             str("gpt-4o-2024-08-06"),
		Usage:             &model.TokenUsage{PromptTokens: i64(100), CompletionTokens: i64(50), TotalTokens: i64(150)},
		CostEstimateUSD:   f64(0.00075),
		CostIsApproximate: false,
		OutputText:        str("hello"),
	}, &model.AuditEvent{PrincipalID: p, EventType: model.EventRunSucceeded, EntityType: str(model.EntityRun), EntityID: str(r.ID.String())})
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, done.Status)
	assert.Equal(t, "gpt-4o-2024-08-06", done.Model)
	require.NotNil(t, done.Usage.TotalTokens)
	assert.Equal(t, int64(150), *done.Usage.TotalTokens)
	require.NotNil(t, done.CostEstimateUSD)
	assert.InDelta(t, 0.00075, *done.CostEstimateUSD, 1e-12)
	require.NotNil(t, done.FinishedAt)
	require.NotNil(t, done.StartedAt, "started_at survives later transitions")

	// Terminal: a second completion is a conflict and changes nothing.
	_, err = st.TransitionRun(ctx, model.RunTransition{
		RunID: r.ID, From: []model.RunStatus{model.RunStatusRunning}, To: model.RunStatusError,
		ErrorMessage: str("late"),
	}, &model.AuditEvent{PrincipalID: p, EventType: model.EventRunFailed})
	assert.ErrorIs(t, err, model.ErrConflict)

	after, err := st.GetRun(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusSuccess, after.Status)
	assert.Nil(t, after.ErrorMessage)

	failed, err := st.QueryAudit(ctx, p, model.AuditFilter{EventType: ptrEvent(model.EventRunFailed)}, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, failed, "rolled back with the rejected transition")

	_, err = st.TransitionRun(ctx, model.RunTransition{
		RunID: uuid.New(), From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning,
	}, nil)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testRunDuplicateID(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	a := NewAgent(t, st, p, nil)
	r := NewRun(t, st, a, time.Time{})

	_, err := st.CreateRun(ctx, model.Run{
		ID: r.ID, PrincipalID: p, AgentID: &a.ID, Status: model.RunStatusPending, Model: "gpt-4o",
	}, model.AuditEvent{PrincipalID: p, EventType: model.EventRunStarted})
	assert.ErrorIs(t, err, model.ErrConflict)

	started, err := st.QueryAudit(ctx, p, model.AuditFilter{EventType: ptrEvent(model.EventRunStarted)}, 10, 0)
	require.NoError(t, err)
	assert.Len(t, started, 1)
}

func testRunQueries(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	a := NewAgent(t, st, p, nil)
	old := time.Now().UTC().Add(-2 * time.Hour)

	stalePending := NewRun(t, st, a, old)
	staleRunning := NewRun(t, st, a, old.Add(time.Second))
	_, err := st.TransitionRun(ctx, model.RunTransition{
		RunID: staleRunning.ID, From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusRunning,
		At: old.Add(2 * time.Second),
	}, nil)
	require.NoError(t, err)
	fresh := NewRun(t, st, a, time.Time{})

	active, err := st.ListActiveRuns(ctx, p, a.ID)
	require.NoError(t, err)
	assert.Len(t, active, 3)

	stuck, err := st.ListStuckRuns(ctx, time.Now().UTC().Add(-time.Hour), 100)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, r := range stuck {
		ids[r.ID] = true
	}
	assert.True(t, ids[stalePending.ID])
	assert.True(t, ids[staleRunning.ID])
	assert.False(t, ids[fresh.ID])

	pending, err := st.ListRunsByStatus(ctx, model.RunStatusPending, 10000)
	require.NoError(t, err)
	found := false
	for _, r := range pending {
		assert.Equal(t, model.RunStatusPending, r.Status)
		if r.ID == fresh.ID {
			found = true
		}
	}
	assert.True(t, found)

	list, err := st.ListRunsByAgent(ctx, p, a.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, fresh.ID, list[0].ID, "newest first")
}

func testRunCosts(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	a := NewAgent(t, st, p, nil)
	b := NewAgent(t, st, p, nil)

	day := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	NewRun(t, st, a, day.Add(-time.Minute)) // previous day
	inDay := NewRun(t, st, a, day.Add(time.Hour))
	NewRun(t, st, b, day.Add(2*time.Hour))
	NewRun(t, st, a, day.Add(24*time.Hour)) // next day

	_, err := st.TransitionRun(ctx, model.RunTransition{
		RunID: inDay.ID, From: []model.RunStatus{model.RunStatusPending}, To: model.RunStatusError,
		CostEstimateUSD: f64(0.4), CostIsApproximate: true,
	}, nil)
	require.NoError(t, err)

	costs, err := st.RunCosts(ctx, p, []uuid.UUID{a.ID}, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, costs, 1)
	assert.Equal(t, inDay.ID, costs[0].RunID)
	require.NotNil(t, costs[0].CostEstimateUSD)
	assert.InDelta(t, 0.4, *costs[0].CostEstimateUSD, 1e-12)
	assert.True(t, costs[0].CostIsApproximate)

	both, err := st.RunCosts(ctx, p, []uuid.UUID{a.ID, b.ID}, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, both, 2)

	none, err := st.RunCosts(ctx, p, nil, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testAuditQuery(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	for i := 0; i < 5; i++ {
		typ := model.EventRunStarted
		if i%2 == 1 {
			typ = model.EventRunFailed
		}
		_, err := st.AppendAudit(ctx, model.AuditEvent{
			PrincipalID: p,
			EventType:   typ,
			EntityType:  str(model.EntityRun),
			EntityID:    str("run-" + string(rune('a'+i))),
			Payload:     model.AuditPayload{Extensions: map[string]any{"seq": i}},
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := st.AppendAudit(ctx, model.AuditEvent{PrincipalID: principal(), EventType: model.EventRunStarted})
	require.NoError(t, err)

	all, err := st.QueryAudit(ctx, p, model.AuditFilter{}, 50, 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.After(all[i-1].CreatedAt), "newest first")
	}
	assert.EqualValues(t, 4, all[0].Payload.Extensions["seq"])

	failed, err := st.QueryAudit(ctx, p, model.AuditFilter{EventType: ptrEvent(model.EventRunFailed)}, 50, 0)
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	byEntity, err := st.QueryAudit(ctx, p, model.AuditFilter{EntityType: str(model.EntityRun), EntityID: str("run-c")}, 50, 0)
	require.NoError(t, err)
	require.Len(t, byEntity, 1)

	from, to := base.Add(time.Minute), base.Add(3*time.Minute)
	window, err := st.QueryAudit(ctx, p, model.AuditFilter{From: &from, To: &to}, 50, 0)
	require.NoError(t, err)
	assert.Len(t, window, 2)

	page, err := st.QueryAudit(ctx, p, model.AuditFilter{}, 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[2].ID, page[0].ID)
}

func testUsageRollup(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	d1 := time.Date(2026, 1, 30, 15, 4, 5, 0, time.UTC)
	d2 := d1.Add(24 * time.Hour)
	d3 := d1.Add(48 * time.Hour)

	u, err := st.AddUsage(ctx, p, d1, 100, 0.5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.RunsCount)

	u, err = st.AddUsage(ctx, p, d1.Add(time.Hour), 50, 0.25)
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.RunsCount)
	assert.Equal(t, int64(150), u.TokensTotal)
	assert.InDelta(t, 0.75, u.CostUSD, 1e-9)

	_, err = st.AddUsage(ctx, p, d2, 10, 0)
	require.NoError(t, err)
	_, err = st.AddUsage(ctx, p, d3, 10, 0)
	require.NoError(t, err)

	rows, err := st.UsageRange(ctx, p, d1, d2)
	require.NoError(t, err)
	require.Len(t, rows, 2, "bounds are inclusive")
	assert.Equal(t, time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), rows[0].Day)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), rows[1].Day)
	assert.Equal(t, p, rows[0].PrincipalID)

	// Days are UTC calendar dates whatever zone the caller passes.
	tokyo := time.FixedZone("JST", 9*3600)
	u, err = st.AddUsage(ctx, p, time.Date(2026, 1, 31, 3, 0, 0, 0, tokyo), 5, 0)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 30, 0, 0, 0, 0, time.UTC), u.Day)
	assert.Equal(t, int64(3), u.RunsCount)

	rows, err = st.UsageRange(ctx, p, time.Date(2026, 1, 30, 23, 0, 0, 0, time.UTC), time.Date(2026, 1, 30, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, rows, 1, "mid-day bounds select the whole day")
	assert.Equal(t, int64(155), rows[0].TokensTotal)
}

func testUsageConcurrent(t *testing.T, st storage.Store) {
	ctx := context.Background()
	p := principal()
	day := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := st.AddUsage(ctx, p, day, 10, 0.01)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := st.UsageRange(ctx, p, day, day)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(20), rows[0].RunsCount)
	assert.Equal(t, int64(200), rows[0].TokensTotal)
	assert.InDelta(t, 0.2, rows[0].CostUSD, 1e-9)
}

func ptrEvent(e model.AuditEventType) *model.AuditEventType { return &e }
