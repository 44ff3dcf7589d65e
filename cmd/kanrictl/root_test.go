package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/lifecycle"
	"github.com/ashita-ai/kanri/internal/model"
)

const principal = "team-a"

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// seed opens the same SQLite file the CLI will use and creates one agent.
func seed(t *testing.T, path string, capUSD *float64) model.Agent {
	t.Helper()
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetErr(&bytes.Buffer{})
	g := &globalFlags{sqlitePath: path}
	e, err := g.open(cmd, lifecycle.DefaultConfig())
	require.NoError(t, err)
	defer e.Close()

	a, err := e.lifecycle.CreateAgent(context.Background(), principal, model.CreateAgentRequest{
		Name:           "summarizer",
		BudgetDailyUSD: capUSD,
	})
	require.NoError(t, err)
	return a
}

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "kanri.db")
}

func TestNoStoreConfigured(t *testing.T) {
	t.Setenv("KANRI_SQLITE_PATH", "")
	_, err := execute(t, "agents", "list", "-p", principal)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--database-url or --sqlite")
}

func TestPrincipalRequired(t *testing.T) {
	_, err := execute(t, "agents", "list", "--sqlite", dbPath(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--principal")
}

func TestAgentsList(t *testing.T) {
	path := dbPath(t)
	capUSD := 5.0
	a := seed(t, path, &capUSD)

	out, err := execute(t, "agents", "list", "--sqlite", path, "-p", principal)
	require.NoError(t, err)
	assert.Contains(t, out, a.ID.String())
	assert.Contains(t, out, "summarizer")
	assert.Contains(t, out, "$5.00")

	// Other principals see nothing.
	out, err = execute(t, "agents", "list", "--sqlite", path, "-p", "team-b", "--json")
	require.NoError(t, err)
	var agents []model.Agent
	require.NoError(t, json.Unmarshal([]byte(out), &agents))
	assert.Empty(t, agents)
}

func TestBudgetStatus(t *testing.T) {
	path := dbPath(t)
	capUSD := 2.0
	a := seed(t, path, &capUSD)

	out, err := execute(t, "budget", "status", "--sqlite", path, "-p", principal, "--json")
	require.NoError(t, err)
	var rows []budgetRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, a.ID, rows[0].Agent.ID)
	assert.False(t, rows[0].Exceeded)
	assert.Zero(t, rows[0].Budget.SpentTodayUSD)
	require.NotNil(t, rows[0].Budget.PercentUsed)
	assert.Equal(t, 0, *rows[0].Budget.PercentUsed)

	_, err = execute(t, "budget", "status", "--sqlite", path, "-p", principal, "--agent", "not-a-uuid")
	require.Error(t, err)
}

func TestKillRecordsAudit(t *testing.T) {
	path := dbPath(t)
	a := seed(t, path, nil)

	out, err := execute(t, "kill", a.ID.String(), "--sqlite", path, "-p", principal, "--reason", "runaway loop")
	require.NoError(t, err)
	assert.Contains(t, out, "is paused")
	assert.Contains(t, out, "cancelled 0 run(s)")

	out, err = execute(t, "audit", "list", "--sqlite", path, "-p", principal, "--event-type", "agent.killed", "--json")
	require.NoError(t, err)
	var events []model.AuditEvent
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 1)
	require.NotNil(t, events[0].EntityID)
	assert.Equal(t, a.ID.String(), *events[0].EntityID)

	_, err = execute(t, "kill", "nope", "--sqlite", path, "-p", principal)
	require.Error(t, err)
}

func TestUsageValidatesDates(t *testing.T) {
	path := dbPath(t)
	_, err := execute(t, "usage", "--sqlite", path, "-p", principal, "--from", "yesterday")
	require.Error(t, err)

	_, err = execute(t, "usage", "--sqlite", path, "-p", principal, "--from", "2025-01-01", "--to", "2026-06-01")
	require.ErrorIs(t, err, model.ErrInvalidInput)

	out, err := execute(t, "usage", "--sqlite", path, "-p", principal)
	require.NoError(t, err)
	assert.Contains(t, out, "total")
}

func TestSweepOnEmptyStore(t *testing.T) {
	out, err := execute(t, "sweep", "--sqlite", dbPath(t), "--stuck-after", "1m")
	require.NoError(t, err)
	assert.Equal(t, "swept 0 run(s)\n", out)
}

func TestPricingShow(t *testing.T) {
	out, err := execute(t, "pricing", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "gpt-4o-mini (fallback)")

	_, err = execute(t, "pricing", "show", "--pricing-file", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestMigrateSQLite(t *testing.T) {
	out, err := execute(t, "migrate", "--sqlite", dbPath(t))
	require.NoError(t, err)
	assert.Contains(t, out, "sqlite schema is up to date")
}
