package model_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func TestRunStatusTransitions(t *testing.T) {
	tests := []struct {
		from, to model.RunStatus
		ok       bool
	}{
		{model.RunStatusPending, model.RunStatusRunning, true},
		{model.RunStatusPending, model.RunStatusCancelled, true},
		{model.RunStatusPending, model.RunStatusError, true},
		{model.RunStatusPending, model.RunStatusSuccess, false},
		{model.RunStatusRunning, model.RunStatusSuccess, true},
		{model.RunStatusRunning, model.RunStatusError, true},
		{model.RunStatusRunning, model.RunStatusCancelled, true},
		{model.RunStatusRunning, model.RunStatusPending, false},
		{model.RunStatusSuccess, model.RunStatusError, false},
		{model.RunStatusError, model.RunStatusRunning, false},
		{model.RunStatusCancelled, model.RunStatusCancelled, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, model.CanTransition(tt.from, tt.to))
		})
	}
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, model.RunStatusPending.Terminal())
	assert.False(t, model.RunStatusRunning.Terminal())
	assert.True(t, model.RunStatusSuccess.Terminal())
	assert.True(t, model.RunStatusError.Terminal())
	assert.True(t, model.RunStatusCancelled.Terminal())
}

func TestTokenUsageTotal(t *testing.T) {
	assert.Equal(t, int64(0), model.TokenUsage{}.Total())
	assert.Equal(t, int64(30), model.TokenUsage{PromptTokens: ptr(int64(10)), CompletionTokens: ptr(int64(20))}.Total())
	assert.Equal(t, int64(99), model.TokenUsage{PromptTokens: ptr(int64(10)), TotalTokens: ptr(int64(99))}.Total())
	assert.True(t, model.TokenUsage{}.Empty())
	assert.False(t, model.TokenUsage{TotalTokens: ptr(int64(0))}.Empty())
}

func TestStartRunRequestValidate(t *testing.T) {
	ok := model.StartRunRequest{AgentID: uuid.New(), Model: "gpt-4o", Provider: "openai"}
	require.NoError(t, ok.Validate())

	noAgent := ok
	noAgent.AgentID = uuid.Nil
	assert.Error(t, noAgent.Validate())

	noModel := ok
	noModel.Model = ""
	assert.Error(t, noModel.Validate())

	longModel := ok
	longModel.Model = strings.Repeat("m", model.MaxModelLen+1)
	assert.Error(t, longModel.Validate())

	badInput := ok
	badInput.Input = json.RawMessage(`{not json`)
	assert.Error(t, badInput.Validate())

	hot := ok
	hot.Temperature = ptr(2.5)
	assert.Error(t, hot.Validate())
}

func TestCompleteRunRequestValidate(t *testing.T) {
	assert.NoError(t, model.CompleteRunRequest{Status: model.RunStatusSuccess}.Validate())
	assert.NoError(t, model.CompleteRunRequest{Status: model.RunStatusError}.Validate())
	assert.Error(t, model.CompleteRunRequest{Status: model.RunStatusCancelled}.Validate())
	assert.Error(t, model.CompleteRunRequest{Status: model.RunStatusSuccess, CostUSD: ptr(-1.0)}.Validate())
}

func TestErrorTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("storage: agent x: %w", model.ErrNotFound)
	assert.True(t, errors.Is(wrapped, model.ErrNotFound))

	var qe *model.QuotaExceededError
	err := fmt.Errorf("start run: %w", &model.QuotaExceededError{Scope: "run_start", RetryAfterSeconds: 12})
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, 12, qe.RetryAfterSeconds)

	be := &model.BudgetExceededError{Meta: model.BudgetMeta{CapUSD: ptr(1.0), SpentTodayUSD: 1.1}}
	assert.Contains(t, be.Error(), "1.1000 of 1.0000")
}

func TestAuditPayloadOmitsUnsetMembers(t *testing.T) {
	p := model.AuditPayload{
		RunStarted: &model.RunStartedPayload{Model: "gpt-4o", Provider: "openai"},
		Extensions: map[string]any{"source": "cli"},
	}
	b, err := json.Marshal(p)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"run_started"`)
	assert.Contains(t, s, `"extensions"`)
	assert.NotContains(t, s, `"budget_exceeded"`)
	assert.NotContains(t, s, `"agent_killed"`)
}
