package audit_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/audit"
	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/testutil"
)

func newLog(t *testing.T) *audit.Log {
	t.Helper()
	return audit.New(testutil.NewSQLiteStore(t), testutil.TestLogger())
}

func TestAppendAndQueryNewestFirst(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	for i := 0; i < 3; i++ {
		_, err := log.Append(ctx, audit.Entry{
			PrincipalID: "p1",
			EventType:   model.EventAgentCreated,
			Payload:     model.AuditPayload{Extensions: map[string]any{"n": float64(i)}},
		})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := log.Append(ctx, audit.Entry{PrincipalID: "p2", EventType: model.EventAgentCreated})
	require.NoError(t, err)

	events, err := log.Query(ctx, "p1", audit.Filter{}, audit.Page{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, float64(2), events[0].Payload.Extensions["n"])
	assert.Equal(t, float64(0), events[2].Payload.Extensions["n"])
	for i := 1; i < len(events); i++ {
		assert.False(t, events[i].CreatedAt.After(events[i-1].CreatedAt))
	}
}

func TestQueryFilters(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)
	runEntity := model.EntityRun
	runID := uuid.NewString()

	_, err := log.Append(ctx, audit.Entry{PrincipalID: "p", EventType: model.EventRunStarted, EntityType: &runEntity, EntityID: &runID})
	require.NoError(t, err)
	_, err = log.Append(ctx, audit.Entry{PrincipalID: "p", EventType: model.EventRunSucceeded, EntityType: &runEntity, EntityID: &runID})
	require.NoError(t, err)
	_, err = log.Append(ctx, audit.Entry{PrincipalID: "p", EventType: model.EventAgentCreated})
	require.NoError(t, err)

	started := model.EventRunStarted
	byType, err := log.Query(ctx, "p", audit.Filter{EventType: &started}, audit.Page{})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, model.EventRunStarted, byType[0].EventType)

	byEntity, err := log.Query(ctx, "p", audit.Filter{EntityType: &runEntity, EntityID: &runID}, audit.Page{})
	require.NoError(t, err)
	assert.Len(t, byEntity, 2)

	future := time.Now().Add(time.Hour)
	none, err := log.Query(ctx, "p", audit.Filter{From: &future}, audit.Page{})
	require.NoError(t, err)
	assert.Empty(t, none)
	assert.NotNil(t, none)
}

func TestQueryPaging(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)
	for i := 0; i < 60; i++ {
		_, err := log.Append(ctx, audit.Entry{PrincipalID: "p", EventType: model.AuditEventType(fmt.Sprintf("custom.%d", i))})
		require.NoError(t, err)
	}

	def, err := log.Query(ctx, "p", audit.Filter{}, audit.Page{})
	require.NoError(t, err)
	assert.Len(t, def, audit.DefaultLimit)

	tail, err := log.Query(ctx, "p", audit.Filter{}, audit.Page{Limit: 50, Offset: 50})
	require.NoError(t, err)
	assert.Len(t, tail, 10)

	huge, err := log.Query(ctx, "p", audit.Filter{}, audit.Page{Limit: 10_000})
	require.NoError(t, err)
	assert.Len(t, huge, 60)
}

func TestAppendValidation(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)

	_, err := log.Append(ctx, audit.Entry{EventType: model.EventAgentCreated})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	_, err = log.Append(ctx, audit.Entry{PrincipalID: "p"})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestQueryRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)
	_, err := newLog(t).Query(context.Background(), "p", audit.Filter{From: &now, To: &earlier}, audit.Page{})
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}

func TestAppendRedactsPayload(t *testing.T) {
	ctx := context.Background()
	log := newLog(t)
	msg := "provider said: invalid key sk-abcdefghijklmnopqrstuvwx"

	ev, err := log.Append(ctx, audit.Entry{
		PrincipalID: "p",
		EventType:   model.EventRunFailed,
		Payload: model.AuditPayload{
			RunFinished: &model.RunFinishedPayload{Status: model.RunStatusError, ErrorMessage: &msg},
			Extensions:  map[string]any{"note": "Authorization: Bearer abc.def.ghi"},
		},
	})
	require.NoError(t, err)
	assert.NotContains(t, *ev.Payload.RunFinished.ErrorMessage, "sk-abcdefghijklmnopqrstuvwx")
	assert.Contains(t, *ev.Payload.RunFinished.ErrorMessage, "[REDACTED:")
	assert.NotContains(t, ev.Payload.Extensions["note"], "abc.def.ghi")

	// The caller's payload is left untouched.
	assert.Contains(t, msg, "sk-abcdefghijklmnopqrstuvwx")
}
