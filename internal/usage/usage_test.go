package usage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanri/internal/model"
	"github.com/ashita-ai/kanri/internal/testutil"
	"github.com/ashita-ai/kanri/internal/usage"
)

var day1 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func TestRecordAccumulates(t *testing.T) {
	ctx := context.Background()
	r := usage.New(testutil.NewSQLiteStore(t), testutil.TestLogger())

	_, err := r.Record(ctx, "p", day1, 1000, 0.25)
	require.NoError(t, err)
	u, err := r.Record(ctx, "p", day1.Add(10*time.Hour), 500, 0.5)
	require.NoError(t, err)

	assert.Equal(t, int64(2), u.RunsCount)
	assert.Equal(t, int64(1500), u.TokensTotal)
	assert.InDelta(t, 0.75, u.CostUSD, 1e-9)
	assert.True(t, u.Day.Equal(time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)))
}

func TestRecordClampsNegativeInputs(t *testing.T) {
	ctx := context.Background()
	r := usage.New(testutil.NewSQLiteStore(t), testutil.TestLogger())

	_, err := r.Record(ctx, "p", day1, 100, 1)
	require.NoError(t, err)
	u, err := r.Record(ctx, "p", day1, -50, -0.5)
	require.NoError(t, err)

	assert.Equal(t, int64(2), u.RunsCount)
	assert.Equal(t, int64(100), u.TokensTotal)
	assert.InDelta(t, 1.0, u.CostUSD, 1e-9)
}

func TestRecordConcurrent(t *testing.T) {
	ctx := context.Background()
	r := usage.New(testutil.NewSQLiteStore(t), testutil.TestLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Record(ctx, "p", day1, 10, 0.01)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := r.Range(ctx, "p", day1, day1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(20), rows[0].RunsCount)
	assert.Equal(t, int64(200), rows[0].TokensTotal)
	assert.InDelta(t, 0.2, rows[0].CostUSD, 1e-9)
}

func TestRangeInclusiveAndOrdered(t *testing.T) {
	ctx := context.Background()
	r := usage.New(testutil.NewSQLiteStore(t), testutil.TestLogger())

	for _, d := range []int{3, 0, 1, 5} {
		_, err := r.Record(ctx, "p", day1.AddDate(0, 0, d), 1, 0)
		require.NoError(t, err)
	}
	_, err := r.Record(ctx, "other", day1, 1, 0)
	require.NoError(t, err)

	rows, err := r.Range(ctx, "p", day1, day1.AddDate(0, 0, 3))
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, 14, rows[0].Day.Day())
	assert.Equal(t, 15, rows[1].Day.Day())
	assert.Equal(t, 17, rows[2].Day.Day())

	empty, err := r.Range(ctx, "nobody", day1, day1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRangeValidation(t *testing.T) {
	ctx := context.Background()
	r := usage.New(testutil.NewSQLiteStore(t), testutil.TestLogger())

	_, err := r.Range(ctx, "p", day1, day1.AddDate(0, 0, -1))
	assert.True(t, errors.Is(err, model.ErrInvalidInput))

	_, err = r.Range(ctx, "p", day1, day1.AddDate(0, 0, usage.MaxRangeDays-1))
	assert.NoError(t, err)

	_, err = r.Range(ctx, "p", day1, day1.AddDate(0, 0, usage.MaxRangeDays))
	assert.True(t, errors.Is(err, model.ErrInvalidInput))
}
