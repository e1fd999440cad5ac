package overreplica

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchLoader_Load(t *testing.T) {
	e := engineWith(ordersSetting(DetectUsePKData, ResolveFallback, false))
	l := NewBatchLoader(e, quietLogger())
	w := newMemWriter().seed("orders", row("id", 2, "total", 1))

	records := []ChangeRecord{
		{Table: orders, EventType: EventInsert, NewValues: row("id", 1, "total", 10)},
		// exists: fallback update
		{Table: orders, EventType: EventInsert, NewValues: row("id", 2, "total", 20)},
		// missing: fallback insert
		{Table: orders, EventType: EventUpdate, NewValues: row("id", 3, "total", 30), KeyValues: row("id", 3)},
		// missing delete
		{Table: orders, EventType: EventDelete, KeyValues: row("id", 4)},
		{Table: orders, EventType: EventDelete, KeyValues: row("id", 1)},
	}

	res, err := l.Load(context.Background(), Batch{ID: 7, Channel: "sales"}, records, w, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 3, res.Resolved)
	assert.False(t, res.Aborted)
	assert.Nil(t, res.Failure)
	assert.Equal(t, StatisticsSnapshot{
		FallbackInsertCount: 1,
		FallbackUpdateCount: 1,
		MissingDeleteCount:  1,
		RowCount:            5,
		LineNumber:          5,
	}, res.Stats)
	assert.Equal(t, []bool{false, true}, w.retransform, "corrective update does not retransform, plain update does")

	_, exists := w.get("orders", 1)
	assert.False(t, exists)
	got, ok := w.get("orders", 3)
	require.True(t, ok)
	total, _ := got.Get("total")
	assert.Equal(t, 30, total)
}

func TestBatchLoader_StopsOnAbort(t *testing.T) {
	e := engineWith(ordersSetting(DetectUsePKData, ResolveIgnore, false))
	l := NewBatchLoader(e, quietLogger())
	w := newMemWriter().seed("orders", row("id", 2))

	records := []ChangeRecord{
		{Table: orders, EventType: EventInsert, NewValues: row("id", 1)},
		{Table: orders, EventType: EventInsert, NewValues: row("id", 2)},
		{Table: orders, EventType: EventInsert, NewValues: row("id", 3)},
	}
	res, err := l.Load(context.Background(), Batch{ID: 8}, records, w, nil)
	require.ErrorIs(t, err, ErrAbortBatch)
	assert.True(t, res.Aborted)
	require.NotNil(t, res.Failure)
	assert.Equal(t, int64(2), res.Failure.RowNumber)
	assert.Equal(t, EventInsert, res.Failure.EventType)
	assert.Equal(t, 1, res.Applied)
	_, exists := w.get("orders", 3)
	assert.False(t, exists, "rows after the abort are not applied")
}

func TestBatchLoader_StopsOnRowConflict(t *testing.T) {
	l := NewBatchLoader(engineWith(), quietLogger())
	w := newMemWriter().seed("orders", row("id", 1))

	res, err := l.Load(context.Background(), Batch{ID: 9}, []ChangeRecord{
		{Table: orders, EventType: EventInsert, NewValues: row("id", 1)},
		{Table: orders, EventType: EventInsert, NewValues: row("id", 2)},
	}, w, nil)
	require.True(t, IsRowConflict(err))
	assert.False(t, res.Aborted)
	require.NotNil(t, res.Failure)
	assert.Equal(t, int64(1), res.Failure.RowNumber)
	assert.ErrorContains(t, res.Failure.Err, "duplicate key")
}

func TestBatchLoader_OverrideResolvesManualConflict(t *testing.T) {
	l := NewBatchLoader(engineWith(), quietLogger())
	w := newMemWriter().seed("orders", row("id", 1, "total", 1))

	resolutions := NewResolutionStore([]ResolvedData{{RowNumber: 1, Data: row("id", 1, "total", 5)}})
	res, err := l.Load(context.Background(), Batch{ID: 10}, []ChangeRecord{
		{Table: orders, EventType: EventInsert, NewValues: row("id", 1, "total", 2)},
	}, w, resolutions)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	got, _ := w.get("orders", 1)
	total, _ := got.Get("total")
	assert.Equal(t, 5, total)
}

func TestBatchLoader_PreResolve(t *testing.T) {
	l := NewBatchLoader(engineWith(), quietLogger())
	l.PreResolve = true
	w := newMemWriter()

	resolutions := NewResolutionStore([]ResolvedData{
		{RowNumber: 1, IgnoreRow: true},
		{RowNumber: 2, Data: row("id", 2, "total", 200)},
	})
	res, err := l.Load(context.Background(), Batch{ID: 11}, []ChangeRecord{
		{Table: orders, EventType: EventInsert, NewValues: row("id", 1)},
		{Table: orders, EventType: EventUpdate, NewValues: row("id", 2, "total", 2), KeyValues: row("id", 2)},
		{Table: orders, EventType: EventInsert, NewValues: row("id", 3)},
	}, w, resolutions)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, int64(1), res.Stats.IgnoreCount)
	assert.Equal(t, int64(1), res.Stats.FallbackInsertCount)
	assert.Equal(t, []string{"update", "insert", "insert"}, w.calls)

	_, exists := w.get("orders", 1)
	assert.False(t, exists)
}

func TestBatchLoader_CanceledContext(t *testing.T) {
	l := NewBatchLoader(engineWith(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Load(ctx, Batch{ID: 12}, []ChangeRecord{{Table: orders, EventType: EventInsert, NewValues: row("id", 1)}}, newMemWriter(), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestBatchLoader_LoadConcurrently(t *testing.T) {
	e := engineWith(ordersSetting(DetectUsePKData, ResolveIgnore, true))
	l := NewBatchLoader(e, quietLogger())

	jobs := make([]BatchJob, 0, 6)
	writers := make([]*memWriter, 0, 6)
	for i := 0; i < 6; i++ {
		w := newMemWriter().seed("orders", row("id", 1))
		writers = append(writers, w)
		jobs = append(jobs, BatchJob{
			Batch:  Batch{ID: int64(100 + i), Channel: "sales"},
			Writer: w,
			Records: []ChangeRecord{
				{Table: orders, EventType: EventInsert, NewValues: row("id", 1)},
				{Table: orders, EventType: EventInsert, NewValues: row("id", 2)},
			},
		})
	}

	results, err := l.LoadConcurrently(context.Background(), jobs, 2)
	require.NoError(t, err)
	require.Len(t, results, 6)
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, int64(100+i), res.Batch.ID)
		assert.Equal(t, int64(1), res.Stats.IgnoreCount, "statistics are per batch")
		assert.Equal(t, 1, res.Applied)
		_, ok := writers[i].get("orders", 2)
		assert.True(t, ok)
	}
}

func TestBatchLoader_LoadConcurrentlyPropagatesInfrastructureErrors(t *testing.T) {
	l := NewBatchLoader(engineWith(), quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := l.LoadConcurrently(ctx, []BatchJob{{
		Batch:   Batch{ID: 1},
		Writer:  newMemWriter(),
		Records: []ChangeRecord{{Table: orders, EventType: EventInsert, NewValues: row("id", 1)}},
	}}, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.Len(t, results, 1)
}
