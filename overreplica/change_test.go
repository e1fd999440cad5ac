package overreplica

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRow_JSONKeepsColumnOrder(t *testing.T) {
	r := row("zeta", 1, "alpha", "a", "mid", nil)
	b, err := json.Marshal(r)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":"a","mid":null}`, string(b))

	var back Row
	require.NoError(t, json.Unmarshal([]byte(`{"id": 9007199254740993, "name": "x", "tags": ["a"]}`), &back))
	assert.Equal(t, []string{"id", "name", "tags"}, back.Names())
	id, _ := back.Get("ID")
	assert.Equal(t, json.Number("9007199254740993"), id)

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &back))
}

func TestParseTable(t *testing.T) {
	assert.Equal(t, Table{Name: "orders"}, ParseTable("orders"))
	assert.Equal(t, Table{Schema: "public", Name: "orders"}, ParseTable("public.orders"))
	assert.Equal(t, Table{Catalog: "db", Schema: "public", Name: "orders"}, ParseTable("db.public.orders"))
	assert.Equal(t, "db.public.orders", ParseTable("db.public.orders").FullyQualifiedName())
}

func TestChangeRecord_DerivedCopies(t *testing.T) {
	rec := ChangeRecord{
		Table:     orders,
		EventType: EventUpdate,
		NewValues: row("id", 1, "total", 2),
		OldValues: row("id", 1, "total", 1),
		KeyValues: row("id", 1),
	}

	stripped := rec.WithoutOldValues()
	assert.Nil(t, stripped.OldValues)
	stripped.NewValues[1].Value = 99
	total, _ := rec.NewValues.Get("total")
	assert.Equal(t, 2, total)

	replaced := rec.WithNewValues(row("id", 1, "total", 3))
	assert.Equal(t, row("id", 1), replaced.Keys())
	assert.Equal(t, rec.OldValues, replaced.OldValues)

	insert := ChangeRecord{Table: orders, EventType: EventInsert, NewValues: row("id", 4)}
	assert.Equal(t, row("id", 4), insert.Keys())
	del := ChangeRecord{Table: orders, EventType: EventDelete, OldValues: row("id", 5)}
	assert.Equal(t, row("id", 5), del.Keys())
}

func TestResolutionStore(t *testing.T) {
	var nilStore *ResolutionStore
	_, ok := nilStore.Lookup(1)
	assert.False(t, ok)
	assert.Zero(t, nilStore.Len())

	s := NewResolutionStore([]ResolvedData{
		{RowNumber: 2, IgnoreRow: true},
		{RowNumber: 5, Data: row("id", 1)},
		{RowNumber: 2, Data: row("id", 2)},
	})
	assert.Equal(t, 2, s.Len())

	rd, ok := s.Lookup(2)
	require.True(t, ok)
	assert.False(t, rd.IgnoreRow, "later entry wins")
	_, ok = s.Lookup(3)
	assert.False(t, ok)
}

func TestResolvedData_JSON(t *testing.T) {
	var rd ResolvedData
	require.NoError(t, json.Unmarshal([]byte(`{"row_number":3,"ignore_row":false,"resolved_data":{"id":7,"total":"10.50"}}`), &rd))
	assert.Equal(t, int64(3), rd.RowNumber)
	assert.Equal(t, []string{"id", "total"}, rd.Data.Names())
}

func TestBatchStatistics(t *testing.T) {
	var s BatchStatistics
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.FallbackInsertCount.Add(1)
				s.IgnoreCount.Add(1)
			}
		}()
	}
	wg.Wait()
	s.MissingDeleteCount.Add(2)

	snap := s.Snapshot()
	assert.Equal(t, int64(1000), snap.FallbackInsertCount)
	assert.Equal(t, int64(1000), snap.IgnoreCount)
	assert.Equal(t, int64(2), snap.MissingDeleteCount)

	s.Reset()
	assert.Equal(t, StatisticsSnapshot{}, s.Snapshot())
}

func TestConflictSetting_Validate(t *testing.T) {
	assert.NoError(t, DefaultConflictSetting().Validate())
	assert.Error(t, ConflictSetting{DetectType: "USE_HASH", ResolveType: ResolveManual}.Validate())
	assert.Error(t, ConflictSetting{DetectType: DetectUsePKData, ResolveType: "LAST_WINS"}.Validate())
	assert.ErrorContains(t, ConflictSetting{ID: "v", DetectType: DetectUseVersion, ResolveType: ResolveNewerWins}.Validate(), "detect_expression")
	assert.NoError(t, ConflictSetting{DetectType: DetectUseVersion, DetectExpression: "version", ResolveType: ResolveNewerWins}.Validate())
}

func TestErrors(t *testing.T) {
	rc := &RowConflictError{Table: orders, BatchID: 1, RowNumber: 2, SettingID: "s", EventType: EventInsert, Retriable: true}
	assert.Equal(t, "conflict on INSERT public.orders in batch 1 at row 2 (setting s, retriable=true)", rc.Error())
	assert.True(t, IsRetriable(rc))

	ab := &AbortBatchError{Table: orders, BatchID: 1, RowNumber: 2, SettingID: "s", Reason: "r"}
	assert.ErrorIs(t, ab, ErrAbortBatch)
	assert.False(t, IsRowConflict(ab))
	assert.False(t, IsRetriable(ab))
}

func TestEnumValid(t *testing.T) {
	for _, e := range []EventType{EventInsert, EventUpdate, EventDelete} {
		assert.True(t, e.Valid(), e)
	}
	assert.False(t, EventType("UPSERT").Valid())
	assert.False(t, EventType("insert").Valid())
	assert.True(t, DetectUseVersion.Valid())
	assert.False(t, DetectType("USE_CHANGED_DATA").Valid())
	assert.True(t, ResolveNewerWins.Valid())
	assert.False(t, ResolveType("").Valid())
}
