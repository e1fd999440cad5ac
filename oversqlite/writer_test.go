package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/mobiletoly/go-overreplica/overreplica"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ordersDDL = `
	CREATE TABLE orders (
		id         INTEGER PRIMARY KEY,
		sku        TEXT UNIQUE,
		total      REAL,
		note       TEXT,
		version    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT
	)
`

func newOrdersDB(t *testing.T) *sql.DB {
	t.Helper()
	db := openTestDB(t)
	_, err := db.Exec(ordersDDL)
	require.NoError(t, err)
	return db
}

func beginTx(t *testing.T, db *sql.DB) *sql.Tx {
	t.Helper()
	tx, err := db.Begin()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tx.Rollback() })
	return tx
}

func row(kv ...any) overreplica.Row {
	r := make(overreplica.Row, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r = append(r, overreplica.Column{Name: kv[i].(string), Value: kv[i+1]})
	}
	return r
}

var ordersTable = overreplica.Table{Schema: "public", Name: "orders"}

func insertRec(values overreplica.Row) overreplica.ChangeRecord {
	return overreplica.ChangeRecord{Table: ordersTable, EventType: overreplica.EventInsert, NewValues: values}
}

func updateRec(values overreplica.Row) overreplica.ChangeRecord {
	id, _ := values.Get("id")
	return overreplica.ChangeRecord{
		Table:     ordersTable,
		EventType: overreplica.EventUpdate,
		NewValues: values,
		KeyValues: row("id", id),
	}
}

func deleteRec(id int64) overreplica.ChangeRecord {
	return overreplica.ChangeRecord{Table: ordersTable, EventType: overreplica.EventDelete, KeyValues: row("id", id)}
}

func seedOrder(t *testing.T, q interface {
	Exec(string, ...any) (sql.Result, error)
}, id int64, sku string, total float64, note string, version int64) {
	t.Helper()
	_, err := q.Exec(`INSERT INTO orders (id, sku, total, note, version) VALUES (?, ?, ?, ?, ?)`, id, sku, total, note, version)
	require.NoError(t, err)
}

type orderRow struct {
	SKU     sql.NullString
	Total   float64
	Note    sql.NullString
	Version int64
}

func loadOrder(t *testing.T, q interface {
	QueryRow(string, ...any) *sql.Row
}, id int64) (orderRow, bool) {
	t.Helper()
	var o orderRow
	err := q.QueryRow(`SELECT sku, total, note, version FROM orders WHERE id = ?`, id).Scan(&o.SKU, &o.Total, &o.Note, &o.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return o, false
	}
	require.NoError(t, err)
	return o, true
}

func TestWriter_TargetTableDropsSchema(t *testing.T) {
	w := NewWriter(nil, nil, nil)
	assert.Equal(t, overreplica.Table{Name: "orders"}, w.TargetTable(insertRec(nil)))
}

func TestWriter_Insert(t *testing.T) {
	db := newOrdersDB(t)
	tx := beginTx(t, db)
	ctx := context.Background()
	w := NewWriter(tx, nil, nil)

	status, err := w.Insert(ctx, insertRec(row("id", 1, "sku", "A-1", "total", 10.5, "ignored_column", "x")))
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)

	o, ok := loadOrder(t, tx, 1)
	require.True(t, ok)
	assert.Equal(t, "A-1", o.SKU.String)
	assert.Equal(t, 10.5, o.Total)

	status, err = w.Insert(ctx, insertRec(row("id", 1, "sku", "A-2")))
	assert.Equal(t, overreplica.LoadConflict, status)
	require.Error(t, err)
	assert.True(t, isKeyConflict(err), "duplicate key is reported as a conflict")
	assert.ErrorIs(t, err, overreplica.ErrKeyViolation)

	status, err = w.Insert(ctx, insertRec(row("id", 2, "sku", "A-1")))
	assert.Equal(t, overreplica.LoadConflict, status)
	assert.True(t, isKeyConflict(err), "unique violation is reported as a conflict")
	assert.ErrorIs(t, err, overreplica.ErrKeyViolation)

	// the failed statements did not poison the transaction
	status, err = w.Insert(ctx, insertRec(row("id", 3, "sku", "A-3")))
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)

	_, err = w.Insert(ctx, insertRec(row("unknown", 1)))
	assert.Error(t, err)
}

func TestWriter_InsertNotNullIsNotKeyConflict(t *testing.T) {
	db := newOrdersDB(t)
	tx := beginTx(t, db)
	w := NewWriter(tx, nil, nil)

	status, err := w.Insert(context.Background(), insertRec(row("id", 1, "version", nil)))
	assert.Equal(t, overreplica.LoadConflict, status)
	require.Error(t, err)
	assert.False(t, isKeyConflict(err))
	assert.NotErrorIs(t, err, overreplica.ErrKeyViolation)
}

func TestWriter_UpdateAndDelete(t *testing.T) {
	db := newOrdersDB(t)
	tx := beginTx(t, db)
	ctx := context.Background()
	w := NewWriter(tx, nil, nil)
	seedOrder(t, tx, 1, "A-1", 10, "first", 1)

	status, err := w.Update(ctx, updateRec(row("id", 1, "total", 20.0, "version", 2)), false, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)
	o, _ := loadOrder(t, tx, 1)
	assert.Equal(t, 20.0, o.Total)
	assert.Equal(t, int64(2), o.Version)

	status, err = w.Update(ctx, updateRec(row("id", 99, "total", 1.0)), false, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadConflict, status, "no row affected")

	_, err = w.Update(ctx, overreplica.ChangeRecord{Table: ordersTable, EventType: overreplica.EventUpdate, NewValues: row("total", 1.0)}, false, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key column id missing")

	status, err = w.Delete(ctx, deleteRec(99), false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadConflict, status)

	status, err = w.Delete(ctx, deleteRec(99), true)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status, "tolerated missing row")

	status, err = w.Delete(ctx, deleteRec(1), false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)
	_, found := loadOrder(t, tx, 1)
	assert.False(t, found)
}

func TestWriter_UpdateChangesOnly(t *testing.T) {
	db := newOrdersDB(t)
	_, err := db.Exec(`
		CREATE TABLE note_audit (order_id INTEGER, note TEXT);
		CREATE TRIGGER orders_note_audit AFTER UPDATE OF note ON orders
		BEGIN
			INSERT INTO note_audit (order_id, note) VALUES (NEW.id, NEW.note);
		END;
	`)
	require.NoError(t, err)
	tx := beginTx(t, db)
	ctx := context.Background()
	w := NewWriter(tx, nil, nil)
	seedOrder(t, tx, 1, "A-1", 10, "same", 1)

	audits := func() int {
		var n int
		require.NoError(t, tx.QueryRow(`SELECT COUNT(*) FROM note_audit`).Scan(&n))
		return n
	}

	rec := updateRec(row("id", 1, "total", 25.0, "note", "same", "version", 1))
	status, err := w.Update(ctx, rec, true, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)
	o, _ := loadOrder(t, tx, 1)
	assert.Equal(t, 25.0, o.Total)
	assert.Equal(t, 0, audits(), "unchanged note column is not written")

	status, err = w.Update(ctx, rec, true, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status, "nothing to change is still a success")

	status, err = w.Update(ctx, updateRec(row("id", 2, "total", 1.0)), true, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadConflict, status, "missing row")

	status, err = w.Update(ctx, rec, false, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)
	assert.Equal(t, 1, audits(), "a full update writes every column")
}

func TestWriter_CurrentTargetValue(t *testing.T) {
	db := newOrdersDB(t)
	tx := beginTx(t, db)
	ctx := context.Background()
	w := NewWriter(tx, nil, nil)
	seedOrder(t, tx, 1, "A-1", 10, "n", 7)

	v, err := w.CurrentTargetValue(ctx, overreplica.Table{Name: "orders"}, row("id", 1), "VERSION")
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)

	v, err = w.CurrentTargetValue(ctx, overreplica.Table{Name: "orders"}, row("id", 2), "version")
	require.NoError(t, err)
	assert.Nil(t, v, "missing row reads as null")

	_, err = w.CurrentTargetValue(ctx, overreplica.Table{Name: "orders"}, row("id", 1), "nope")
	assert.Error(t, err)
}

func TestWriter_ResolutionHooks(t *testing.T) {
	db := newOrdersDB(t)
	tx := beginTx(t, db)
	ctx := context.Background()
	w := NewWriter(tx, nil, nil)
	setting := overreplica.DefaultConflictSetting()

	require.NoError(t, w.BeforeResolutionAttempt(ctx, setting))
	_, err := w.Insert(ctx, insertRec(row("id", 1, "sku", "A-1")))
	require.NoError(t, err)
	require.NoError(t, w.AfterResolutionAttempt(ctx, setting, true))
	_, found := loadOrder(t, tx, 1)
	assert.False(t, found, "failed attempt is rolled back")

	require.NoError(t, w.BeforeResolutionAttempt(ctx, setting))
	_, err = w.Insert(ctx, insertRec(row("id", 2, "sku", "A-2")))
	require.NoError(t, err)
	require.NoError(t, w.AfterResolutionAttempt(ctx, setting, false))
	_, found = loadOrder(t, tx, 2)
	assert.True(t, found, "successful attempt is kept")

	assert.Error(t, w.AfterResolutionAttempt(ctx, setting, false), "no open savepoint")
}

func TestWriter_BlobPrimaryKey(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE files (id BLOB PRIMARY KEY NOT NULL, name TEXT NOT NULL, data BLOB)`)
	require.NoError(t, err)
	tx := beginTx(t, db)
	ctx := context.Background()
	w := NewWriter(tx, nil, nil)

	id := uuid.New()
	files := overreplica.Table{Name: "files"}
	status, err := w.Insert(ctx, overreplica.ChangeRecord{
		Table:     files,
		EventType: overreplica.EventInsert,
		NewValues: row("id", id.String(), "name", "a.txt", "data", "aGVsbG8="),
	})
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)

	var stored, data []byte
	require.NoError(t, tx.QueryRow(`SELECT id, data FROM files`).Scan(&stored, &data))
	assert.Equal(t, id[:], stored, "uuid text is stored as 16 bytes")
	assert.Equal(t, []byte("hello"), data)

	status, err = w.Update(ctx, overreplica.ChangeRecord{
		Table:     files,
		EventType: overreplica.EventUpdate,
		NewValues: row("name", "b.txt"),
		KeyValues: row("id", id.String()),
	}, true, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)

	status, err = w.Delete(ctx, overreplica.ChangeRecord{Table: files, EventType: overreplica.EventDelete, KeyValues: row("id", id.String())}, false)
	require.NoError(t, err)
	assert.Equal(t, overreplica.LoadSuccess, status)
}

func TestIsKeyConflict(t *testing.T) {
	assert.False(t, isKeyConflict(nil))
	assert.False(t, isKeyConflict(errors.New("boom")))
}

func TestChangedColumns(t *testing.T) {
	cols, vals := changedColumns(
		[]string{"id", "total", "note", "data"},
		[]any{int64(1), 2.5, "x", []byte("b")},
		[]any{int64(1), 1.0, []byte("x"), "b"},
	)
	assert.Equal(t, []string{"total"}, cols)
	assert.Equal(t, []any{2.5}, vals)

	assert.True(t, sameValue(nil, nil))
	assert.False(t, sameValue(nil, "x"))
	assert.True(t, sameValue(true, int64(1)))
}
