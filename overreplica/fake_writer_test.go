package overreplica

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// memWriter is an in-memory Writer over tables keyed by their "id" column
type memWriter struct {
	mu     sync.Mutex
	tables map[string]map[string]Row

	// force CONFLICT regardless of state
	conflictInsert bool
	conflictUpdate bool
	deleteErr      error
	valueErr       error

	calls       []string
	inserted    []ChangeRecord
	updated     []ChangeRecord
	changesOnly []bool
	retransform []bool
}

func newMemWriter() *memWriter {
	return &memWriter{tables: make(map[string]map[string]Row)}
}

func (w *memWriter) seed(table string, rows ...Row) *memWriter {
	for _, r := range rows {
		w.table(table)[rowKey(r)] = r.Clone()
	}
	return w
}

func (w *memWriter) table(name string) map[string]Row {
	t, ok := w.tables[name]
	if !ok {
		t = make(map[string]Row)
		w.tables[name] = t
	}
	return t
}

func (w *memWriter) get(table string, id any) (Row, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.table(table)[fmt.Sprint(id)]
	return r, ok
}

func (w *memWriter) writes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if !strings.HasPrefix(c, "value") {
			n++
		}
	}
	return n
}

func rowKey(r Row) string {
	v, _ := r.Get("id")
	return fmt.Sprint(v)
}

func (w *memWriter) Insert(ctx context.Context, rec ChangeRecord) (LoadStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "insert")
	w.inserted = append(w.inserted, rec)
	t := w.table(rec.Table.Name)
	k := rowKey(rec.NewValues)
	if _, exists := t[k]; exists || w.conflictInsert {
		return LoadConflict, errors.New("duplicate key")
	}
	t[k] = rec.NewValues.Clone()
	return LoadSuccess, nil
}

func (w *memWriter) Update(ctx context.Context, rec ChangeRecord, changesOnly, retransform bool) (LoadStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "update")
	w.updated = append(w.updated, rec)
	w.changesOnly = append(w.changesOnly, changesOnly)
	w.retransform = append(w.retransform, retransform)
	t := w.table(rec.Table.Name)
	k := rowKey(rec.Keys())
	cur, exists := t[k]
	if !exists || w.conflictUpdate {
		return LoadConflict, nil
	}
	next := cur.Clone()
	for _, c := range rec.NewValues {
		replaced := false
		for i := range next {
			if strings.EqualFold(next[i].Name, c.Name) {
				next[i].Value = c.Value
				replaced = true
			}
		}
		if !replaced {
			next = append(next, c)
		}
	}
	delete(t, k)
	t[rowKey(next)] = next
	return LoadSuccess, nil
}

func (w *memWriter) Delete(ctx context.Context, rec ChangeRecord, toleratesMissing bool) (LoadStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, fmt.Sprintf("delete(tolerant=%t)", toleratesMissing))
	if w.deleteErr != nil {
		return LoadConflict, w.deleteErr
	}
	t := w.table(rec.Table.Name)
	k := rowKey(rec.Keys())
	if _, exists := t[k]; !exists {
		if toleratesMissing {
			return LoadSuccess, nil
		}
		return LoadConflict, nil
	}
	delete(t, k)
	return LoadSuccess, nil
}

func (w *memWriter) CurrentTargetValue(ctx context.Context, table Table, keys Row, column string) (any, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls = append(w.calls, "value")
	if w.valueErr != nil {
		return nil, w.valueErr
	}
	r, ok := w.table(table.Name)[rowKey(keys)]
	if !ok {
		return nil, nil
	}
	v, _ := r.Get(column)
	return v, nil
}

func (w *memWriter) TargetTable(rec ChangeRecord) Table { return rec.Table }

// hookedWriter records the resolution hooks around every corrective write
type hookedWriter struct {
	*memWriter
	events    []string
	beforeErr error
	afterErr  error
}

func (h *hookedWriter) BeforeResolutionAttempt(ctx context.Context, setting ConflictSetting) error {
	h.events = append(h.events, "before")
	return h.beforeErr
}

func (h *hookedWriter) AfterResolutionAttempt(ctx context.Context, setting ConflictSetting, failed bool) error {
	h.events = append(h.events, fmt.Sprintf("after(failed=%t)", failed))
	return h.afterErr
}

func row(kv ...any) Row {
	r := make(Row, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		r = append(r, Column{Name: kv[i].(string), Value: kv[i+1]})
	}
	return r
}
