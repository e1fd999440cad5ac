// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mobiletoly/go-overreplica/overreplica"
)

// Writer applies change records to SQLite tables inside a caller-owned transaction.
// A failed statement is rolled back by SQLite on its own, so writes need no per-statement savepoint.
type Writer struct {
	tx     *sql.Tx
	tables *TableInfoProvider
	logger *slog.Logger

	savepoints []string
}

var _ overreplica.Writer = (*Writer)(nil)
var _ overreplica.ResolutionHooks = (*Writer)(nil)

// NewWriter creates a writer bound to tx
func NewWriter(tx *sql.Tx, tables *TableInfoProvider, logger *slog.Logger) *Writer {
	if tables == nil {
		tables = NewTableInfoProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{tx: tx, tables: tables, logger: logger}
}

// TargetTable keeps only the table name; SQLite has no catalogs and source schemas do not map to attached databases
func (w *Writer) TargetTable(rec overreplica.ChangeRecord) overreplica.Table {
	return overreplica.Table{Name: rec.Table.Name}
}

func (w *Writer) Insert(ctx context.Context, rec overreplica.ChangeRecord) (overreplica.LoadStatus, error) {
	info, err := w.tables.Get(ctx, w.tx, rec.Table.Name)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	cols, args, err := knownColumns(info, rec.NewValues)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	if len(cols) == 0 {
		return overreplica.LoadConflict, fmt.Errorf("insert into %s: no known columns in row", info.Table)
	}
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(info.Table), joinIdents(cols), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	if _, err := w.tx.ExecContext(ctx, q, args...); err != nil {
		if isKeyConflict(err) {
			return overreplica.LoadConflict, fmt.Errorf("insert into %s: %w: %w", info.Table, overreplica.ErrKeyViolation, err)
		}
		return overreplica.LoadConflict, fmt.Errorf("insert into %s: %w", info.Table, err)
	}
	return overreplica.LoadSuccess, nil
}

// Update writes the new row values to the row addressed by the record's keys.
// retransform has no effect; this writer has no load-time transforms.
func (w *Writer) Update(ctx context.Context, rec overreplica.ChangeRecord, changesOnly, retransform bool) (overreplica.LoadStatus, error) {
	info, err := w.tables.Get(ctx, w.tx, rec.Table.Name)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	cols, vals, err := knownColumns(info, rec.NewValues)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	if changesOnly && len(cols) > 0 {
		current, found, err := w.currentValues(ctx, info, rec.Keys(), cols)
		if err != nil {
			return overreplica.LoadConflict, err
		}
		if !found {
			return overreplica.LoadConflict, nil
		}
		cols, vals = changedColumns(cols, vals, current)
		if len(cols) == 0 {
			w.logger.Debug("Update has no changed columns", "table", info.Table)
			return overreplica.LoadSuccess, nil
		}
	}
	if len(cols) == 0 {
		return overreplica.LoadConflict, fmt.Errorf("update %s: no known columns in row", info.Table)
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = quoteIdent(c) + " = ?"
	}
	where, keyArgs, err := keyPredicate(info, rec.Keys())
	if err != nil {
		return overreplica.LoadConflict, err
	}
	q := fmt.Sprintf("UPDATE %s SET %s WHERE %s", quoteIdent(info.Table), strings.Join(sets, ", "), where)

	res, err := w.tx.ExecContext(ctx, q, append(vals, keyArgs...)...)
	if err != nil {
		if isKeyConflict(err) {
			return overreplica.LoadConflict, fmt.Errorf("update %s: %w: %w", info.Table, overreplica.ErrKeyViolation, err)
		}
		return overreplica.LoadConflict, fmt.Errorf("update %s: %w", info.Table, err)
	}
	return statusFromResult(res)
}

func (w *Writer) Delete(ctx context.Context, rec overreplica.ChangeRecord, toleratesMissing bool) (overreplica.LoadStatus, error) {
	info, err := w.tables.Get(ctx, w.tx, rec.Table.Name)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	where, args, err := keyPredicate(info, rec.Keys())
	if err != nil {
		return overreplica.LoadConflict, err
	}
	res, err := w.tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(info.Table), where), args...)
	if err != nil {
		return overreplica.LoadConflict, fmt.Errorf("delete from %s: %w", info.Table, err)
	}
	status, err := statusFromResult(res)
	if err != nil {
		return status, err
	}
	if status == overreplica.LoadConflict && toleratesMissing {
		return overreplica.LoadSuccess, nil
	}
	return status, nil
}

func (w *Writer) CurrentTargetValue(ctx context.Context, table overreplica.Table, keys overreplica.Row, column string) (any, error) {
	info, err := w.tables.Get(ctx, w.tx, table.Name)
	if err != nil {
		return nil, err
	}
	col, ok := info.Column(column)
	if !ok {
		return nil, fmt.Errorf("column %s not found in %s", column, info.Table)
	}
	where, args, err := keyPredicate(info, keys)
	if err != nil {
		return nil, err
	}
	var v any
	err = w.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s", quoteIdent(col.Name), quoteIdent(info.Table), where), args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", info.Table, col.Name, err)
	}
	return v, nil
}

// BeforeResolutionAttempt opens a savepoint around a corrective write
func (w *Writer) BeforeResolutionAttempt(ctx context.Context, setting overreplica.ConflictSetting) error {
	sp := quoteIdent("resolve_" + strings.ReplaceAll(uuid.NewString(), "-", ""))
	if _, err := w.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	w.savepoints = append(w.savepoints, sp)
	return nil
}

// AfterResolutionAttempt rolls back to the savepoint when the attempt failed, then releases it
func (w *Writer) AfterResolutionAttempt(ctx context.Context, setting overreplica.ConflictSetting, failed bool) error {
	n := len(w.savepoints)
	if n == 0 {
		return errors.New("no open resolution savepoint")
	}
	sp := w.savepoints[n-1]
	w.savepoints = w.savepoints[:n-1]

	if failed {
		if _, err := w.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("failed to roll back savepoint: %w", err)
		}
	}
	if _, err := w.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (w *Writer) currentValues(ctx context.Context, info *TableInfo, keys overreplica.Row, cols []string) ([]any, bool, error) {
	where, args, err := keyPredicate(info, keys)
	if err != nil {
		return nil, false, err
	}
	current := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range current {
		dest[i] = &current[i]
	}
	err = w.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s", joinIdents(cols), quoteIdent(info.Table), where), args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read current row of %s: %w", info.Table, err)
	}
	return current, true, nil
}

// isKeyConflict reports a primary key or unique constraint violation
func isKeyConflict(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintRowID:
		return true
	default:
		return false
	}
}

func statusFromResult(res sql.Result) (overreplica.LoadStatus, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return overreplica.LoadConflict, err
	}
	if n == 0 {
		return overreplica.LoadConflict, nil
	}
	return overreplica.LoadSuccess, nil
}

func changedColumns(cols []string, vals, current []any) ([]string, []any) {
	var outCols []string
	var outVals []any
	for i, c := range cols {
		if sameValue(vals[i], current[i]) {
			continue
		}
		outCols = append(outCols, c)
		outVals = append(outVals, vals[i])
	}
	return outCols, outVals
}

// sameValue compares a bound value with a stored one by their text rendering
func sameValue(v, cur any) bool {
	if v == nil || cur == nil {
		return v == nil && cur == nil
	}
	return textOf(v) == textOf(cur)
}

func textOf(v any) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprint(t)
	}
}

func knownColumns(info *TableInfo, row overreplica.Row) ([]string, []any, error) {
	cols := make([]string, 0, len(row))
	vals := make([]any, 0, len(row))
	for _, c := range row {
		col, ok := info.Column(c.Name)
		if !ok {
			continue
		}
		v, err := sqliteValue(col, c.Value)
		if err != nil {
			return nil, nil, err
		}
		cols = append(cols, col.Name)
		vals = append(vals, v)
	}
	return cols, vals, nil
}

func keyPredicate(info *TableInfo, keys overreplica.Row) (string, []any, error) {
	parts := make([]string, len(info.PrimaryKey))
	args := make([]any, len(info.PrimaryKey))
	for i, pk := range info.PrimaryKey {
		v, ok := keys.Get(pk)
		if !ok {
			return "", nil, fmt.Errorf("key column %s missing for %s", pk, info.Table)
		}
		col, _ := info.Column(pk)
		bound, err := sqliteValue(col, v)
		if err != nil {
			return "", nil, err
		}
		parts[i] = quoteIdent(pk) + " = ?"
		args[i] = bound
	}
	return strings.Join(parts, " AND "), args, nil
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = quoteIdent(c)
	}
	return strings.Join(out, ", ")
}
