// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mobiletoly/go-overreplica/overreplica"
)

// Writer applies change records to PostgreSQL tables inside a caller-owned transaction.
// Every statement runs in its own SAVEPOINT so a failed write leaves the transaction usable.
type Writer struct {
	tx            pgx.Tx
	tables        *TableInfoProvider
	logger        *slog.Logger
	defaultSchema string

	savepoints []string // open resolution savepoints, innermost last
	stmtSeq    int
}

var _ overreplica.Writer = (*Writer)(nil)
var _ overreplica.ResolutionHooks = (*Writer)(nil)

// NewWriter creates a writer for one batch. tables may be shared between writers.
func NewWriter(tx pgx.Tx, tables *TableInfoProvider, logger *slog.Logger) *Writer {
	if tables == nil {
		tables = NewTableInfoProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{tx: tx, tables: tables, logger: logger, defaultSchema: "public"}
}

// TargetTable resolves the record's table in the target database; a blank schema means public
func (w *Writer) TargetTable(rec overreplica.ChangeRecord) overreplica.Table {
	t := rec.Table
	t.Catalog = ""
	if t.Schema == "" {
		t.Schema = w.defaultSchema
	}
	return t
}

func (w *Writer) Insert(ctx context.Context, rec overreplica.ChangeRecord) (overreplica.LoadStatus, error) {
	info, err := w.tables.Get(ctx, w.tx, w.TargetTable(rec))
	if err != nil {
		return overreplica.LoadConflict, err
	}
	cols, args := knownColumns(info, rec.NewValues)
	if len(cols) == 0 {
		return overreplica.LoadConflict, fmt.Errorf("insert into %s: no known columns in row", tableIdent(info))
	}
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "$" + strconv.Itoa(i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableIdent(info), joinIdents(cols), strings.Join(placeholders, ", "))

	if _, err := w.execIsolated(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return overreplica.LoadConflict, fmt.Errorf("insert into %s: %w: %w", tableIdent(info), overreplica.ErrKeyViolation, err)
		}
		return overreplica.LoadConflict, fmt.Errorf("insert into %s: %w", tableIdent(info), err)
	}
	return overreplica.LoadSuccess, nil
}

// Update writes the new row values to the row addressed by the record's keys.
// There are no load-time transforms in this writer, so retransform has no effect.
func (w *Writer) Update(ctx context.Context, rec overreplica.ChangeRecord, changesOnly, retransform bool) (overreplica.LoadStatus, error) {
	info, err := w.tables.Get(ctx, w.tx, w.TargetTable(rec))
	if err != nil {
		return overreplica.LoadConflict, err
	}
	cols, vals := knownColumns(info, rec.NewValues)
	if changesOnly {
		current, found, err := w.currentText(ctx, info, rec.Keys(), cols)
		if err != nil {
			return overreplica.LoadConflict, err
		}
		if !found {
			return overreplica.LoadConflict, nil
		}
		cols, vals = changedColumns(cols, vals, current)
		if len(cols) == 0 {
			w.logger.Debug("Update has no changed columns", "table", tableIdent(info))
			return overreplica.LoadSuccess, nil
		}
	}
	if len(cols) == 0 {
		return overreplica.LoadConflict, fmt.Errorf("update %s: no known columns in row", tableIdent(info))
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
	}
	where, keyArgs, err := keyPredicate(info, rec.Keys(), len(vals)+1)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s", tableIdent(info), strings.Join(sets, ", "), where)

	tag, err := w.execIsolated(ctx, sql, append(vals, keyArgs...)...)
	if err != nil {
		if isUniqueViolation(err) {
			return overreplica.LoadConflict, fmt.Errorf("update %s: %w: %w", tableIdent(info), overreplica.ErrKeyViolation, err)
		}
		return overreplica.LoadConflict, fmt.Errorf("update %s: %w", tableIdent(info), err)
	}
	if tag.RowsAffected() == 0 {
		return overreplica.LoadConflict, nil
	}
	return overreplica.LoadSuccess, nil
}

func (w *Writer) Delete(ctx context.Context, rec overreplica.ChangeRecord, toleratesMissing bool) (overreplica.LoadStatus, error) {
	info, err := w.tables.Get(ctx, w.tx, w.TargetTable(rec))
	if err != nil {
		return overreplica.LoadConflict, err
	}
	where, args, err := keyPredicate(info, rec.Keys(), 1)
	if err != nil {
		return overreplica.LoadConflict, err
	}
	tag, err := w.execIsolated(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", tableIdent(info), where), args...)
	if err != nil {
		return overreplica.LoadConflict, fmt.Errorf("delete from %s: %w", tableIdent(info), err)
	}
	if tag.RowsAffected() == 0 && !toleratesMissing {
		return overreplica.LoadConflict, nil
	}
	return overreplica.LoadSuccess, nil
}

func (w *Writer) CurrentTargetValue(ctx context.Context, table overreplica.Table, keys overreplica.Row, column string) (any, error) {
	info, err := w.tables.Get(ctx, w.tx, table)
	if err != nil {
		return nil, err
	}
	col, ok := info.Column(column)
	if !ok {
		return nil, fmt.Errorf("column %s not found in %s", column, tableIdent(info))
	}
	where, args, err := keyPredicate(info, keys, 1)
	if err != nil {
		return nil, err
	}
	var v any
	err = w.tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", pgx.Identifier{col}.Sanitize(), tableIdent(info), where), args...).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", tableIdent(info), col, err)
	}
	return v, nil
}

// BeforeResolutionAttempt opens a savepoint around a corrective write
func (w *Writer) BeforeResolutionAttempt(ctx context.Context, setting overreplica.ConflictSetting) error {
	sp := pgx.Identifier{"resolve_" + strings.ReplaceAll(uuid.NewString(), "-", "")}.Sanitize()
	if _, err := w.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
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
		if _, err := w.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); err != nil {
			return fmt.Errorf("failed to roll back savepoint: %w", err)
		}
	}
	if _, err := w.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func (w *Writer) execIsolated(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	w.stmtSeq++
	sp := pgx.Identifier{fmt.Sprintf("stmt_%d", w.stmtSeq)}.Sanitize()
	if _, err := w.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("failed to create savepoint: %w", err)
	}
	tag, err := w.tx.Exec(ctx, sql, args...)
	if err != nil {
		_, _ = w.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = w.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
		return tag, err
	}
	if _, err := w.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return tag, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return tag, nil
}

// currentText reads cols of the addressed row in text form
func (w *Writer) currentText(ctx context.Context, info *TableInfo, keys overreplica.Row, cols []string) ([]*string, bool, error) {
	if len(cols) == 0 {
		return nil, true, nil
	}
	exprs := make([]string, len(cols))
	for i, c := range cols {
		exprs[i] = pgx.Identifier{c}.Sanitize() + "::text"
	}
	where, args, err := keyPredicate(info, keys, 1)
	if err != nil {
		return nil, false, err
	}
	out := make([]*string, len(cols))
	dest := make([]any, len(cols))
	for i := range out {
		dest[i] = &out[i]
	}
	err = w.tx.QueryRow(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(exprs, ", "), tableIdent(info), where), args...).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read current row of %s: %w", tableIdent(info), err)
	}
	return out, true, nil
}

func changedColumns(cols []string, vals []any, current []*string) ([]string, []any) {
	var outCols []string
	var outVals []any
	for i, c := range cols {
		if sameText(vals[i], current[i]) {
			continue
		}
		outCols = append(outCols, c)
		outVals = append(outVals, vals[i])
	}
	return outCols, outVals
}

func sameText(v any, cur *string) bool {
	if v == nil || cur == nil {
		return v == nil && cur == nil
	}
	switch t := v.(type) {
	case string:
		return t == *cur
	case []byte:
		return string(t) == *cur
	case bool:
		return strconv.FormatBool(t) == *cur
	default:
		return fmt.Sprint(t) == *cur
	}
}

// knownColumns keeps the row's columns that exist in the table, using their declared names
func knownColumns(info *TableInfo, row overreplica.Row) ([]string, []any) {
	cols := make([]string, 0, len(row))
	vals := make([]any, 0, len(row))
	for _, c := range row {
		name, ok := info.Column(c.Name)
		if !ok {
			continue
		}
		cols = append(cols, name)
		vals = append(vals, pgValue(c.Value))
	}
	return cols, vals
}

func keyPredicate(info *TableInfo, keys overreplica.Row, firstArg int) (string, []any, error) {
	parts := make([]string, len(info.PrimaryKey))
	args := make([]any, len(info.PrimaryKey))
	for i, pk := range info.PrimaryKey {
		v, ok := keys.Get(pk)
		if !ok {
			return "", nil, fmt.Errorf("key column %s missing for %s", pk, tableIdent(info))
		}
		parts[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{pk}.Sanitize(), firstArg+i)
		args[i] = pgValue(v)
	}
	return strings.Join(parts, " AND "), args, nil
}

// pgValue converts values decoded from JSON into types pgx encodes natively
func pgValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return v
		}
		return string(b)
	default:
		return v
	}
}

func tableIdent(info *TableInfo) string {
	return pgx.Identifier{info.Schema, info.Table}.Sanitize()
}

func joinIdents(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(out, ", ")
}
