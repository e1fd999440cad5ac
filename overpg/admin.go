// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/mobiletoly/go-overreplica/overreplica"
)

// ErrIncomingErrorNotFound is returned when an override targets a row that never failed
var ErrIncomingErrorNotFound = errors.New("incoming error not found")

// ReloadConflictSettings reads replica.conflict_setting and swaps the registry contents
func (s *ReplicaService) ReloadConflictSettings(ctx context.Context) (*ReloadSettingsResponse, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT conflict_id, target_table, target_channel, detect_type, detect_expression,
		       resolve_type, resolve_row_only, resolve_changes_only, is_default,
		       create_time, last_update_time
		FROM replica.conflict_setting
		ORDER BY create_time, conflict_id`)
	if err != nil {
		return nil, fmt.Errorf("load conflict settings: %w", err)
	}
	entities, err := pgx.CollectRows(rows, pgx.RowToStructByName[ConflictSettingEntity])
	if err != nil {
		return nil, fmt.Errorf("scan conflict settings: %w", err)
	}

	var (
		settings []overreplica.ConflictSetting
		def      *overreplica.ConflictSetting
	)
	for _, e := range entities {
		cs := settingFromEntity(e)
		if err := cs.Validate(); err != nil {
			return nil, err
		}
		if e.IsDefault {
			d := cs
			def = &d
			continue
		}
		settings = append(settings, cs)
	}
	s.registry.Replace(settings, def)
	s.logger.Info("Conflict settings loaded", "count", len(settings), "has_default", def != nil)

	return &ReloadSettingsResponse{Settings: s.registry.Settings(), HasDefault: def != nil}, nil
}

// SeedConflictSettings makes replica.conflict_setting match a YAML configuration and
// reloads the registry. Rows whose id is not in the configuration are deleted.
func (s *ReplicaService) SeedConflictSettings(ctx context.Context, cfg *overreplica.Config) error {
	if cfg == nil {
		return nil
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ids := make([]string, 0, len(cfg.Settings)+1)
	for i, cs := range cfg.Settings {
		ids = append(ids, seedID(cs, i))
	}
	if cfg.Default != nil {
		ids = append(ids, cfg.Default.DisplayID())
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM replica.conflict_setting WHERE NOT (conflict_id = ANY(@ids))`,
			pgx.NamedArgs{"ids": ids})
		if err != nil {
			return fmt.Errorf("delete stale conflict settings: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			s.logger.Info("Stale conflict settings deleted", "count", n)
		}
		for i, cs := range cfg.Settings {
			if err := upsertConflictSetting(ctx, tx, ids[i], cs, false); err != nil {
				return err
			}
		}
		if cfg.Default != nil {
			if err := upsertConflictSetting(ctx, tx, cfg.Default.DisplayID(), *cfg.Default, true); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.ReloadConflictSettings(ctx)
	return err
}

func seedID(cs overreplica.ConflictSetting, i int) string {
	if cs.ID != "" {
		return cs.ID
	}
	return fmt.Sprintf("setting-%d", i+1)
}

func upsertConflictSetting(ctx context.Context, tx pgx.Tx, id string, cs overreplica.ConflictSetting, isDefault bool) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO replica.conflict_setting (
			conflict_id, target_table, target_channel, detect_type, detect_expression,
			resolve_type, resolve_row_only, resolve_changes_only, is_default)
		VALUES (@id, @table, @channel, @detect_type, @detect_expression,
			@resolve_type, @row_only, @changes_only, @is_default)
		ON CONFLICT (conflict_id) DO UPDATE SET
			target_table = EXCLUDED.target_table,
			target_channel = EXCLUDED.target_channel,
			detect_type = EXCLUDED.detect_type,
			detect_expression = EXCLUDED.detect_expression,
			resolve_type = EXCLUDED.resolve_type,
			resolve_row_only = EXCLUDED.resolve_row_only,
			resolve_changes_only = EXCLUDED.resolve_changes_only,
			is_default = EXCLUDED.is_default,
			last_update_time = now()`,
		pgx.NamedArgs{
			"id":                id,
			"table":             nullable(cs.ScopeTable),
			"channel":           nullable(cs.ScopeChannel),
			"detect_type":       string(cs.DetectType),
			"detect_expression": nullable(cs.DetectExpression),
			"resolve_type":      string(cs.ResolveType),
			"row_only":          cs.ResolveRowOnly,
			"changes_only":      cs.ResolveChangesOnly,
			"is_default":        isDefault,
		})
	if err != nil {
		return fmt.Errorf("upsert conflict setting %s: %w", id, err)
	}
	return nil
}

func settingFromEntity(e ConflictSettingEntity) overreplica.ConflictSetting {
	return overreplica.ConflictSetting{
		ID:                 e.ConflictID,
		ScopeTable:         deref(e.TargetTable),
		ScopeChannel:       deref(e.TargetChannel),
		DetectType:         overreplica.DetectType(e.DetectType),
		DetectExpression:   deref(e.DetectExpression),
		ResolveType:        overreplica.ResolveType(e.ResolveType),
		ResolveRowOnly:     e.ResolveRowOnly,
		ResolveChangesOnly: e.ResolveChangesOnly,
	}
}

// LoadResolutions returns the operator overrides recorded against a batch
func (s *ReplicaService) LoadResolutions(ctx context.Context, batch overreplica.Batch) (*overreplica.ResolutionStore, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT failed_row_number, resolve_ignore, resolve_data::text
		FROM replica.incoming_error
		WHERE batch_id = @batch_id AND source_node_id = @source_node_id
		  AND (resolve_ignore OR resolve_data IS NOT NULL)`,
		pgx.NamedArgs{"batch_id": batch.ID, "source_node_id": batch.SourceNodeID})
	if err != nil {
		return nil, fmt.Errorf("load resolutions: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (overreplica.ResolvedData, error) {
		var (
			rd   overreplica.ResolvedData
			data *string
		)
		if err := row.Scan(&rd.RowNumber, &rd.IgnoreRow, &data); err != nil {
			return rd, err
		}
		if data != nil && !rd.IgnoreRow {
			if err := json.Unmarshal([]byte(*data), &rd.Data); err != nil {
				return rd, fmt.Errorf("row %d: invalid resolve_data: %w", rd.RowNumber, err)
			}
		}
		return rd, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan resolutions: %w", err)
	}
	return overreplica.NewResolutionStore(items), nil
}

func recordIncomingError(ctx context.Context, tx pgx.Tx, batch overreplica.Batch, f *overreplica.RowFailure, aborted bool) error {
	rec := f.Record
	rowData, err := rowJSONArg(rec.NewValues)
	if err != nil {
		return err
	}
	oldData, err := rowJSONArg(rec.OldValues)
	if err != nil {
		return err
	}
	pkData, err := rowJSONArg(rec.Keys())
	if err != nil {
		return err
	}
	msg := "unknown error"
	var conflictID any
	if f.Err != nil {
		msg = f.Err.Error()
		var rc *overreplica.RowConflictError
		var ab *overreplica.AbortBatchError
		switch {
		case errors.As(f.Err, &rc):
			conflictID = nullable(rc.SettingID)
		case errors.As(f.Err, &ab):
			conflictID = nullable(ab.SettingID)
		}
	}

	// a retried batch that fails again keeps the operator's override
	_, err = tx.Exec(ctx, `
		INSERT INTO replica.incoming_error (
			batch_id, source_node_id, failed_row_number, failed_line_number, target_table,
			event_type, conflict_id, aborted, row_data, old_data, pk_data, error_message)
		VALUES (@batch_id, @source_node_id, @row_number, @line_number, @table,
			@event_type, @conflict_id, @aborted, @row_data, @old_data, @pk_data, @message)
		ON CONFLICT (batch_id, source_node_id, failed_row_number) DO UPDATE SET
			failed_line_number = EXCLUDED.failed_line_number,
			target_table = EXCLUDED.target_table,
			event_type = EXCLUDED.event_type,
			conflict_id = EXCLUDED.conflict_id,
			aborted = EXCLUDED.aborted,
			row_data = EXCLUDED.row_data,
			old_data = EXCLUDED.old_data,
			pk_data = EXCLUDED.pk_data,
			error_message = EXCLUDED.error_message,
			last_update_time = now()`,
		pgx.NamedArgs{
			"batch_id":       batch.ID,
			"source_node_id": batch.SourceNodeID,
			"row_number":     f.RowNumber,
			"line_number":    f.LineNumber,
			"table":          f.Table.FullyQualifiedName(),
			"event_type":     string(f.EventType),
			"conflict_id":    conflictID,
			"aborted":        aborted,
			"row_data":       rowData,
			"old_data":       oldData,
			"pk_data":        pkData,
			"message":        msg,
		})
	if err != nil {
		return fmt.Errorf("record incoming error: %w", err)
	}
	return nil
}

// ListIncomingErrors returns failed rows, newest first
func (s *ReplicaService) ListIncomingErrors(ctx context.Context, filter IncomingErrorFilter) ([]IncomingError, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	args := pgx.NamedArgs{"limit": limit}
	var where []string
	if filter.SourceNodeID != "" {
		where = append(where, "source_node_id = @source_node_id")
		args["source_node_id"] = filter.SourceNodeID
	}
	if filter.Table != "" {
		where = append(where, "target_table = @table")
		args["table"] = filter.Table
	}
	if filter.Unresolved {
		where = append(where, "NOT resolve_ignore AND resolve_data IS NULL")
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, source_node_id, failed_row_number, failed_line_number, target_table,
		       event_type, conflict_id, aborted, row_data::text, old_data::text, pk_data::text,
		       error_message, resolve_data::text, resolve_ignore, create_time, last_update_time
		FROM replica.incoming_error
		`+clause+`
		ORDER BY create_time DESC, batch_id DESC, failed_row_number
		LIMIT @limit`, args)
	if err != nil {
		return nil, fmt.Errorf("list incoming errors: %w", err)
	}
	entities, err := pgx.CollectRows(rows, scanIncomingError)
	if err != nil {
		return nil, fmt.Errorf("scan incoming errors: %w", err)
	}

	out := make([]IncomingError, 0, len(entities))
	for _, e := range entities {
		ie, err := incomingErrorFromEntity(e)
		if err != nil {
			return nil, err
		}
		out = append(out, ie)
	}
	return out, nil
}

func scanIncomingError(row pgx.CollectableRow) (IncomingErrorEntity, error) {
	var (
		e                                  IncomingErrorEntity
		rowData, oldData, pkData, resolved *string
	)
	err := row.Scan(&e.BatchID, &e.SourceNodeID, &e.FailedRowNumber, &e.FailedLineNumber, &e.TargetTable,
		&e.EventType, &e.ConflictID, &e.Aborted, &rowData, &oldData, &pkData,
		&e.ErrorMessage, &resolved, &e.ResolveIgnore, &e.CreateTime, &e.LastUpdateTime)
	if err != nil {
		return e, err
	}
	e.RowData = rawJSON(rowData)
	e.OldData = rawJSON(oldData)
	e.PKData = rawJSON(pkData)
	e.ResolveData = rawJSON(resolved)
	return e, nil
}

func incomingErrorFromEntity(e IncomingErrorEntity) (IncomingError, error) {
	ie := IncomingError{
		BatchID:          e.BatchID,
		SourceNodeID:     e.SourceNodeID,
		FailedRowNumber:  e.FailedRowNumber,
		FailedLineNumber: e.FailedLineNumber,
		TargetTable:      e.TargetTable,
		EventType:        overreplica.EventType(e.EventType),
		ConflictID:       deref(e.ConflictID),
		Aborted:          e.Aborted,
		ErrorMessage:     e.ErrorMessage,
		ResolveIgnore:    e.ResolveIgnore,
		CreateTime:       e.CreateTime,
	}
	for _, f := range []struct {
		raw json.RawMessage
		dst *overreplica.Row
	}{
		{e.RowData, &ie.RowData},
		{e.OldData, &ie.OldData},
		{e.PKData, &ie.PKData},
		{e.ResolveData, &ie.ResolveData},
	} {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return ie, fmt.Errorf("batch %d row %d: %w", e.BatchID, e.FailedRowNumber, err)
		}
	}
	return ie, nil
}

// ResolveIncomingError attaches an operator override to a failed row.
// The override is consumed the next time the batch is applied.
func (s *ReplicaService) ResolveIncomingError(ctx context.Context, req ResolveIncomingErrorRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := rowJSONArg(req.ResolveData)
	if err != nil {
		return err
	}
	if req.IgnoreRow {
		data = nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE replica.incoming_error
		SET resolve_data = @resolve_data, resolve_ignore = @ignore, last_update_time = now()
		WHERE batch_id = @batch_id AND source_node_id = @source_node_id AND failed_row_number = @row_number`,
		pgx.NamedArgs{
			"resolve_data":   data,
			"ignore":         req.IgnoreRow,
			"batch_id":       req.BatchID,
			"source_node_id": req.SourceNodeID,
			"row_number":     req.RowNumber,
		})
	if err != nil {
		return fmt.Errorf("resolve incoming error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIncomingErrorNotFound
	}
	s.logger.Info("Incoming error resolved", "batch_id", req.BatchID, "source_node_id", req.SourceNodeID,
		"row", req.RowNumber, "ignore_row", req.IgnoreRow)
	return nil
}

// Validate checks that the request names a row and carries exactly one kind of override
func (r ResolveIncomingErrorRequest) Validate() error {
	if r.RowNumber <= 0 {
		return errors.New("row_number must be positive")
	}
	if r.IgnoreRow && len(r.ResolveData) > 0 {
		return errors.New("ignore_row and resolve_data are mutually exclusive")
	}
	if !r.IgnoreRow && len(r.ResolveData) == 0 {
		return errors.New("either ignore_row or resolve_data is required")
	}
	return nil
}

// rowJSONArg renders a row for a JSON column; an empty row is NULL
func rowJSONArg(r overreplica.Row) (any, error) {
	if len(r) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal row: %w", err)
	}
	return string(b), nil
}

func rawJSON(s *string) json.RawMessage {
	if s == nil {
		return nil
	}
	return json.RawMessage(*s)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
