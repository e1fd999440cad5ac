// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"encoding/json"
	"time"
)

// Database entity models for the replica schema

// ConflictSettingEntity represents a row in replica.conflict_setting
type ConflictSettingEntity struct {
	ConflictID         string    `db:"conflict_id"`
	TargetTable        *string   `db:"target_table"`
	TargetChannel      *string   `db:"target_channel"`
	DetectType         string    `db:"detect_type"`
	DetectExpression   *string   `db:"detect_expression"`
	ResolveType        string    `db:"resolve_type"`
	ResolveRowOnly     bool      `db:"resolve_row_only"`
	ResolveChangesOnly bool      `db:"resolve_changes_only"`
	IsDefault          bool      `db:"is_default"`
	CreateTime         time.Time `db:"create_time"`
	LastUpdateTime     time.Time `db:"last_update_time"`
}

// IncomingErrorEntity represents a row in replica.incoming_error
type IncomingErrorEntity struct {
	BatchID          int64           `db:"batch_id"`
	SourceNodeID     string          `db:"source_node_id"`
	FailedRowNumber  int64           `db:"failed_row_number"`
	FailedLineNumber int64           `db:"failed_line_number"`
	TargetTable      string          `db:"target_table"`
	EventType        string          `db:"event_type"`
	ConflictID       *string         `db:"conflict_id"`
	Aborted          bool            `db:"aborted"`
	RowData          json.RawMessage `db:"row_data"`
	OldData          json.RawMessage `db:"old_data"`
	PKData           json.RawMessage `db:"pk_data"`
	ErrorMessage     string          `db:"error_message"`
	ResolveData      json.RawMessage `db:"resolve_data"`
	ResolveIgnore    bool            `db:"resolve_ignore"`
	CreateTime       time.Time       `db:"create_time"`
	LastUpdateTime   time.Time       `db:"last_update_time"`
}

// IncomingBatchEntity represents a row in replica.incoming_batch
type IncomingBatchEntity struct {
	BatchID             int64     `db:"batch_id"`
	SourceNodeID        string    `db:"source_node_id"`
	Channel             string    `db:"channel"`
	Status              string    `db:"status"`
	RowCount            int64     `db:"row_count"`
	FallbackInsertCount int64     `db:"fallback_insert_count"`
	FallbackUpdateCount int64     `db:"fallback_update_count"`
	MissingDeleteCount  int64     `db:"missing_delete_count"`
	IgnoreCount         int64     `db:"ignore_count"`
	FailedRowNumber     *int64    `db:"failed_row_number"`
	LastUpdateTime      time.Time `db:"last_update_time"`
}
