// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overpg

import (
	"time"

	"github.com/mobiletoly/go-overreplica/overreplica"
)

// REST/JSON models for the operator API

// IncomingError is a row that stopped a batch, as shown to operators
type IncomingError struct {
	BatchID          int64                 `json:"batch_id"`
	SourceNodeID     string                `json:"source_node_id"`
	FailedRowNumber  int64                 `json:"failed_row_number"`
	FailedLineNumber int64                 `json:"failed_line_number"`
	TargetTable      string                `json:"target_table"`
	EventType        overreplica.EventType `json:"event_type"`
	ConflictID       string                `json:"conflict_id,omitempty"`
	Aborted          bool                  `json:"aborted"`
	RowData          overreplica.Row       `json:"row_data,omitempty"`
	OldData          overreplica.Row       `json:"old_data,omitempty"`
	PKData           overreplica.Row       `json:"pk_data,omitempty"`
	ErrorMessage     string                `json:"error_message"`
	ResolveData      overreplica.Row       `json:"resolve_data,omitempty"`
	ResolveIgnore    bool                  `json:"resolve_ignore"`
	CreateTime       time.Time             `json:"create_time"`
}

// IncomingErrorFilter narrows ListIncomingErrors
type IncomingErrorFilter struct {
	SourceNodeID string
	Table        string
	Unresolved   bool // only rows without resolve_data or resolve_ignore
	Limit        int
}

// ListIncomingErrorsResponse is returned by GET /admin/incoming-errors
type ListIncomingErrorsResponse struct {
	Errors []IncomingError `json:"errors"`
}

// ResolveIncomingErrorRequest attaches an operator override to a failed row.
// Either IgnoreRow is set or ResolveData carries the replacement row.
type ResolveIncomingErrorRequest struct {
	BatchID      int64           `json:"batch_id"`
	SourceNodeID string          `json:"source_node_id"`
	RowNumber    int64           `json:"row_number"`
	IgnoreRow    bool            `json:"ignore_row"`
	ResolveData  overreplica.Row `json:"resolve_data,omitempty"`
}

// ReloadSettingsResponse is returned by POST /admin/conflict-settings/reload
type ReloadSettingsResponse struct {
	Settings   []overreplica.ConflictSetting `json:"settings"`
	HasDefault bool                          `json:"has_default"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse represents service status response
type StatusResponse struct {
	Status string `json:"status"`
}

// ApplyBatchRequest is the body of POST /replica/batches
type ApplyBatchRequest struct {
	Batch   overreplica.Batch          `json:"batch"`
	Records []overreplica.ChangeRecord `json:"records"`
}

// ApplyBatchResponse reports the batch outcome. Status is OK, ER (row conflict) or AB (aborted by policy).
type ApplyBatchResponse struct {
	Status string                  `json:"status"`
	Result *overreplica.LoadResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}
