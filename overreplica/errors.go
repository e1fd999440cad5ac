// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"errors"
	"fmt"
)

// ErrAbortBatch signals that the rest of the batch must not be applied.
// It is an expected outcome of configuration, not a defect.
var ErrAbortBatch = errors.New("batch aborted by conflict policy")

// ErrKeyViolation is attached by writers to a CONFLICT raised because another row
// holds the primary or unique key. A CONFLICT without a cause means no row matched.
var ErrKeyViolation = errors.New("key held by another row")

// RowConflictError reports a corrective write that did not succeed,
// or a MANUAL conflict without an operator override
type RowConflictError struct {
	Table     Table
	BatchID   int64
	RowNumber int64
	SettingID string
	EventType EventType
	Retriable bool
	Cause     error
}

func (e *RowConflictError) Error() string {
	msg := fmt.Sprintf("conflict on %s %s in batch %d at row %d (setting %s, retriable=%t)",
		e.EventType, e.Table, e.BatchID, e.RowNumber, e.SettingID, e.Retriable)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RowConflictError) Unwrap() error { return e.Cause }

// AbortBatchError carries where a policy decided to abandon the batch
type AbortBatchError struct {
	Table     Table
	BatchID   int64
	RowNumber int64
	SettingID string
	Reason    string
}

func (e *AbortBatchError) Error() string {
	return fmt.Sprintf("%s: %s in batch %d at row %d (setting %s): %s",
		ErrAbortBatch.Error(), e.Table, e.BatchID, e.RowNumber, e.SettingID, e.Reason)
}

func (e *AbortBatchError) Is(target error) bool { return target == ErrAbortBatch }

// IsRetriable reports whether err is a RowConflict the caller may retry via an alternate path
func IsRetriable(err error) bool {
	var rc *RowConflictError
	return errors.As(err, &rc) && rc.Retriable
}

// IsRowConflict reports whether err carries a RowConflictError
func IsRowConflict(err error) bool {
	var rc *RowConflictError
	return errors.As(err, &rc)
}
