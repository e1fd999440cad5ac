// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import "context"

// Writer is the per-batch, dialect-specific write capability.
// Any non-SUCCESS result, including a returned error, is a conflict to the engine;
// the error is kept as the conflict's cause.
type Writer interface {
	// Insert writes rec.NewValues as a new row
	Insert(ctx context.Context, rec ChangeRecord) (LoadStatus, error)

	// Update writes rec.NewValues to the row addressed by rec.Keys().
	// With changesOnly only columns differing from the target's current value are written.
	// retransform asks the writer to re-run load-time transforms, where it has any.
	Update(ctx context.Context, rec ChangeRecord, changesOnly, retransform bool) (LoadStatus, error)

	// Delete removes the row addressed by rec.Keys(). When toleratesMissing is set,
	// zero rows affected is SUCCESS; otherwise it is CONFLICT.
	Delete(ctx context.Context, rec ChangeRecord, toleratesMissing bool) (LoadStatus, error)

	// CurrentTargetValue reads column of the target row addressed by keys.
	// keys may be a full row; implementations pick the primary-key columns.
	// A missing row yields (nil, nil).
	CurrentTargetValue(ctx context.Context, table Table, keys Row, column string) (any, error)

	// TargetTable maps the record's source table to the table written at the target
	TargetTable(rec ChangeRecord) Table
}

// ResolutionHooks bracket every corrective write. Writers that need
// transactional scoping (savepoints) implement it; AfterResolutionAttempt
// runs on every exit path, with failed set when the corrective write did not succeed.
type ResolutionHooks interface {
	BeforeResolutionAttempt(ctx context.Context, setting ConflictSetting) error
	AfterResolutionAttempt(ctx context.Context, setting ConflictSetting, failed bool) error
}

// BatchContext is the explicitly owned per-batch state handed to the engine
type BatchContext struct {
	Batch       Batch
	Stats       *BatchStatistics
	Resolutions *ResolutionStore

	// Cause is the error the plain write attached to its CONFLICT, if any
	Cause error
}

// NewBatchContext creates a context with fresh statistics
func NewBatchContext(batch Batch, resolutions *ResolutionStore) *BatchContext {
	return &BatchContext{
		Batch:       batch,
		Stats:       &BatchStatistics{},
		Resolutions: resolutions,
	}
}

// RowNumber is the statement ordinal of the row being applied
func (b *BatchContext) RowNumber() int64 { return b.Stats.RowCount.Load() }

// LineNumber is the line ordinal of the row being applied
func (b *BatchContext) LineNumber() int64 { return b.Stats.LineNumber.Load() }
