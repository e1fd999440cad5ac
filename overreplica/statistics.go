// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import "sync/atomic"

// BatchStatistics holds the monotonically increasing counters of one batch.
// It is owned by the batch-apply loop and must not be shared between batches.
type BatchStatistics struct {
	FallbackInsertCount atomic.Int64
	FallbackUpdateCount atomic.Int64
	MissingDeleteCount  atomic.Int64
	IgnoreCount         atomic.Int64

	// Maintained by the loader: statement ordinal and line ordinal of the current row
	RowCount   atomic.Int64
	LineNumber atomic.Int64
}

// StatisticsSnapshot is a point-in-time copy of BatchStatistics
type StatisticsSnapshot struct {
	FallbackInsertCount int64 `json:"fallback_insert_count"`
	FallbackUpdateCount int64 `json:"fallback_update_count"`
	MissingDeleteCount  int64 `json:"missing_delete_count"`
	IgnoreCount         int64 `json:"ignore_count"`
	RowCount            int64 `json:"row_count"`
	LineNumber          int64 `json:"line_number"`
}

// Reset zeroes every counter; call when a new batch begins
func (s *BatchStatistics) Reset() {
	s.FallbackInsertCount.Store(0)
	s.FallbackUpdateCount.Store(0)
	s.MissingDeleteCount.Store(0)
	s.IgnoreCount.Store(0)
	s.RowCount.Store(0)
	s.LineNumber.Store(0)
}

// Snapshot copies the current counter values
func (s *BatchStatistics) Snapshot() StatisticsSnapshot {
	return StatisticsSnapshot{
		FallbackInsertCount: s.FallbackInsertCount.Load(),
		FallbackUpdateCount: s.FallbackUpdateCount.Load(),
		MissingDeleteCount:  s.MissingDeleteCount.Load(),
		IgnoreCount:         s.IgnoreCount.Load(),
		RowCount:            s.RowCount.Load(),
		LineNumber:          s.LineNumber.Load(),
	}
}
