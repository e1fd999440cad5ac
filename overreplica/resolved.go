// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

// ResolvedData is an operator override for one row of a batch,
// addressed by the row's 1-based statement ordinal
type ResolvedData struct {
	RowNumber int64 `json:"row_number"`
	IgnoreRow bool  `json:"ignore_row"`
	Data      Row   `json:"resolved_data,omitempty"` // replacement row content when IgnoreRow is false
}

// ResolutionStore is a read-only ordinal lookup over the overrides supplied for a batch.
// A nil store behaves as empty.
type ResolutionStore struct {
	byRow map[int64]ResolvedData
}

// NewResolutionStore indexes overrides by row number. Later entries for the same row win.
func NewResolutionStore(items []ResolvedData) *ResolutionStore {
	s := &ResolutionStore{byRow: make(map[int64]ResolvedData, len(items))}
	for _, it := range items {
		s.byRow[it.RowNumber] = it
	}
	return s
}

// Lookup returns the override for rowNumber; absence is the normal case
func (s *ResolutionStore) Lookup(rowNumber int64) (ResolvedData, bool) {
	if s == nil {
		return ResolvedData{}, false
	}
	rd, ok := s.byRow[rowNumber]
	return rd, ok
}

// Len reports how many overrides are held
func (s *ResolutionStore) Len() int {
	if s == nil {
		return 0
	}
	return len(s.byRow)
}
