// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

// EventType is the DML classification of a captured change
type EventType string

// Event type constants for captured changes
const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// DetectType decides how "does the target disagree" and "which side is newer" are determined
type DetectType string

// Conflict detection constants
const (
	DetectUsePKData    DetectType = "USE_PK_DATA"
	DetectUseTimestamp DetectType = "USE_TIMESTAMP"
	DetectUseVersion   DetectType = "USE_VERSION"
)

// ResolveType is the corrective action family applied to a conflict
type ResolveType string

// Conflict resolution constants
const (
	ResolveFallback  ResolveType = "FALLBACK"
	ResolveNewerWins ResolveType = "NEWER_WINS"
	ResolveIgnore    ResolveType = "IGNORE"
	ResolveManual    ResolveType = "MANUAL"
)

// LoadStatus is the outcome of a physical write attempt
type LoadStatus string

// Load status constants reported by a Writer
const (
	LoadSuccess  LoadStatus = "SUCCESS"
	LoadConflict LoadStatus = "CONFLICT"
)

// Outcome is what the engine decided for one conflicting row
type Outcome string

// Outcome constants returned by Engine.Resolve
const (
	OutcomeUnresolved Outcome = ""
	OutcomeResolved   Outcome = "resolved"
	OutcomeRowSkipped Outcome = "row_skipped"
	OutcomeAbortBatch Outcome = "abort_batch"
)

// defaultSettingID is logged when the selected setting has no id
const defaultSettingID = "default"

// Valid reports whether e is INSERT, UPDATE or DELETE
func (e EventType) Valid() bool {
	switch e {
	case EventInsert, EventUpdate, EventDelete:
		return true
	default:
		return false
	}
}

// Valid reports whether d is a known detect type
func (d DetectType) Valid() bool {
	switch d {
	case DetectUsePKData, DetectUseTimestamp, DetectUseVersion:
		return true
	default:
		return false
	}
}

// Valid reports whether r is a known resolve type
func (r ResolveType) Valid() bool {
	switch r {
	case ResolveFallback, ResolveNewerWins, ResolveIgnore, ResolveManual:
		return true
	default:
		return false
	}
}
