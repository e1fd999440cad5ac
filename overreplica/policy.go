// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import "strings"

// Action is one step the engine can take for a conflicting row
type Action int

const (
	ActionNone           Action = iota
	ActionManual                // apply the operator override
	ActionUpdate                // corrective UPDATE
	ActionInsert                // corrective INSERT
	ActionIgnoreRow             // drop the row and count it as ignored
	ActionDropRow               // drop the row silently
	ActionAbortBatch            // stop applying the batch
	ActionRetryDelete           // reissue the delete; zero rows counts a missing delete
	ActionMissingDelete         // count a missing delete
	ActionDeleteTolerant        // reissue the delete tolerating zero rows
	ActionAccept                // target already converged, nothing to do
	ActionRowConflict           // surface a non-retriable row conflict
)

var actionNames = map[Action]string{
	ActionNone:           "none",
	ActionManual:         "manual",
	ActionUpdate:         "update",
	ActionInsert:         "insert",
	ActionIgnoreRow:      "ignore-row",
	ActionDropRow:        "drop-row",
	ActionAbortBatch:     "abort-batch",
	ActionRetryDelete:    "retry-delete",
	ActionMissingDelete:  "missing-delete",
	ActionDeleteTolerant: "delete-tolerant",
	ActionAccept:         "accept",
	ActionRowConflict:    "row-conflict",
}

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "unknown"
}

// PolicyInput holds everything the policy table depends on
type PolicyInput struct {
	EventType          EventType
	HasOverride        bool
	OverrideIgnoresRow bool
	ResolveType        ResolveType
	DetectType         DetectType
	ResolveRowOnly     bool
}

// Decision is the tagged result of the policy table.
// Action runs first; when it is a corrective write that fails, Fallback runs.
// With RequireNewer, Action and Fallback apply only if the source is newer, otherwise Stale.
type Decision struct {
	Action         Action
	Fallback       Action
	StripOldValues bool // derive the record without old values before writing
	AllColumns     bool // corrective UPDATE ignores resolve_changes_only
	RequireNewer   bool
	Stale          Action
}

func (d Decision) String() string {
	var b strings.Builder
	if d.RequireNewer {
		b.WriteString("if-newer ")
	}
	if d.StripOldValues {
		b.WriteString("strip-old ")
	}
	b.WriteString(d.Action.String())
	if d.AllColumns {
		b.WriteString("(all-columns)")
	}
	if d.Fallback != ActionNone {
		b.WriteString("|")
		b.WriteString(d.Fallback.String())
	}
	if d.RequireNewer {
		b.WriteString(" else ")
		b.WriteString(d.Stale.String())
	}
	return b.String()
}

// Decide evaluates the per-event-type policy table. It performs no I/O.
func Decide(in PolicyInput) Decision {
	switch in.EventType {
	case EventInsert:
		if in.HasOverride {
			return Decision{Action: ActionManual}
		}
		switch in.ResolveType {
		case ResolveFallback:
			// row already exists at the target
			return Decision{Action: ActionUpdate}
		case ResolveNewerWins:
			if !canCompareAge(in.DetectType) {
				return Decision{Action: staleAction(in.ResolveRowOnly)}
			}
			return Decision{Action: ActionUpdate, RequireNewer: true, Stale: staleAction(in.ResolveRowOnly)}
		case ResolveIgnore:
			return Decision{Action: ignoreAction(in.ResolveRowOnly)}
		default:
			return Decision{Action: ActionRowConflict}
		}

	case EventUpdate:
		if in.HasOverride {
			return Decision{Action: ActionManual}
		}
		switch in.ResolveType {
		case ResolveFallback:
			if in.DetectType == DetectUsePKData {
				return Decision{Action: ActionInsert, Fallback: ActionUpdate, StripOldValues: true}
			}
			return Decision{Action: ActionUpdate, Fallback: ActionInsert}
		case ResolveNewerWins:
			if !canCompareAge(in.DetectType) {
				return Decision{Action: staleAction(in.ResolveRowOnly)}
			}
			return Decision{
				Action:       ActionUpdate,
				Fallback:     ActionInsert,
				AllColumns:   true,
				RequireNewer: true,
				Stale:        staleAction(in.ResolveRowOnly),
			}
		case ResolveIgnore:
			return Decision{Action: ignoreAction(in.ResolveRowOnly)}
		default:
			return Decision{Action: ActionRowConflict}
		}

	case EventDelete:
		switch in.ResolveType {
		case ResolveFallback:
			if in.DetectType != DetectUsePKData {
				return Decision{Action: ActionRetryDelete}
			}
			return Decision{Action: ActionMissingDelete}
		case ResolveIgnore:
			return Decision{Action: ignoreAction(in.ResolveRowOnly)}
		case ResolveNewerWins:
			// absence of the target row is already converged
			return Decision{Action: ActionAccept}
		default:
			if !in.HasOverride {
				return Decision{Action: ActionRowConflict}
			}
			if !in.OverrideIgnoresRow {
				return Decision{Action: ActionDeleteTolerant}
			}
			return Decision{Action: staleAction(in.ResolveRowOnly)}
		}
	}
	return Decision{Action: ActionNone}
}

func canCompareAge(d DetectType) bool {
	return d == DetectUseTimestamp || d == DetectUseVersion
}

func ignoreAction(rowOnly bool) Action {
	if rowOnly {
		return ActionIgnoreRow
	}
	return ActionAbortBatch
}

// staleAction drops the row silently when the conflict is row-scoped
func staleAction(rowOnly bool) Action {
	if rowOnly {
		return ActionDropRow
	}
	return ActionAbortBatch
}
