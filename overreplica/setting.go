// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"fmt"
	"strings"
)

// ConflictSetting is a named conflict policy.
// A setting is table-scoped when ScopeTable is set (optionally restricted to ScopeChannel),
// channel-scoped when only ScopeChannel is set, and a global candidate otherwise.
type ConflictSetting struct {
	ID                 string      `json:"id,omitempty" yaml:"id,omitempty"`
	ScopeTable         string      `json:"table,omitempty" yaml:"table,omitempty"`
	ScopeChannel       string      `json:"channel,omitempty" yaml:"channel,omitempty"`
	DetectType         DetectType  `json:"detect_type" yaml:"detect_type"`
	DetectExpression   string      `json:"detect_expression,omitempty" yaml:"detect_expression,omitempty"` // timestamp or version column
	ResolveType        ResolveType `json:"resolve_type" yaml:"resolve_type"`
	ResolveRowOnly     bool        `json:"resolve_row_only" yaml:"resolve_row_only"`
	ResolveChangesOnly bool        `json:"resolve_changes_only" yaml:"resolve_changes_only"`
}

// DefaultConflictSetting is synthesized when nothing else matches
func DefaultConflictSetting() ConflictSetting {
	return ConflictSetting{
		DetectType:  DetectUsePKData,
		ResolveType: ResolveManual,
	}
}

// DisplayID returns the id used in logs and error reports
func (c ConflictSetting) DisplayID() string {
	if c.ID == "" {
		return defaultSettingID
	}
	return c.ID
}

// Validate checks enum values and that timestamp/version detection names a column
func (c ConflictSetting) Validate() error {
	if !c.DetectType.Valid() {
		return fmt.Errorf("conflict setting %s: unknown detect type %q", c.DisplayID(), c.DetectType)
	}
	if !c.ResolveType.Valid() {
		return fmt.Errorf("conflict setting %s: unknown resolve type %q", c.DisplayID(), c.ResolveType)
	}
	if (c.DetectType == DetectUseTimestamp || c.DetectType == DetectUseVersion) && strings.TrimSpace(c.DetectExpression) == "" {
		return fmt.Errorf("conflict setting %s: %s requires detect_expression naming the column", c.DisplayID(), c.DetectType)
	}
	return nil
}

// normalize fills blank enums with the built-in defaults
func (c ConflictSetting) normalize() ConflictSetting {
	if c.DetectType == "" {
		c.DetectType = DetectUsePKData
	}
	if c.ResolveType == "" {
		c.ResolveType = ResolveManual
	}
	c.DetectType = DetectType(strings.ToUpper(string(c.DetectType)))
	c.ResolveType = ResolveType(strings.ToUpper(string(c.ResolveType)))
	return c
}
