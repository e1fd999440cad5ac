// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"strings"
	"sync/atomic"
)

// settingsSnapshot is immutable once published
type settingsSnapshot struct {
	all       []ConflictSetting
	byTable   map[string][]ConflictSetting // lower-cased table key -> settings in config order
	byChannel map[string]ConflictSetting
	def       *ConflictSetting
}

// SettingsRegistry maps an incoming change's (table, channel) to its ConflictSetting.
// Reads are lock-free; configuration changes publish a whole new snapshot.
type SettingsRegistry struct {
	snap atomic.Pointer[settingsSnapshot]
}

// NewSettingsRegistry builds a registry from settings and an optional process default
func NewSettingsRegistry(settings []ConflictSetting, def *ConflictSetting) *SettingsRegistry {
	r := &SettingsRegistry{}
	r.Replace(settings, def)
	return r
}

// Replace atomically swaps the registry contents
func (r *SettingsRegistry) Replace(settings []ConflictSetting, def *ConflictSetting) {
	s := &settingsSnapshot{
		all:       make([]ConflictSetting, 0, len(settings)),
		byTable:   make(map[string][]ConflictSetting),
		byChannel: make(map[string]ConflictSetting),
	}
	for _, cs := range settings {
		cs = cs.normalize()
		s.all = append(s.all, cs)
		switch {
		case cs.ScopeTable != "":
			key := strings.ToLower(cs.ScopeTable)
			s.byTable[key] = append(s.byTable[key], cs)
		case cs.ScopeChannel != "":
			// first channel-scoped setting wins
			if _, exists := s.byChannel[cs.ScopeChannel]; !exists {
				s.byChannel[cs.ScopeChannel] = cs
			}
		}
	}
	if def != nil {
		d := def.normalize()
		s.def = &d
	}
	r.snap.Store(s)
}

// Settings returns a copy of the configured settings (default excluded)
func (r *SettingsRegistry) Settings() []ConflictSetting {
	s := r.snap.Load()
	if s == nil {
		return nil
	}
	out := make([]ConflictSetting, len(s.all))
	copy(out, s.all)
	return out
}

// Default returns the configured process default, if any
func (r *SettingsRegistry) Default() (ConflictSetting, bool) {
	s := r.snap.Load()
	if s == nil || s.def == nil {
		return ConflictSetting{}, false
	}
	return *s.def, true
}

// Select returns the setting governing table on channel. It never fails:
// fully qualified table key, bare table name, channel, process default, built-in default.
func (r *SettingsRegistry) Select(table Table, channel string) ConflictSetting {
	s := r.snap.Load()
	if s == nil {
		return DefaultConflictSetting()
	}

	if cs, ok := s.tableSetting(strings.ToLower(table.FullyQualifiedName()), channel); ok {
		return cs
	}
	if cs, ok := s.tableSetting(strings.ToLower(table.Name), channel); ok {
		return cs
	}
	if cs, ok := s.byChannel[channel]; ok && channel != "" {
		return cs
	}
	if s.def != nil {
		return *s.def
	}
	return DefaultConflictSetting()
}

// tableSetting prefers a setting scoped to channel over an unscoped one
func (s *settingsSnapshot) tableSetting(key, channel string) (ConflictSetting, bool) {
	candidates := s.byTable[key]
	if len(candidates) == 0 {
		return ConflictSetting{}, false
	}
	var unscoped *ConflictSetting
	for i := range candidates {
		cs := &candidates[i]
		if cs.ScopeChannel == "" {
			if unscoped == nil {
				unscoped = cs
			}
			continue
		}
		if cs.ScopeChannel == channel {
			return *cs, true
		}
	}
	if unscoped != nil {
		return *unscoped, true
	}
	return ConflictSetting{}, false
}
