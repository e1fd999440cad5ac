// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overreplica

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the file form of the conflict settings and engine flags.
//
//	default:
//	  detect_type: USE_PK_DATA
//	  resolve_type: FALLBACK
//	conflict_settings:
//	  - id: orders_newer
//	    table: public.orders
//	    detect_type: USE_TIMESTAMP
//	    detect_expression: updated_at
//	    resolve_type: NEWER_WINS
//	    resolve_row_only: true
type Config struct {
	Default               *ConflictSetting  `yaml:"default"`
	Settings              []ConflictSetting `yaml:"conflict_settings"`
	LogConflictResolution bool              `yaml:"log_conflict_resolution"`
	LogTimings            bool              `yaml:"log_timings"`
	PreResolve            bool              `yaml:"pre_resolve"`
}

// Load reads configuration from a YAML stream. A nil reader yields an empty configuration.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	for i := range cfg.Settings {
		cfg.Settings[i] = cfg.Settings[i].normalize()
	}
	if cfg.Default != nil {
		d := cfg.Default.normalize()
		cfg.Default = &d
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path.
// A missing file yields an empty configuration.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate checks every setting and rejects duplicate ids and duplicate scopes
func (c *Config) Validate() error {
	if c.Default != nil {
		if err := c.Default.Validate(); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	ids := make(map[string]struct{}, len(c.Settings))
	scopes := make(map[string]string, len(c.Settings))
	for i, cs := range c.Settings {
		if err := cs.Validate(); err != nil {
			return fmt.Errorf("conflict_settings[%d]: %w", i, err)
		}
		if cs.ID != "" {
			if _, dup := ids[cs.ID]; dup {
				return fmt.Errorf("conflict_settings[%d]: duplicate id %q", i, cs.ID)
			}
			ids[cs.ID] = struct{}{}
		}
		if cs.ScopeTable == "" && cs.ScopeChannel == "" {
			return fmt.Errorf("conflict_settings[%d]: table or channel is required; use default for a global setting", i)
		}
		scope := strings.ToLower(cs.ScopeTable) + "|" + cs.ScopeChannel
		if prev, dup := scopes[scope]; dup {
			return fmt.Errorf("conflict_settings[%d]: same scope as setting %q", i, prev)
		}
		scopes[scope] = cs.DisplayID()
	}
	return nil
}

// NewRegistry builds a settings registry from the configuration
func (c *Config) NewRegistry() *SettingsRegistry {
	return NewSettingsRegistry(c.Settings, c.Default)
}

// EngineConfig returns the engine flags of the configuration
func (c *Config) EngineConfig() *EngineConfig {
	cfg := DefaultEngineConfig()
	cfg.LogConflictResolution = c.LogConflictResolution
	cfg.LogTimings = c.LogTimings
	return cfg
}
