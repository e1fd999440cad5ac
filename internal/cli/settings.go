// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/mobiletoly/go-overreplica/overreplica"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewSettingsCommand groups the conflict-setting inspection commands
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect conflict settings from the config file",
	}
	cmd.AddCommand(newSettingsShowCommand(rootOpts))
	cmd.AddCommand(newSettingsSelectCommand(rootOpts))
	return cmd
}

type settingsView struct {
	Default  overreplica.ConflictSetting   `json:"default" yaml:"default"`
	Builtin  bool                          `json:"builtin_default" yaml:"builtin_default"`
	Settings []overreplica.ConflictSetting `json:"conflict_settings" yaml:"conflict_settings"`
}

func newSettingsShowCommand(rootOpts *RootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:          "show",
		Short:        "Validate the config file and print the effective settings",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := overreplica.LoadConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			registry := cfg.NewRegistry()
			view := settingsView{Settings: registry.Settings()}
			if def, ok := registry.Default(); ok {
				view.Default = def
			} else {
				view.Default = overreplica.DefaultConflictSetting()
				view.Builtin = true
			}
			return writeOutput(cmd.OutOrStdout(), output, view)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml|json)")
	return cmd
}

func newSettingsSelectCommand(rootOpts *RootOptions) *cobra.Command {
	var output, channel string
	cmd := &cobra.Command{
		Use:   "select <table>",
		Short: "Print the setting that governs a table on a channel",
		Long: `Print the setting that governs a table on a channel.

The table may be given as name, schema.name or catalog.schema.name.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := overreplica.LoadConfig(rootOpts.ConfigPath)
			if err != nil {
				return err
			}
			selected := cfg.NewRegistry().Select(overreplica.ParseTable(args[0]), channel)
			return writeOutput(cmd.OutOrStdout(), output, selected)
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "batch channel")
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format (yaml|json)")
	return cmd
}

func writeOutput(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("invalid output format %q: must be yaml or json", format)
	}
}
