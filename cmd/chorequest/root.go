// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/chorequest/chorequest/internal/config"
)

// Global flags available to all subcommands.
var configFile string

// NewRootCmd creates the root command for the ChoreQuest CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chorequest",
		Short: "ChoreQuest - chores, streaks and rewards for the whole family",
		Long: `ChoreQuest turns household chores into points. This binary runs the
authentication API and manages its database.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path (default: XDG_CONFIG_HOME/chorequest/config.yaml)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewMigrateCmd())
	cmd.AddCommand(NewSeedCmd())
	cmd.AddCommand(NewStatusCmd())

	return cmd
}

// addDatabaseFlag registers the one config flag the database commands need.
func addDatabaseFlag(fs *pflag.FlagSet) {
	fs.String("database-url", "", "PostgreSQL connection URL")
}

// loadConfig loads configuration for cmd, honouring the global --config.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	return config.Load(configFile, cmd.Flags())
}
