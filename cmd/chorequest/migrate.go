// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/chorequest/chorequest/internal/store"
)

// migrationRunner wraps the methods used from store.Migrator.
type migrationRunner interface {
	Up() error
	Down() error
	Steps(n int) error
	Force(version int) error
	Status() (store.MigrationStatus, error)
	Close() error
}

// newMigrator is replaced in tests.
var newMigrator = func(databaseURL string) (migrationRunner, error) {
	return store.NewMigrator(databaseURL)
}

// NewMigrateCmd creates the migrate subcommand.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database migrations",
		Long:  `Apply, roll back or inspect the PostgreSQL schema migrations.`,
	}
	addDatabaseFlag(cmd.PersistentFlags())

	cmd.AddCommand(newMigrateUpCmd())
	cmd.AddCommand(newMigrateDownCmd())
	cmd.AddCommand(newMigrateStatusCmd())
	cmd.AddCommand(newMigrateForceCmd())

	return cmd
}

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrationRunner) error {
				cmd.Println("Running migrations...")
				if err := m.Up(); err != nil {
					return err
				}
				cmd.Println("Migrations completed successfully")
				return nil
			})
		},
	}
}

func newMigrateDownCmd() *cobra.Command {
	var all bool
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Long: `Roll back the most recent migration, or --steps of them.
--all rolls back every migration and drops all data.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 1 {
				return oops.Code("INVALID_STEPS").With("steps", steps).Errorf("--steps must be at least 1")
			}
			return withMigrator(cmd, func(m migrationRunner) error {
				if all {
					cmd.Println("Rolling back all migrations...")
					if err := m.Down(); err != nil {
						return err
					}
				} else {
					cmd.Printf("Rolling back %d migration(s)...\n", steps)
					if err := m.Steps(-steps); err != nil {
						return err
					}
				}
				cmd.Println("Rollback complete")
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "roll back every migration")
	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	return cmd
}

func newMigrateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the schema version and pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, func(m migrationRunner) error {
				status, err := m.Status()
				if err != nil {
					return err
				}
				cmd.Print(formatMigrationStatus(status))
				return nil
			})
		},
	}
}

func newMigrateForceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "force VERSION",
		Short: "Mark VERSION as applied and clear the dirty flag",
		Long: `Force sets the recorded schema version without running any migration.
Use it to recover after a migration failed halfway and was fixed by hand.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := parseForceVersion(args[0])
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m migrationRunner) error {
				if err := m.Force(version); err != nil {
					return err
				}
				cmd.Printf("Schema version forced to %d\n", version)
				return nil
			})
		},
	}
}

// withMigrator opens a migrator for the configured database, runs fn and
// closes it.
func withMigrator(cmd *cobra.Command, fn func(m migrationRunner) error) error {
	url, err := databaseURL(cmd)
	if err != nil {
		return err
	}

	m, err := newMigrator(url)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			cmd.PrintErrln("warning: closing migrator:", closeErr)
		}
	}()

	return fn(m)
}

// databaseURL loads configuration and requires database.url.
func databaseURL(cmd *cobra.Command) (string, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return "", err
	}
	if cfg.Database.URL == "" {
		return "", oops.Code("CONFIG_INVALID").
			Errorf("database url is required (--database-url, CHOREQUEST_DATABASE__URL or database.url)")
	}
	return cfg.Database.URL, nil
}

// parseForceVersion parses the VERSION argument of migrate force.
func parseForceVersion(s string) (int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, oops.Code("INVALID_VERSION").Errorf("version is required")
	}
	version, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Wrapf(err, "version must be an integer")
	}
	if version < -1 {
		return 0, oops.Code("INVALID_VERSION").With("input", s).Errorf("version must be -1 or greater")
	}
	return version, nil
}

func formatMigrationStatus(s store.MigrationStatus) string {
	var b strings.Builder
	b.WriteString("Current version: " + strconv.FormatUint(uint64(s.Current), 10))
	if s.Dirty {
		b.WriteString(" (dirty)")
	}
	b.WriteString("\nLatest version:  " + strconv.FormatUint(uint64(s.Latest), 10) + "\n")
	if len(s.Pending) == 0 {
		b.WriteString("Schema is up to date\n")
		return b.String()
	}
	pending := make([]string, len(s.Pending))
	for i, v := range s.Pending {
		name, err := store.MigrationName(v)
		if err != nil || name == "" {
			name = strconv.FormatUint(uint64(v), 10)
		}
		pending[i] = name
	}
	b.WriteString("Pending: " + strings.Join(pending, ", ") + "\n")
	return b.String()
}
