// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChoreQuest Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chorequest/chorequest/internal/auth"
	"github.com/chorequest/chorequest/internal/auth/postgres"
	"github.com/chorequest/chorequest/internal/store"
	"github.com/chorequest/chorequest/pkg/errutil"
)

// Default timeout for seed command.
const defaultSeedTimeout = 30 * time.Second

// seedConfig holds configuration for the seed command.
type seedConfig struct {
	file    string
	timeout time.Duration
}

// seedFile is the YAML layout of a family to provision.
//
//	family: The Okafors
//	parents:
//	  - name: Ada
//	    phone: "+15551230001"
//	    password: correct horse battery
//	children:
//	  - name: Tobi
//	    pin: "2468"
type seedFile struct {
	Family   string       `yaml:"family"`
	Parents  []seedParent `yaml:"parents"`
	Children []seedChild  `yaml:"children"`
}

type seedParent struct {
	Name  string `yaml:"name"`
	Phone string `yaml:"phone"`
	// Password may be empty for a parent who only signs in with codes.
	Password string `yaml:"password"`
}

type seedChild struct {
	Name string `yaml:"name"`
	PIN  string `yaml:"pin"`
}

// errAlreadySeeded reports that a parent phone number is already registered.
var errAlreadySeeded = errors.New("family already seeded")

// NewSeedCmd creates the seed subcommand.
func NewSeedCmd() *cobra.Command {
	cfg := &seedConfig{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create a family from a YAML file",
		Long: `Creates a family with its parents and children from a YAML file.
Running it again for the same family is a no-op: a parent phone number that
is already registered is reported as "already seeded".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.file, "file", "f", "", "family YAML file")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", defaultSeedTimeout, "timeout for database operations (e.g., 30s, 1m)")
	addDatabaseFlag(cmd.Flags())
	_ = cmd.MarkFlagRequired("file") //nolint:errcheck // flag is registered above

	return cmd
}

func runSeed(cmd *cobra.Command, cfg *seedConfig) error {
	family, err := loadSeedFile(cfg.file)
	if err != nil {
		return err
	}

	url, err := databaseURL(cmd)
	if err != nil {
		return err
	}

	// Use cmd.Context() to respect SIGINT/SIGTERM signals
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	cmd.Println("Connecting to database...")
	pool, err := store.Connect(ctx, url, store.PoolConfig{Logger: slog.Default()})
	if err != nil {
		return err
	}
	defer pool.Close()

	tx := postgres.NewTransactor(pool)
	accounts, err := auth.NewAccountService(postgres.NewActorRepository(pool), tx, auth.NewArgon2idHasher())
	if err != nil {
		return err
	}

	err = tx.InTransaction(ctx, func(ctx context.Context) error {
		return seedFamily(ctx, cmd.OutOrStdout(), accounts, family)
	})
	if errors.Is(err, errAlreadySeeded) {
		cmd.Printf("Family %q already seeded, skipping\n", family.Family)
		slog.Info("family already seeded", "family", family.Family)
		return nil
	}
	if err != nil {
		return err
	}

	cmd.Println("Family seeding complete!")
	return nil
}

// loadSeedFile reads and checks a family file. Unknown keys are rejected so
// typos do not silently drop a child.
func loadSeedFile(path string) (*seedFile, error) {
	if path == "" {
		return nil, oops.Code("SEED_INVALID").Errorf("--file is required")
	}
	f, err := os.Open(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, oops.Code("SEED_FILE_UNREADABLE").With("path", path).Wrap(err)
	}
	defer func() { _ = f.Close() }()

	return parseSeedFile(f)
}

func parseSeedFile(r io.Reader) (*seedFile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var family seedFile
	if err := dec.Decode(&family); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, oops.Code("SEED_INVALID").Errorf("seed file is empty")
		}
		return nil, oops.Code("SEED_INVALID").Wrapf(err, "parse seed file")
	}

	family.Family = strings.TrimSpace(family.Family)
	if family.Family == "" {
		return nil, oops.Code("SEED_INVALID").Errorf("family name is required")
	}
	if len(family.Parents) == 0 {
		return nil, oops.Code("SEED_INVALID").Errorf("at least one parent is required")
	}
	return &family, nil
}

// seedFamily creates the family, its parents and then its children. A
// parent phone that is already registered stops the run with
// errAlreadySeeded.
func seedFamily(ctx context.Context, out io.Writer, accounts *auth.AccountService, family *seedFile) error {
	created, err := accounts.CreateFamily(ctx, family.Family)
	if err != nil {
		return err
	}

	for _, p := range family.Parents {
		parent, err := accounts.CreateParent(ctx, created.ID, p.Name, p.Phone, p.Password)
		if err != nil {
			if phoneTaken(err) {
				return errAlreadySeeded
			}
			return oops.Code("SEED_FAILED").With("parent", p.Name).Wrap(err)
		}
		slog.InfoContext(ctx, "created parent", "id", parent.ID.String(), "name", parent.DisplayName)
		_, _ = io.WriteString(out, "Created parent: "+parent.DisplayName+"\n")
	}

	for _, c := range family.Children {
		child, err := accounts.CreateChild(ctx, created.ID, c.Name, c.PIN)
		if err != nil {
			return oops.Code("SEED_FAILED").With("child", c.Name).Wrap(err)
		}
		slog.InfoContext(ctx, "created child", "id", child.ID.String(), "name", child.DisplayName)
		_, _ = io.WriteString(out, "Created child: "+child.DisplayName+"\n")
	}

	_, _ = io.WriteString(out, "Created family: "+created.Name+" ("+created.ID.String()+")\n")
	return nil
}

func phoneTaken(err error) bool {
	if errutil.Code(err) == auth.CodePhoneTaken {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
