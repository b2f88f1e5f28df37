package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/mihaimyh/gopremium/storage/postgres"
)

var pruneCmd = &cobra.Command{
	Use:   "prune-ledger",
	Short: "Delete processed webhook ledger entries past the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(envFile)
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, false)
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.manager.PruneLedger(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pruned %d ledger entries older than %s\n", n, cfg.LedgerRetention)
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
}

func init() {
	migrateCmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", postgres.Migrate),
		migrateSubcommand("down", "Roll back the most recent migration", postgres.MigrateDown),
		migrateSubcommand("status", "Show the state of every migration", postgres.MigrationStatus),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withStorage(cmd.Context(), func(ctx context.Context, s *postgres.Storage) error {
					version, err := postgres.SchemaVersion(ctx, s.Pool())
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
					return nil
				})
			},
		},
	)
}

func migrateSubcommand(use, short string, fn func(context.Context, *pgxpool.Pool) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStorage(cmd.Context(), func(ctx context.Context, s *postgres.Storage) error {
				return fn(ctx, s.Pool())
			})
		},
	}
}

// withStorage opens storage without migrating it.
func withStorage(ctx context.Context, fn func(context.Context, *postgres.Storage) error) error {
	cfg, err := loadConfig(envFile)
	if err != nil {
		return err
	}
	if err := cfg.requireDatabase(); err != nil {
		return err
	}

	pgConfig := postgres.DefaultConfig()
	pgConfig.ConnectionString = cfg.DatabaseURL
	pgConfig.MinConns = 1
	s, err := postgres.New(ctx, pgConfig)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}
