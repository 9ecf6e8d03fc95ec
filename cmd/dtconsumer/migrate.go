package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/dtconsumer/internal/migrate"
)

func migrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the ClickHouse schema used by the sinks",
	}

	cmd.PersistentFlags().StringVar(&dsn, "dsn", "",
		`ClickHouse DSN, e.g. "clickhouse://localhost:9000/default"`)

	withMigrator := func(fn func(ctx context.Context, m migrate.Migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			if dsn == "" {
				return fmt.Errorf("--dsn is required")
			}

			log, err := newLogger("")
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return fn(ctx, migrate.New(log, dsn), args)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(ctx context.Context, m migrate.Migrator, _ []string) error {
				return m.Up(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last migration",
			RunE: withMigrator(func(ctx context.Context, m migrate.Migrator, _ []string) error {
				return m.Down(ctx)
			}),
		},
		&cobra.Command{
			Use:   "to VERSION",
			Short: "Migrate up or down to VERSION",
			Args:  cobra.ExactArgs(1),
			RunE: withMigrator(func(ctx context.Context, m migrate.Migrator, args []string) error {
				v, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("parsing version %q: %w", args[0], err)
				}

				return m.To(ctx, uint(v))
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: withMigrator(func(ctx context.Context, m migrate.Migrator, _ []string) error {
				v, dirty, err := m.Status(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("version %d (dirty: %t)\n", v, dirty)

				return nil
			}),
		},
		&cobra.Command{
			Use:   "sql",
			Short: "Print the schema as SQL",
			RunE: func(*cobra.Command, []string) error {
				stmts, err := migrate.Statements()
				if err != nil {
					return err
				}

				fmt.Println(strings.Join(stmts, "\n\n"))

				return nil
			},
		},
	)

	return cmd
}
