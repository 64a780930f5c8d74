package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/JonMunkholm/erpimport/internal/migrations"
)

type migrateOutput struct {
	Command string `json:"command"`
	Version int64  `json:"version"`
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}
	cmd.AddCommand(
		newMigrateStep("up", "Apply all pending migrations", migrations.Up),
		newMigrateStep("down", "Roll back the latest migration", migrations.Down),
		newMigrateStep("version", "Print the current schema version", nil),
	)
	return cmd
}

func newMigrateStep(name, short string, step func(ctx context.Context, pool *pgxpool.Pool) error) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.Close()

			if step != nil {
				if err := step(cmd.Context(), e.pool); err != nil {
					return err
				}
			}

			v, err := migrations.Version(cmd.Context(), e.pool)
			if err != nil {
				return err
			}
			return writeJSON(migrateOutput{Command: "migrate " + name, Version: v})
		},
	}
}
