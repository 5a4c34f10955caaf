package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/seanankenbruck/nl2sql-gateway/internal/database"
)

func newMigrateCmd(open Opener) *cobra.Command {
	var path string
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back cache schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd, open, "migrate", Needs{}, func(ctx context.Context, env *Env) error {
				migration := env.Migration
				if path != "" {
					migration.MigrationsPath = path
				}

				var status *database.Status
				var err error
				if down > 0 {
					status, err = database.RollbackMigrations(migration, down)
				} else {
					status, err = database.RunMigrations(migration)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), status)
			})
		},
	}

	cmd.Flags().StringVar(&path, "path", "./migrations", "directory containing migration files")
	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead of applying")
	return cmd
}
