package main

import (
	"github.com/spf13/cobra"

	"github.com/Okossum/utilization-sub004/pkg/database"
)

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations from DB_MIGRATION_FOLDER_PATH",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel, cfg, logger, err := setup(cmd, opts)
			if err != nil {
				return err
			}
			defer cancel()

			db, err := database.Connect(ctx, cfg.Database(), logger)
			if err != nil {
				return err
			}
			defer db.Close()

			return database.NewMigrationService(logger, cfg.Migration()).MigratePostgres(db, cfg.DatabaseName)
		},
	}
}
