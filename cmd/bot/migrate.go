package main

import (
	"errors"

	"github.com/Freeeeeet/gym_trial_bot/internal/app"
	"github.com/Freeeeeet/gym_trial_bot/internal/config"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DBDSN == "" {
			return errors.New("DB_DSN is not set")
		}

		logger, err := app.NewLogger(cfg.Environment)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx := cmd.Context()
		pool, err := app.OpenPostgres(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer pool.Close()

		migrator, err := app.NewMigrator(pool, logger)
		if err != nil {
			return err
		}
		defer migrator.Close()

		return migrator.Run(ctx)
	},
}
