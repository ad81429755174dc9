package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"roomtab-engine/internal/config"
	"roomtab-engine/internal/database"
	"roomtab-engine/internal/logger"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			log := logger.NewWithLevel("roomtab-migrate", cfg.Log.Level)
			defer log.Sync()

			db, err := database.New(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer db.Close()

			if err := db.RunMigrations(ctx); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
			log.Info("migrations_applied", "Database is up to date", "", nil)
			return nil
		},
	}
}
