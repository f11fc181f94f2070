package main

import (
	"github.com/spf13/cobra"

	"github.com/jason-s-yu/gamelobby/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the lobby tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)

		store, err := database.Connect(cmd.Context(), cfg.Database.URL, database.Options{
			MaxRetries: cfg.Database.MaxRetries,
			Timeout:    cfg.Database.Timeout,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.EnsureSchema(cmd.Context()); err != nil {
			return err
		}
		logger.Info("schema is up to date")
		return nil
	},
}
