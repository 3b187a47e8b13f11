package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowline/internal/config"
	"flowline/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		fmt.Printf("migrations applied to %s\n", cfg.DatabaseURL)
		return nil
	},
}
