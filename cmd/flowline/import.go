package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/db/repositories"
	"flowline/internal/pipelines"
	"flowline/internal/services"
)

var importCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Import declarative pipeline definitions from a directory",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		dir := cfg.PipelinesDir
		if len(args) > 0 {
			dir = args[0]
		}

		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer database.Close()

		if err := database.Migrate(); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		repos := repositories.New(database)
		svc := services.NewPipelineService(repos)
		if err := ensureAdminUser(repos, cfg.AdminUsername); err != nil {
			return err
		}
		adminUser, err := repos.Users.GetByUsername(cfg.AdminUsername)
		if err != nil {
			return fmt.Errorf("failed to load admin user: %w", err)
		}
		admin := pipelines.NewActor(adminUser.ID, adminUser.Username, true, adminUser.Permissions)

		results, err := svc.ImportFromDir(admin, dir)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Printf("no pipeline definitions found in %s\n", dir)
			return nil
		}

		for _, result := range results {
			verb := "updated"
			if result.Created {
				verb = "created"
			}
			fmt.Printf("%s pipeline %q (version %d)\n", verb, result.Code, result.Version)
			for _, warning := range result.Warnings {
				fmt.Printf("  warning %s: %s\n", warning.Path, warning.Message)
			}
		}
		return nil
	},
}
