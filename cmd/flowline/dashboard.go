package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/db/repositories"
	"flowline/internal/services"
)

var dashboardCmd = &cobra.Command{
	Use:   "dashboard",
	Short: "Print the state summary and stale entities",
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

		repos := repositories.New(database)
		dashboard := services.NewDashboardService(repos, cfg.StaleDays)

		pipelineID, _ := cmd.Flags().GetInt64("pipeline")
		entityKind, _ := cmd.Flags().GetString("kind")

		summary, err := dashboard.StateSummary(pipelineID, entityKind)
		if err != nil {
			return err
		}
		if len(summary) == 0 {
			fmt.Println("no tracked entities")
		} else {
			fmt.Println("state summary:")
			for _, row := range summary {
				fmt.Printf("  %-20s %-12s %d\n", row.StateCode, row.StateType, row.Count)
			}
		}

		stale, err := dashboard.StaleEntities(pipelineID, entityKind, 0)
		if err != nil {
			return err
		}
		if len(stale) == 0 {
			fmt.Printf("no entities stale beyond %d days\n", dashboard.StaleDays())
			return nil
		}

		fmt.Printf("stale entities (>= %d days):\n", dashboard.StaleDays())
		for _, entity := range stale {
			fmt.Printf("  %s #%d  %-20s in %s for %d days\n",
				entity.EntityKind, entity.EntityID, entity.DisplayName, entity.StateCode, entity.DaysInState)
		}
		return nil
	},
}

func init() {
	dashboardCmd.Flags().Int64("pipeline", 0, "filter by pipeline id")
	dashboardCmd.Flags().String("kind", "", "filter by entity kind")
}
