package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"flowline/internal/api"
	v1 "flowline/internal/api/v1"
	"flowline/internal/config"
	"flowline/internal/db"
	"flowline/internal/db/repositories"
	"flowline/internal/dispatch"
	"flowline/internal/logging"
	"flowline/internal/notifications"
	"flowline/internal/pipelines"
	"flowline/internal/pipelines/actions"
	"flowline/internal/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Flowline API server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
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

	repos := repositories.New(database)
	if err := ensureAdminUser(repos, cfg.AdminUsername); err != nil {
		return err
	}

	// The interface stays nil when dispatch is disabled, so async actions
	// fail instead of silently reporting queued.
	var dispatcher dispatch.Dispatcher
	if cfg.NATSEnabled {
		nd, err := dispatch.New(dispatch.Options{
			Enabled:       true,
			Embedded:      cfg.NATSEmbedded,
			URL:           cfg.NATSURL,
			Stream:        "FLOWLINE",
			SubjectPrefix: "flowline",
		})
		if err != nil {
			return fmt.Errorf("failed to start dispatcher: %w", err)
		}
		defer nd.Close()
		dispatcher = nd
	}

	audit := notifications.NewAuditService(database.Conn())
	webhooks := notifications.NewWebhookSender(cfg.WebhookTimeoutSecs, database.Conn())

	registry := actions.NewRegistry()
	registry.Register(actions.NewUpdateFieldHandler(repos.Entities))
	registry.Register(actions.NewCreateRecordHandler(repos.Entities))
	registry.Register(actions.NewWebhookHandler(webhooks))
	registry.Register(actions.NewNotificationHandler(dispatcher))
	registry.Register(actions.NewDispatchJobHandler(dispatcher))
	registry.Register(actions.NewTriggerApprovalHandler(repos.Approvals))
	registry.Register(actions.NewCustomHandler())

	snapshots := pipelines.NewSnapshotRegistry()

	pipelineSvc := services.NewPipelineService(repos)
	transitionSvc := services.NewTransitionService(repos, registry, dispatcher, snapshots)
	dashboardSvc := services.NewDashboardService(repos, cfg.StaleDays)

	if cfg.PipelinesDir != "" {
		adminUser, err := repos.Users.GetByUsername(cfg.AdminUsername)
		if err != nil {
			return fmt.Errorf("failed to load admin user: %w", err)
		}
		admin := pipelines.NewActor(adminUser.ID, adminUser.Username, true, adminUser.Permissions)
		results, err := pipelineSvc.ImportFromDir(admin, cfg.PipelinesDir)
		if err != nil {
			logging.Error("pipeline import from %s failed: %v", cfg.PipelinesDir, err)
		} else if len(results) > 0 {
			logging.Info("imported %d pipeline definitions from %s", len(results), cfg.PipelinesDir)
		}
	}

	sweeper := services.NewStaleSweeper(dashboardSvc, dispatcher, audit, cfg.SweepSchedule)
	if err := sweeper.Start(); err != nil {
		return err
	}
	defer sweeper.Stop()

	server := api.New(cfg, database, v1.Services{
		Pipelines:   pipelineSvc,
		Transitions: transitionSvc,
		Dashboard:   dashboardSvc,
		Audit:       audit,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down")
		cancel()
	}()

	logging.Info("flowline API listening on port %d", cfg.APIPort)
	return server.Start(ctx)
}

// ensureAdminUser creates the bootstrap admin on first run.
func ensureAdminUser(repos *repositories.Repositories, username string) error {
	if _, err := repos.Users.GetByUsername(username); err == nil {
		return nil
	}
	if _, err := repos.Users.Create(username, true, nil); err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	logging.Info("created admin user %q", username)
	return nil
}
