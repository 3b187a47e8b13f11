package services

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"flowline/internal/dispatch"
	"flowline/internal/logging"
	"flowline/internal/notifications"
)

const DefaultSweepSchedule = "0 * * * *"

// StaleSweeper periodically scans for entities stuck in non-final states and
// publishes a stale_detected event for each. Consumers decide what to do
// about them; the sweeper itself never moves an entity.
type StaleSweeper struct {
	dashboard  *DashboardService
	dispatcher dispatch.Dispatcher
	audit      *notifications.AuditService
	schedule   string
	cron       *cron.Cron
}

func NewStaleSweeper(
	dashboard *DashboardService,
	dispatcher dispatch.Dispatcher,
	audit *notifications.AuditService,
	schedule string,
) *StaleSweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &StaleSweeper{
		dashboard:  dashboard,
		dispatcher: dispatcher,
		audit:      audit,
		schedule:   schedule,
	}
}

// Start schedules the sweep and runs until Stop is called.
func (s *StaleSweeper) Start() error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		if err := s.Sweep(context.Background()); err != nil {
			logging.Error("stale sweep failed: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	logging.Info("stale sweeper running on schedule %q (threshold %d days)", s.schedule, s.dashboard.StaleDays())
	return nil
}

func (s *StaleSweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// Sweep runs one scan across all pipelines and kinds.
func (s *StaleSweeper) Sweep(ctx context.Context) error {
	stale, err := s.dashboard.StaleEntities(0, "", 0)
	if err != nil {
		return fmt.Errorf("failed to list stale entities: %w", err)
	}
	if len(stale) == 0 {
		logging.Debug("stale sweep found nothing")
		return nil
	}

	for _, entity := range stale {
		if s.dispatcher != nil {
			subject := fmt.Sprintf("stale.%s.%d", entity.EntityKind, entity.EntityID)
			err := s.dispatcher.PublishEvent(ctx, subject, map[string]any{
				"event":                "stale_detected",
				"entity_kind":          entity.EntityKind,
				"entity_id":            entity.EntityID,
				"display_name":         entity.DisplayName,
				"pipeline_id":          entity.PipelineID,
				"state_code":           entity.StateCode,
				"state_name":           entity.StateName,
				"days_in_state":        entity.DaysInState,
				"last_transitioned_at": entity.LastTransitionedAt,
			})
			if err != nil {
				logging.Error("failed to publish stale event for %s #%d: %v", entity.EntityKind, entity.EntityID, err)
			}
		}

		if s.audit != nil {
			_, err := s.audit.Record(ctx, notifications.AuditEntry{
				EventType:    notifications.EventStaleDetected,
				EntityKind:   entity.EntityKind,
				EntityID:     entity.EntityID,
				ErrorMessage: fmt.Sprintf("stuck in %q for %d days", entity.StateCode, entity.DaysInState),
			})
			if err != nil {
				logging.Error("failed to record stale detection for %s #%d: %v", entity.EntityKind, entity.EntityID, err)
			}
		}
	}

	logging.Info("stale sweep flagged %d entities", len(stale))
	return nil
}
