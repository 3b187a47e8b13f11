package services

import (
	"time"

	"flowline/internal/db/repositories"
)

const DefaultStaleDays = 7

// DashboardService answers the two reporting questions the workflow screens
// need: how many entities sit in each state, and which ones look stuck.
type DashboardService struct {
	repos     *repositories.Repositories
	staleDays int
	now       func() time.Time
}

func NewDashboardService(repos *repositories.Repositories, staleDays int) *DashboardService {
	if staleDays <= 0 {
		staleDays = DefaultStaleDays
	}
	return &DashboardService{repos: repos, staleDays: staleDays, now: time.Now}
}

// SetClock overrides the time source, used by tests.
func (s *DashboardService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *DashboardService) StaleDays() int {
	return s.staleDays
}

// StateSummary counts tracked entities per state, optionally filtered by
// pipeline and entity kind. States nobody is in appear with a zero count only
// when entities exist elsewhere in the pipeline; empty pipelines produce an
// empty summary.
func (s *DashboardService) StateSummary(pipelineID int64, entityKind string) ([]repositories.StateSummaryRow, error) {
	return s.repos.EntityStates.SummaryByState(pipelineID, entityKind)
}

// StaleEntity is one entity stuck in a non-final state, annotated with how
// long it has been there.
type StaleEntity struct {
	repositories.StaleEntityRow
	DaysInState int64 `json:"days_in_state"`
}

// StaleEntities lists entities in non-final states whose last transition is
// at least the configured number of days old. An entity that transitioned
// exactly at the threshold counts as stale. The longest-stuck entities come
// first.
func (s *DashboardService) StaleEntities(pipelineID int64, entityKind string, staleDays int) ([]StaleEntity, error) {
	if staleDays <= 0 {
		staleDays = s.staleDays
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -staleDays)

	rows, err := s.repos.EntityStates.ListStale(pipelineID, entityKind, cutoff)
	if err != nil {
		return nil, err
	}

	stale := make([]StaleEntity, 0, len(rows))
	for _, row := range rows {
		days := int64(now.Sub(row.LastTransitionedAt.UTC()).Hours() / 24)
		stale = append(stale, StaleEntity{StaleEntityRow: row, DaysInState: days})
	}
	return stale, nil
}
