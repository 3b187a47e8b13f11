package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"flowline/pkg/models"
)

type EntityStateRepo struct {
	db *sql.DB
}

func NewEntityStateRepo(db *sql.DB) *EntityStateRepo {
	return &EntityStateRepo{db: db}
}

const entityStateColumns = `id, pipeline_id, entity_kind, entity_id, current_state_id,
	last_transitioned_by, last_transitioned_at, metadata, created_at, updated_at`

func scanEntityState(row interface{ Scan(...any) error }) (*models.EntityState, error) {
	var es models.EntityState
	var lastBy sql.NullInt64
	var metadata sql.NullString

	err := row.Scan(
		&es.ID,
		&es.PipelineID,
		&es.EntityKind,
		&es.EntityID,
		&es.CurrentStateID,
		&lastBy,
		&es.LastTransitionedAt,
		&metadata,
		&es.CreatedAt,
		&es.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	es.LastTransitionedBy = int64Ptr(lastBy)
	es.Metadata = rawJSON(metadata)
	return &es, nil
}

func (r *EntityStateRepo) Get(pipelineID int64, entityKind string, entityID int64) (*models.EntityState, error) {
	return r.get(r.db, pipelineID, entityKind, entityID)
}

// GetTx reads the entity state inside the transition transaction so the
// from-state check and the update see the same row.
func (r *EntityStateRepo) GetTx(tx *sql.Tx, pipelineID int64, entityKind string, entityID int64) (*models.EntityState, error) {
	return r.get(tx, pipelineID, entityKind, entityID)
}

func (r *EntityStateRepo) get(q querier, pipelineID int64, entityKind string, entityID int64) (*models.EntityState, error) {
	query := `
		SELECT ` + entityStateColumns + `
		FROM entity_states
		WHERE pipeline_id = ? AND entity_kind = ? AND entity_id = ?`
	return scanEntityState(q.QueryRow(query, pipelineID, entityKind, entityID))
}

// GetByEntity finds the tracked state of an entity across all pipelines of
// its kind. An entity is attached to at most one pipeline per kind in
// practice, so the first match wins.
func (r *EntityStateRepo) GetByEntity(entityKind string, entityID int64) (*models.EntityState, error) {
	query := `
		SELECT ` + entityStateColumns + `
		FROM entity_states
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY id
		LIMIT 1`
	return scanEntityState(r.db.QueryRow(query, entityKind, entityID))
}

type CreateEntityStateParams struct {
	PipelineID     int64
	EntityKind     string
	EntityID       int64
	CurrentStateID int64
	TransitionedBy *int64
	Metadata       json.RawMessage
}

// CreateTx lazily creates the tracking row when an entity enters a pipeline.
func (r *EntityStateRepo) CreateTx(tx *sql.Tx, params CreateEntityStateParams) (*models.EntityState, error) {
	query := `
		INSERT INTO entity_states (
			pipeline_id, entity_kind, entity_id, current_state_id,
			last_transitioned_by, last_transitioned_at, metadata)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, ?)
		RETURNING ` + entityStateColumns

	es, err := scanEntityState(tx.QueryRow(query,
		params.PipelineID,
		params.EntityKind,
		params.EntityID,
		params.CurrentStateID,
		nullInt64(params.TransitionedBy),
		nullJSON(params.Metadata),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create entity state: %w", err)
	}
	return es, nil
}

// UpdateStateTx moves the pointer to a new state within the transition
// transaction.
func (r *EntityStateRepo) UpdateStateTx(tx *sql.Tx, id, newStateID int64, transitionedBy *int64) error {
	query := `
		UPDATE entity_states
		SET current_state_id = ?, last_transitioned_by = ?,
		    last_transitioned_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	_, err := tx.Exec(query, newStateID, nullInt64(transitionedBy), id)
	if err != nil {
		return fmt.Errorf("failed to update entity state: %w", err)
	}
	return nil
}

// StateSummaryRow is one dashboard bucket: a state plus how many entities
// currently sit in it.
type StateSummaryRow struct {
	StateID    int64   `json:"state_id"`
	StateCode  string  `json:"state_code"`
	StateName  string  `json:"state_name"`
	StateType  string  `json:"state_type"`
	Color      *string `json:"color,omitempty"`
	PipelineID int64   `json:"pipeline_id"`
	Count      int64   `json:"count"`
}

// SummaryByState counts tracked entities grouped by current state. Both
// filters are optional; zero/empty means all.
func (r *EntityStateRepo) SummaryByState(pipelineID int64, entityKind string) ([]StateSummaryRow, error) {
	query := `
		SELECT ps.id, ps.code, ps.name, ps.type, ps.color, ps.pipeline_id, COUNT(es.id)
		FROM entity_states es
		JOIN pipeline_states ps ON ps.id = es.current_state_id
		WHERE (? = 0 OR es.pipeline_id = ?)
		  AND (? = '' OR es.entity_kind = ?)
		GROUP BY ps.id
		ORDER BY ps.sort_order, ps.id`

	rows, err := r.db.Query(query, pipelineID, pipelineID, entityKind, entityKind)
	if err != nil {
		return nil, fmt.Errorf("failed to query state summary: %w", err)
	}
	defer rows.Close()

	var summary []StateSummaryRow
	for rows.Next() {
		var s StateSummaryRow
		var color sql.NullString
		if err := rows.Scan(&s.StateID, &s.StateCode, &s.StateName, &s.StateType, &color, &s.PipelineID, &s.Count); err != nil {
			return nil, fmt.Errorf("failed to scan state summary: %w", err)
		}
		s.Color = stringPtr(color)
		summary = append(summary, s)
	}
	return summary, rows.Err()
}

// StaleEntityRow is one entity stuck in a non-final state past the staleness
// threshold.
type StaleEntityRow struct {
	EntityKind         string    `json:"entity_kind"`
	EntityID           int64     `json:"entity_id"`
	DisplayName        string    `json:"display_name"`
	PipelineID         int64     `json:"pipeline_id"`
	StateID            int64     `json:"state_id"`
	StateCode          string    `json:"state_code"`
	StateName          string    `json:"state_name"`
	LastTransitionedBy *int64    `json:"last_transitioned_by,omitempty"`
	LastTransitionedAt time.Time `json:"last_transitioned_at"`
}

// ListStale returns entities in non-final states whose last transition is at
// or before the cutoff, longest-stuck first. The boundary is inclusive: an
// entity last transitioned exactly at the cutoff counts as stale.
func (r *EntityStateRepo) ListStale(pipelineID int64, entityKind string, cutoff time.Time) ([]StaleEntityRow, error) {
	query := `
		SELECT es.entity_kind, es.entity_id,
		       COALESCE(e.display_name, es.entity_kind || ' #' || es.entity_id),
		       es.pipeline_id, ps.id, ps.code, ps.name,
		       es.last_transitioned_by, es.last_transitioned_at
		FROM entity_states es
		JOIN pipeline_states ps ON ps.id = es.current_state_id
		LEFT JOIN entities e ON e.kind = es.entity_kind AND e.id = es.entity_id
		WHERE ps.type != 'final'
		  AND es.last_transitioned_at <= ?
		  AND (? = 0 OR es.pipeline_id = ?)
		  AND (? = '' OR es.entity_kind = ?)
		ORDER BY es.last_transitioned_at ASC`

	rows, err := r.db.Query(query, cutoff.UTC().Format("2006-01-02 15:04:05"),
		pipelineID, pipelineID, entityKind, entityKind)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale entities: %w", err)
	}
	defer rows.Close()

	var stale []StaleEntityRow
	for rows.Next() {
		var s StaleEntityRow
		var lastBy sql.NullInt64
		err := rows.Scan(
			&s.EntityKind,
			&s.EntityID,
			&s.DisplayName,
			&s.PipelineID,
			&s.StateID,
			&s.StateCode,
			&s.StateName,
			&lastBy,
			&s.LastTransitionedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stale entity: %w", err)
		}
		s.LastTransitionedBy = int64Ptr(lastBy)
		stale = append(stale, s)
	}
	return stale, rows.Err()
}
