package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type StateRepo struct {
	db *sql.DB
}

func NewStateRepo(db *sql.DB) *StateRepo {
	return &StateRepo{db: db}
}

const stateColumns = `id, pipeline_id, code, name, type, color, icon, description, sort_order, metadata, created_at, updated_at`

func scanState(row interface{ Scan(...any) error }) (*models.PipelineState, error) {
	var s models.PipelineState
	var color, icon, description, metadata sql.NullString

	err := row.Scan(
		&s.ID,
		&s.PipelineID,
		&s.Code,
		&s.Name,
		&s.Type,
		&color,
		&icon,
		&description,
		&s.SortOrder,
		&metadata,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	s.Color = stringPtr(color)
	s.Icon = stringPtr(icon)
	s.Description = stringPtr(description)
	s.Metadata = rawJSON(metadata)
	return &s, nil
}

type CreateStateParams struct {
	PipelineID  int64
	Code        string
	Name        string
	Type        models.StateType
	Color       *string
	Icon        *string
	Description *string
	SortOrder   int64
	Metadata    json.RawMessage
}

func (r *StateRepo) Create(params CreateStateParams) (*models.PipelineState, error) {
	query := `
		INSERT INTO pipeline_states (pipeline_id, code, name, type, color, icon, description, sort_order, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + stateColumns

	state, err := scanState(r.db.QueryRow(query,
		params.PipelineID,
		params.Code,
		params.Name,
		params.Type,
		nullString(params.Color),
		nullString(params.Icon),
		nullString(params.Description),
		params.SortOrder,
		nullJSON(params.Metadata),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline state: %w", err)
	}
	return state, nil
}

func (r *StateRepo) GetByID(id int64) (*models.PipelineState, error) {
	query := `SELECT ` + stateColumns + ` FROM pipeline_states WHERE id = ?`
	return scanState(r.db.QueryRow(query, id))
}

func (r *StateRepo) GetByCode(pipelineID int64, code string) (*models.PipelineState, error) {
	query := `SELECT ` + stateColumns + ` FROM pipeline_states WHERE pipeline_id = ? AND code = ?`
	return scanState(r.db.QueryRow(query, pipelineID, code))
}

// GetInitial returns the first initial-type state of a pipeline. Sort order
// ties break by id ascending.
func (r *StateRepo) GetInitial(pipelineID int64) (*models.PipelineState, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM pipeline_states
		WHERE pipeline_id = ? AND type = 'initial'
		ORDER BY sort_order, id
		LIMIT 1`
	return scanState(r.db.QueryRow(query, pipelineID))
}

func (r *StateRepo) ListByPipeline(pipelineID int64) ([]*models.PipelineState, error) {
	query := `
		SELECT ` + stateColumns + `
		FROM pipeline_states
		WHERE pipeline_id = ?
		ORDER BY sort_order, id`

	rows, err := r.db.Query(query, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline states: %w", err)
	}
	defer rows.Close()

	var states []*models.PipelineState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline state: %w", err)
		}
		states = append(states, s)
	}
	return states, rows.Err()
}

type UpdateStateParams struct {
	ID          int64
	Code        string
	Name        string
	Type        models.StateType
	Color       *string
	Icon        *string
	Description *string
	SortOrder   int64
	Metadata    json.RawMessage
}

func (r *StateRepo) Update(params UpdateStateParams) error {
	query := `
		UPDATE pipeline_states
		SET code = ?, name = ?, type = ?, color = ?, icon = ?, description = ?,
		    sort_order = ?, metadata = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	_, err := r.db.Exec(query,
		params.Code,
		params.Name,
		params.Type,
		nullString(params.Color),
		nullString(params.Icon),
		nullString(params.Description),
		params.SortOrder,
		nullJSON(params.Metadata),
		params.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline state: %w", err)
	}
	return nil
}

func (r *StateRepo) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM pipeline_states WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline state: %w", err)
	}
	return nil
}

// CountEntitiesIn returns how many live entities currently sit in a state.
// Deleting a state with live entities would orphan them, so callers must
// check this first.
func (r *StateRepo) CountEntitiesIn(stateID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM entity_states WHERE current_state_id = ?`, stateID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities in state: %w", err)
	}
	return count, nil
}
