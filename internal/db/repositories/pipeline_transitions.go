package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type TransitionRepo struct {
	db *sql.DB
}

func NewTransitionRepo(db *sql.DB) *TransitionRepo {
	return &TransitionRepo{db: db}
}

const transitionColumns = `id, pipeline_id, from_state_id, to_state_id, code, name, description,
	required_permission, guard_conditions, requires_confirmation, requires_comment,
	requires_approval, sort_order, is_active, created_at, updated_at`

func scanTransition(row interface{ Scan(...any) error }) (*models.PipelineTransition, error) {
	var t models.PipelineTransition
	var description, requiredPermission, guardConditions sql.NullString

	err := row.Scan(
		&t.ID,
		&t.PipelineID,
		&t.FromStateID,
		&t.ToStateID,
		&t.Code,
		&t.Name,
		&description,
		&requiredPermission,
		&guardConditions,
		&t.RequiresConfirmation,
		&t.RequiresComment,
		&t.RequiresApproval,
		&t.SortOrder,
		&t.IsActive,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Description = stringPtr(description)
	t.RequiredPermission = stringPtr(requiredPermission)
	t.GuardConditions = rawJSON(guardConditions)
	return &t, nil
}

type CreateTransitionParams struct {
	PipelineID           int64
	FromStateID          int64
	ToStateID            int64
	Code                 string
	Name                 string
	Description          *string
	RequiredPermission   *string
	GuardConditions      json.RawMessage
	RequiresConfirmation bool
	RequiresComment      bool
	RequiresApproval     bool
	SortOrder            int64
	IsActive             bool
}

func (r *TransitionRepo) Create(params CreateTransitionParams) (*models.PipelineTransition, error) {
	query := `
		INSERT INTO pipeline_transitions (
			pipeline_id, from_state_id, to_state_id, code, name, description,
			required_permission, guard_conditions, requires_confirmation,
			requires_comment, requires_approval, sort_order, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + transitionColumns

	transition, err := scanTransition(r.db.QueryRow(query,
		params.PipelineID,
		params.FromStateID,
		params.ToStateID,
		params.Code,
		params.Name,
		nullString(params.Description),
		nullString(params.RequiredPermission),
		nullJSON(params.GuardConditions),
		params.RequiresConfirmation,
		params.RequiresComment,
		params.RequiresApproval,
		params.SortOrder,
		params.IsActive,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create transition: %w", err)
	}
	return transition, nil
}

func (r *TransitionRepo) GetByID(id int64) (*models.PipelineTransition, error) {
	query := `SELECT ` + transitionColumns + ` FROM pipeline_transitions WHERE id = ?`
	return scanTransition(r.db.QueryRow(query, id))
}

// GetByEdge returns the transition connecting an ordered pair of states, if
// any. At most one exists per (pipeline, from, to).
func (r *TransitionRepo) GetByEdge(pipelineID, fromStateID, toStateID int64) (*models.PipelineTransition, error) {
	query := `
		SELECT ` + transitionColumns + `
		FROM pipeline_transitions
		WHERE pipeline_id = ? AND from_state_id = ? AND to_state_id = ?`
	return scanTransition(r.db.QueryRow(query, pipelineID, fromStateID, toStateID))
}

func (r *TransitionRepo) ListByPipeline(pipelineID int64) ([]*models.PipelineTransition, error) {
	query := `
		SELECT ` + transitionColumns + `
		FROM pipeline_transitions
		WHERE pipeline_id = ?
		ORDER BY sort_order, id`
	return r.queryTransitions(query, pipelineID)
}

// ListActiveFrom returns the active transitions leaving a state, in display
// order. This is the candidate set for an entity sitting in that state.
func (r *TransitionRepo) ListActiveFrom(fromStateID int64) ([]*models.PipelineTransition, error) {
	query := `
		SELECT ` + transitionColumns + `
		FROM pipeline_transitions
		WHERE from_state_id = ? AND is_active = TRUE
		ORDER BY sort_order, id`
	return r.queryTransitions(query, fromStateID)
}

func (r *TransitionRepo) queryTransitions(query string, args ...any) ([]*models.PipelineTransition, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var transitions []*models.PipelineTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

type UpdateTransitionParams struct {
	ID                   int64
	Code                 string
	Name                 string
	Description          *string
	RequiredPermission   *string
	GuardConditions      json.RawMessage
	RequiresConfirmation bool
	RequiresComment      bool
	RequiresApproval     bool
	SortOrder            int64
	IsActive             bool
}

func (r *TransitionRepo) Update(params UpdateTransitionParams) error {
	query := `
		UPDATE pipeline_transitions
		SET code = ?, name = ?, description = ?, required_permission = ?,
		    guard_conditions = ?, requires_confirmation = ?, requires_comment = ?,
		    requires_approval = ?, sort_order = ?, is_active = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	_, err := r.db.Exec(query,
		params.Code,
		params.Name,
		nullString(params.Description),
		nullString(params.RequiredPermission),
		nullJSON(params.GuardConditions),
		params.RequiresConfirmation,
		params.RequiresComment,
		params.RequiresApproval,
		params.SortOrder,
		params.IsActive,
		params.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transition: %w", err)
	}
	return nil
}

func (r *TransitionRepo) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM pipeline_transitions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transition: %w", err)
	}
	return nil
}
