package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type ActionRepo struct {
	db *sql.DB
}

func NewActionRepo(db *sql.DB) *ActionRepo {
	return &ActionRepo{db: db}
}

const actionColumns = `id, transition_id, action_type, execution_order, config, is_async, on_failure, is_active, created_at, updated_at`

func scanAction(row interface{ Scan(...any) error }) (*models.TransitionAction, error) {
	var a models.TransitionAction
	var config sql.NullString

	err := row.Scan(
		&a.ID,
		&a.TransitionID,
		&a.ActionType,
		&a.ExecutionOrder,
		&config,
		&a.IsAsync,
		&a.OnFailure,
		&a.IsActive,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Config = rawJSON(config)
	return &a, nil
}

type CreateActionParams struct {
	TransitionID   int64
	ActionType     models.ActionType
	ExecutionOrder int64
	Config         json.RawMessage
	IsAsync        bool
	OnFailure      models.FailurePolicy
	IsActive       bool
}

func (r *ActionRepo) Create(params CreateActionParams) (*models.TransitionAction, error) {
	return r.create(r.db, params)
}

// CreateTx creates an action within a transaction, used when a transition is
// created together with its nested actions payload.
func (r *ActionRepo) CreateTx(tx *sql.Tx, params CreateActionParams) (*models.TransitionAction, error) {
	return r.create(tx, params)
}

func (r *ActionRepo) create(q querier, params CreateActionParams) (*models.TransitionAction, error) {
	query := `
		INSERT INTO transition_actions (
			transition_id, action_type, execution_order, config, is_async, on_failure, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + actionColumns

	config := params.Config
	if len(config) == 0 {
		config = json.RawMessage(`{}`)
	}

	action, err := scanAction(q.QueryRow(query,
		params.TransitionID,
		params.ActionType,
		params.ExecutionOrder,
		string(config),
		params.IsAsync,
		params.OnFailure,
		params.IsActive,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create transition action: %w", err)
	}
	return action, nil
}

// ListActiveByTransition returns the active actions of a transition in
// execution order. The order defines the side-effect sequence.
func (r *ActionRepo) ListActiveByTransition(transitionID int64) ([]*models.TransitionAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM transition_actions
		WHERE transition_id = ? AND is_active = TRUE
		ORDER BY execution_order, id`
	return r.queryActions(query, transitionID)
}

func (r *ActionRepo) ListByTransition(transitionID int64) ([]*models.TransitionAction, error) {
	query := `
		SELECT ` + actionColumns + `
		FROM transition_actions
		WHERE transition_id = ?
		ORDER BY execution_order, id`
	return r.queryActions(query, transitionID)
}

func (r *ActionRepo) queryActions(query string, args ...any) ([]*models.TransitionAction, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transition actions: %w", err)
	}
	defer rows.Close()

	var actions []*models.TransitionAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition action: %w", err)
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// DeleteByTransitionTx removes all actions of a transition inside a
// transaction. Used by replace-style updates of the nested actions payload.
func (r *ActionRepo) DeleteByTransitionTx(tx *sql.Tx, transitionID int64) error {
	_, err := tx.Exec(`DELETE FROM transition_actions WHERE transition_id = ?`, transitionID)
	if err != nil {
		return fmt.Errorf("failed to delete transition actions: %w", err)
	}
	return nil
}

func (r *ActionRepo) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM transition_actions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete transition action: %w", err)
	}
	return nil
}
