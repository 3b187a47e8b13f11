package repositories

import (
	"database/sql"
	"fmt"
	"time"

	"flowline/pkg/models"
)

type ApprovalRepo struct {
	db *sql.DB
}

func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

const approvalColumns = `id, approval_id, pipeline_id, transition_id, entity_kind, entity_id,
	requested_by, comment, status, decided_by, decided_at, decision_reason, created_at, updated_at`

func scanApproval(row interface{ Scan(...any) error }) (*models.TransitionApproval, error) {
	var a models.TransitionApproval
	var requestedBy, decidedBy sql.NullInt64
	var comment, decisionReason sql.NullString
	var decidedAt sql.NullTime

	err := row.Scan(
		&a.ID,
		&a.ApprovalID,
		&a.PipelineID,
		&a.TransitionID,
		&a.EntityKind,
		&a.EntityID,
		&requestedBy,
		&comment,
		&a.Status,
		&decidedBy,
		&decidedAt,
		&decisionReason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.RequestedBy = int64Ptr(requestedBy)
	a.Comment = stringPtr(comment)
	a.DecidedBy = int64Ptr(decidedBy)
	a.DecisionReason = stringPtr(decisionReason)
	if decidedAt.Valid {
		t := decidedAt.Time
		a.DecidedAt = &t
	}
	return &a, nil
}

type CreateApprovalParams struct {
	ApprovalID   string
	PipelineID   int64
	TransitionID int64
	EntityKind   string
	EntityID     int64
	RequestedBy  *int64
	Comment      *string
}

func (r *ApprovalRepo) Create(params CreateApprovalParams) (*models.TransitionApproval, error) {
	return r.create(r.db, params)
}

// CreateTx creates an approval within a transaction.
func (r *ApprovalRepo) CreateTx(tx *sql.Tx, params CreateApprovalParams) (*models.TransitionApproval, error) {
	return r.create(tx, params)
}

func (r *ApprovalRepo) create(q querier, params CreateApprovalParams) (*models.TransitionApproval, error) {
	query := `
		INSERT INTO transition_approvals (
			approval_id, pipeline_id, transition_id, entity_kind, entity_id, requested_by, comment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + approvalColumns

	approval, err := scanApproval(q.QueryRow(query,
		params.ApprovalID,
		params.PipelineID,
		params.TransitionID,
		params.EntityKind,
		params.EntityID,
		nullInt64(params.RequestedBy),
		nullString(params.Comment),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return approval, nil
}

func (r *ApprovalRepo) GetByApprovalID(approvalID string) (*models.TransitionApproval, error) {
	query := `SELECT ` + approvalColumns + ` FROM transition_approvals WHERE approval_id = ?`
	return scanApproval(r.db.QueryRow(query, approvalID))
}

// GetPending returns the open approval for an entity+transition pair, if one
// exists. At most one pending approval per pair is kept.
func (r *ApprovalRepo) GetPending(transitionID int64, entityKind string, entityID int64) (*models.TransitionApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM transition_approvals
		WHERE transition_id = ? AND entity_kind = ? AND entity_id = ? AND status = 'pending'
		ORDER BY id DESC
		LIMIT 1`
	return scanApproval(r.db.QueryRow(query, transitionID, entityKind, entityID))
}

func (r *ApprovalRepo) ListPending(entityKind string, entityID int64) ([]*models.TransitionApproval, error) {
	query := `
		SELECT ` + approvalColumns + `
		FROM transition_approvals
		WHERE entity_kind = ? AND entity_id = ? AND status = 'pending'
		ORDER BY created_at DESC`

	rows, err := r.db.Query(query, entityKind, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.TransitionApproval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// Decide resolves a pending approval. Returns sql.ErrNoRows semantics via the
// follow-up read if the approval does not exist.
func (r *ApprovalRepo) Decide(approvalID, status string, decidedBy int64, reason *string) (*models.TransitionApproval, error) {
	query := `
		UPDATE transition_approvals
		SET status = ?, decided_by = ?, decided_at = ?, decision_reason = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE approval_id = ? AND status = 'pending'`

	res, err := r.db.Exec(query, status, decidedBy,
		time.Now().UTC().Format("2006-01-02 15:04:05"), nullString(reason), approvalID)
	if err != nil {
		return nil, fmt.Errorf("failed to decide approval: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}

	return r.GetByApprovalID(approvalID)
}
