package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type StateLogRepo struct {
	db *sql.DB
}

func NewStateLogRepo(db *sql.DB) *StateLogRepo {
	return &StateLogRepo{db: db}
}

const stateLogColumns = `id, entity_state_id, entity_kind, entity_id, from_state_id, to_state_id,
	transition_id, performed_by, comment, metadata, ip_address, user_agent, created_at`

func scanStateLog(row interface{ Scan(...any) error }) (*models.StateLog, error) {
	var l models.StateLog
	var fromState, transitionID, performedBy sql.NullInt64
	var comment, metadata, ipAddress, userAgent sql.NullString

	err := row.Scan(
		&l.ID,
		&l.EntityStateID,
		&l.EntityKind,
		&l.EntityID,
		&fromState,
		&l.ToStateID,
		&transitionID,
		&performedBy,
		&comment,
		&metadata,
		&ipAddress,
		&userAgent,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	l.FromStateID = int64Ptr(fromState)
	l.TransitionID = int64Ptr(transitionID)
	l.PerformedBy = int64Ptr(performedBy)
	l.Comment = stringPtr(comment)
	l.Metadata = rawJSON(metadata)
	l.IPAddress = stringPtr(ipAddress)
	l.UserAgent = stringPtr(userAgent)
	return &l, nil
}

type AppendStateLogParams struct {
	EntityStateID int64
	EntityKind    string
	EntityID      int64
	FromStateID   *int64
	ToStateID     int64
	TransitionID  *int64
	PerformedBy   *int64
	Comment       *string
	Metadata      json.RawMessage
	IPAddress     *string
	UserAgent     *string
}

// AppendTx writes one audit row inside the transition transaction. Logs are
// append-only; there is no update or delete path.
func (r *StateLogRepo) AppendTx(tx *sql.Tx, params AppendStateLogParams) (*models.StateLog, error) {
	query := `
		INSERT INTO state_logs (
			entity_state_id, entity_kind, entity_id, from_state_id, to_state_id,
			transition_id, performed_by, comment, metadata, ip_address, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING ` + stateLogColumns

	entry, err := scanStateLog(tx.QueryRow(query,
		params.EntityStateID,
		params.EntityKind,
		params.EntityID,
		nullInt64(params.FromStateID),
		params.ToStateID,
		nullInt64(params.TransitionID),
		nullInt64(params.PerformedBy),
		nullString(params.Comment),
		nullJSON(params.Metadata),
		nullString(params.IPAddress),
		nullString(params.UserAgent),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to append state log: %w", err)
	}
	return entry, nil
}

// ListByEntity returns the reverse-chronological audit trail for one entity,
// paginated. Page numbers start at 1.
func (r *StateLogRepo) ListByEntity(entityKind string, entityID int64, page, perPage int64) ([]*models.StateLog, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 20
	}

	query := `
		SELECT ` + stateLogColumns + `
		FROM state_logs
		WHERE entity_kind = ? AND entity_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`

	rows, err := r.db.Query(query, entityKind, entityID, perPage, (page-1)*perPage)
	if err != nil {
		return nil, fmt.Errorf("failed to query state logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.StateLog
	for rows.Next() {
		l, err := scanStateLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan state log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (r *StateLogRepo) CountByEntity(entityKind string, entityID int64) (int64, error) {
	var count int64
	err := r.db.QueryRow(
		`SELECT COUNT(*) FROM state_logs WHERE entity_kind = ? AND entity_id = ?`,
		entityKind, entityID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count state logs: %w", err)
	}
	return count, nil
}
