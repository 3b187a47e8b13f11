package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type EntityRepo struct {
	db *sql.DB
}

func NewEntityRepo(db *sql.DB) *EntityRepo {
	return &EntityRepo{db: db}
}

const entityColumns = `id, kind, display_name, attrs, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (*models.Entity, error) {
	var e models.Entity
	var attrs sql.NullString

	err := row.Scan(&e.ID, &e.Kind, &e.DisplayName, &attrs, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Attrs = rawJSON(attrs)
	return &e, nil
}

func (r *EntityRepo) Create(kind, displayName string, attrs json.RawMessage) (*models.Entity, error) {
	return r.create(r.db, kind, displayName, attrs)
}

// CreateTx creates an entity within a transaction, used by create_record
// actions so the new record rolls back with an aborted transition.
func (r *EntityRepo) CreateTx(tx *sql.Tx, kind, displayName string, attrs json.RawMessage) (*models.Entity, error) {
	return r.create(tx, kind, displayName, attrs)
}

func (r *EntityRepo) create(q querier, kind, displayName string, attrs json.RawMessage) (*models.Entity, error) {
	if len(attrs) == 0 {
		attrs = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO entities (kind, display_name, attrs)
		VALUES (?, ?, ?)
		RETURNING ` + entityColumns

	entity, err := scanEntity(q.QueryRow(query, kind, displayName, string(attrs)))
	if err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}
	return entity, nil
}

func (r *EntityRepo) Get(kind string, id int64) (*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE kind = ? AND id = ?`
	return scanEntity(r.db.QueryRow(query, kind, id))
}

func (r *EntityRepo) ListByKind(kind string) ([]*models.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE kind = ? ORDER BY id`

	rows, err := r.db.Query(query, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// Attrs returns the decoded attribute map used for guard evaluation.
func (r *EntityRepo) Attrs(kind string, id int64) (map[string]any, error) {
	entity, err := r.Get(kind, id)
	if err != nil {
		return nil, err
	}

	attrs := make(map[string]any)
	if len(entity.Attrs) > 0 {
		if err := json.Unmarshal(entity.Attrs, &attrs); err != nil {
			return nil, fmt.Errorf("failed to decode entity attrs: %w", err)
		}
	}
	return attrs, nil
}

func (r *EntityRepo) UpdateAttrs(kind string, id int64, attrs json.RawMessage) error {
	return r.updateAttrs(r.db, kind, id, attrs)
}

// UpdateAttrsTx is the transactional variant used by update_field actions so
// field writes roll back with an aborted transition.
func (r *EntityRepo) UpdateAttrsTx(tx *sql.Tx, kind string, id int64, attrs json.RawMessage) error {
	return r.updateAttrs(tx, kind, id, attrs)
}

func (r *EntityRepo) updateAttrs(q querier, kind string, id int64, attrs json.RawMessage) error {
	res, err := q.Exec(
		`UPDATE entities SET attrs = ?, updated_at = CURRENT_TIMESTAMP WHERE kind = ? AND id = ?`,
		string(attrs), kind, id)
	if err != nil {
		return fmt.Errorf("failed to update entity attrs: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetAttrTx updates a single attribute key inside a transaction.
func (r *EntityRepo) SetAttrTx(tx *sql.Tx, kind string, id int64, field string, value any) error {
	entity, err := scanEntity(tx.QueryRow(
		`SELECT `+entityColumns+` FROM entities WHERE kind = ? AND id = ?`, kind, id))
	if err != nil {
		return err
	}

	attrs := make(map[string]any)
	if len(entity.Attrs) > 0 {
		if err := json.Unmarshal(entity.Attrs, &attrs); err != nil {
			return fmt.Errorf("failed to decode entity attrs: %w", err)
		}
	}
	attrs[field] = value

	encoded, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode entity attrs: %w", err)
	}
	return r.updateAttrs(tx, kind, id, encoded)
}

func (r *EntityRepo) Delete(kind string, id int64) error {
	_, err := r.db.Exec(`DELETE FROM entities WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity: %w", err)
	}
	return nil
}
