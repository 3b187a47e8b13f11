package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type PipelineRepo struct {
	db *sql.DB
}

func NewPipelineRepo(db *sql.DB) *PipelineRepo {
	return &PipelineRepo{db: db}
}

const pipelineColumns = `id, name, code, entity_kind, description, version, is_active, conditions, created_by, created_at, updated_at`

func scanPipeline(row interface{ Scan(...any) error }) (*models.Pipeline, error) {
	var p models.Pipeline
	var description, conditions sql.NullString
	var createdBy sql.NullInt64

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Code,
		&p.EntityKind,
		&description,
		&p.Version,
		&p.IsActive,
		&conditions,
		&createdBy,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	p.Description = stringPtr(description)
	p.Conditions = rawJSON(conditions)
	p.CreatedBy = int64Ptr(createdBy)
	return &p, nil
}

type CreatePipelineParams struct {
	Name        string
	Code        string
	EntityKind  string
	Description *string
	Conditions  json.RawMessage
	CreatedBy   *int64
}

func (r *PipelineRepo) Create(params CreatePipelineParams) (*models.Pipeline, error) {
	query := `
		INSERT INTO pipelines (name, code, entity_kind, description, conditions, created_by)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING ` + pipelineColumns

	pipeline, err := scanPipeline(r.db.QueryRow(query,
		params.Name,
		params.Code,
		params.EntityKind,
		nullString(params.Description),
		nullJSON(params.Conditions),
		nullInt64(params.CreatedBy),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}
	return pipeline, nil
}

func (r *PipelineRepo) GetByID(id int64) (*models.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE id = ?`
	return scanPipeline(r.db.QueryRow(query, id))
}

func (r *PipelineRepo) GetByCode(code string) (*models.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE code = ?`
	return scanPipeline(r.db.QueryRow(query, code))
}

// GetActiveByEntityKind returns active pipelines registered for an entity kind.
func (r *PipelineRepo) GetActiveByEntityKind(kind string) ([]*models.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines WHERE entity_kind = ? AND is_active = TRUE ORDER BY id`
	return r.queryPipelines(query, kind)
}

func (r *PipelineRepo) List() ([]*models.Pipeline, error) {
	query := `SELECT ` + pipelineColumns + ` FROM pipelines ORDER BY name`
	return r.queryPipelines(query)
}

func (r *PipelineRepo) queryPipelines(query string, args ...any) ([]*models.Pipeline, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*models.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, rows.Err()
}

type UpdatePipelineParams struct {
	ID          int64
	Name        string
	Description *string
	IsActive    bool
	Conditions  json.RawMessage
}

func (r *PipelineRepo) Update(params UpdatePipelineParams) error {
	query := `
		UPDATE pipelines
		SET name = ?, description = ?, is_active = ?, conditions = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`

	_, err := r.db.Exec(query,
		params.Name,
		nullString(params.Description),
		params.IsActive,
		nullJSON(params.Conditions),
		params.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update pipeline: %w", err)
	}
	return nil
}

// BumpVersion increments the pipeline version. Called on every structural
// edit to states, transitions or actions.
func (r *PipelineRepo) BumpVersion(id int64) error {
	_, err := r.db.Exec(
		`UPDATE pipelines SET version = version + 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to bump pipeline version: %w", err)
	}
	return nil
}

func (r *PipelineRepo) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM pipelines WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pipeline: %w", err)
	}
	return nil
}
