package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"flowline/pkg/models"
)

type UserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *UserRepo {
	return &UserRepo{db: db}
}

const userColumns = `id, username, is_admin, permissions, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var permissions string

	err := row.Scan(&u.ID, &u.Username, &u.IsAdmin, &permissions, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if permissions != "" {
		if err := json.Unmarshal([]byte(permissions), &u.Permissions); err != nil {
			return nil, fmt.Errorf("failed to decode user permissions: %w", err)
		}
	}
	return &u, nil
}

func (r *UserRepo) Create(username string, isAdmin bool, permissions []string) (*models.User, error) {
	if permissions == nil {
		permissions = []string{}
	}
	encoded, err := json.Marshal(permissions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode permissions: %w", err)
	}

	query := `
		INSERT INTO users (username, is_admin, permissions)
		VALUES (?, ?, ?)
		RETURNING ` + userColumns

	user, err := scanUser(r.db.QueryRow(query, username, isAdmin, string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

func (r *UserRepo) GetByID(id int64) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = ?`
	return scanUser(r.db.QueryRow(query, id))
}

func (r *UserRepo) GetByUsername(username string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE username = ?`
	return scanUser(r.db.QueryRow(query, username))
}

func (r *UserRepo) List() ([]*models.User, error) {
	rows, err := r.db.Query(`SELECT ` + userColumns + ` FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
