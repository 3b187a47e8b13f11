package repositories

import (
	"database/sql"
	"encoding/json"

	"flowline/internal/db"
)

type Repositories struct {
	Pipelines     *PipelineRepo
	States        *StateRepo
	Transitions   *TransitionRepo
	Actions       *ActionRepo
	EntityStates  *EntityStateRepo
	StateLogs     *StateLogRepo
	Approvals     *ApprovalRepo
	Entities      *EntityRepo
	Users         *UserRepo
	db            db.Database // Store reference to database for transactions
}

func New(database db.Database) *Repositories {
	conn := database.Conn()

	return &Repositories{
		Pipelines:    NewPipelineRepo(conn),
		States:       NewStateRepo(conn),
		Transitions:  NewTransitionRepo(conn),
		Actions:      NewActionRepo(conn),
		EntityStates: NewEntityStateRepo(conn),
		StateLogs:    NewStateLogRepo(conn),
		Approvals:    NewApprovalRepo(conn),
		Entities:     NewEntityRepo(conn),
		Users:        NewUserRepo(conn),
		db:           database,
	}
}

// BeginTx starts a write transaction. The connection string sets
// _txlock=immediate, so the write lock is taken at BEGIN rather than at the
// first write.
func (r *Repositories) BeginTx() (*sql.Tx, error) {
	return r.db.Conn().Begin()
}

// querier abstracts *sql.DB and *sql.Tx so repository methods can run inside
// or outside a transaction.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func rawJSON(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
