package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// State classifies a database schema against RequiredSchemaVersion.
type State int

const (
	StateCurrent  State = iota // matches this binary
	StateOutdated              // migrations pending, including a fresh database
	StateAhead                 // written by a newer binary
	StateDirty                 // a migration failed partway
)

func (s State) String() string {
	switch s {
	case StateCurrent:
		return "UP TO DATE"
	case StateOutdated:
		return "UPGRADE NEEDED"
	case StateAhead:
		return "BINARY TOO OLD"
	case StateDirty:
		return "DIRTY (failed migration)"
	}
	return "UNKNOWN"
}

// SchemaStatus is the result of a schema compatibility check.
type SchemaStatus struct {
	Current  uint
	Required uint
	State    State
}

var (
	ErrSchemaOutdated = errors.New("database schema is outdated")
	ErrSchemaDirty    = errors.New("database schema is dirty (failed migration)")
	ErrSchemaAhead    = errors.New("database schema is newer than this binary")
)

// CheckSchema reads golang-migrate's schema_migrations row. A missing table
// or row means a fresh database, reported as StateOutdated.
func CheckSchema(ctx context.Context, db *sql.DB) (*SchemaStatus, error) {
	s := &SchemaStatus{Required: RequiredSchemaVersion, State: StateOutdated}

	var dirty bool
	err := db.QueryRowContext(ctx, "SELECT version, dirty FROM schema_migrations LIMIT 1").Scan(&s.Current, &dirty)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		return s, nil
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Most likely the table does not exist yet.
		return s, nil
	}

	switch {
	case dirty:
		s.State = StateDirty
	case s.Current == s.Required:
		s.State = StateCurrent
	case s.Current > s.Required:
		s.State = StateAhead
	}
	return s, nil
}

// Err returns nil for a current schema, otherwise the matching ErrSchema* value.
func (s *SchemaStatus) Err() error {
	switch s.State {
	case StateCurrent:
		return nil
	case StateDirty:
		return ErrSchemaDirty
	case StateAhead:
		return ErrSchemaAhead
	}
	return ErrSchemaOutdated
}

// Remedy tells the operator how to get from s to a current schema.
func (s *SchemaStatus) Remedy() string {
	switch s.State {
	case StateCurrent:
		return ""
	case StateDirty:
		return fmt.Sprintf("Migration to v%d failed partway.\n"+
			"  Fix:  chatbridge migrate force %d\n"+
			"  Then: chatbridge migrate up\n", s.Current, s.Current-1)
	case StateAhead:
		return fmt.Sprintf("Database schema v%d was written by a newer chatbridge (this binary requires v%d).\n"+
			"  Fix: upgrade the chatbridge binary.\n", s.Current, s.Required)
	}
	return fmt.Sprintf("Database schema is v%d, this binary requires v%d.\n"+
		"  Run: chatbridge migrate up\n"+
		"  Or set CHATBRIDGE_AUTO_UPGRADE=true to migrate on startup.\n", s.Current, s.Required)
}
