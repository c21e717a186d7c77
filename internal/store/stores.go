package store

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Stores is the top-level container for all storage backends.
type Stores struct {
	Links    LinkStore
	Messages MessageStore
	Chats    ChatStore

	// Close releases the underlying database handle.
	Close func() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Mode        string // "standalone" (SQLite) or "managed" (Postgres)
	PostgresDSN string
	SQLitePath  string
}

// GenNewID returns a time-ordered UUID (v7) for new rows.
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// FatalError marks an unrecoverable persistence failure (corruption, schema
// mismatch). The engine must halt when it sees one.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal store error during %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatal wraps err as a FatalError.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Op: op, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
