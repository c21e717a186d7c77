package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "schema.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCheckSchema(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		wantErr error
	}{
		{"compatible", RequiredSchemaVersion, false, nil},
		{"outdated", RequiredSchemaVersion - 1, false, ErrSchemaOutdated},
		{"ahead", RequiredSchemaVersion + 1, false, ErrSchemaAhead},
		{"dirty", RequiredSchemaVersion, true, ErrSchemaDirty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			if _, err := db.Exec(`CREATE TABLE schema_migrations (version INTEGER NOT NULL, dirty BOOLEAN NOT NULL)`); err != nil {
				t.Fatal(err)
			}
			if _, err := db.Exec(`INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)`, tt.version, tt.dirty); err != nil {
				t.Fatal(err)
			}
			s, err := CheckSchema(context.Background(), db)
			if err != nil {
				t.Fatalf("CheckSchema: %v", err)
			}
			if got := s.Err(); !errors.Is(got, tt.wantErr) || (tt.wantErr == nil && got != nil) {
				t.Errorf("Err() = %v, want %v", got, tt.wantErr)
			}
			if tt.wantErr != nil && !strings.Contains(s.Remedy(), "chatbridge") {
				t.Errorf("Remedy = %q", s.Remedy())
			}
		})
	}
}

func TestCheckSchemaFreshDatabase(t *testing.T) {
	s, err := CheckSchema(context.Background(), openDB(t))
	if err != nil {
		t.Fatalf("CheckSchema: %v", err)
	}
	if s.State != StateOutdated || !errors.Is(s.Err(), ErrSchemaOutdated) {
		t.Errorf("status = %+v, want outdated", s)
	}
}
