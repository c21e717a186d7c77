package upgrade

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"testing"
)

func TestHooksRunOnce(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	if _, err := db.Exec(`CREATE TABLE notes (body TEXT)`); err != nil {
		t.Fatal(err)
	}

	h := &Hooks{}
	h.Register(1, "001_seed", func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO notes (body) VALUES ('seeded')`)
		return err
	})
	h.Register(1, "002_noop", func(context.Context, *sql.Tx) error { return nil })

	pending, err := h.Pending(ctx, db)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if !slices.Equal(pending, []string{"001_seed", "002_noop"}) {
		t.Errorf("pending = %v", pending)
	}

	for i, want := range []int{2, 0} {
		n, err := h.Run(ctx, db)
		if err != nil {
			t.Fatalf("Run #%d: %v", i, err)
		}
		if n != want {
			t.Errorf("Run #%d applied %d hooks, want %d", i, n, want)
		}
	}

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("notes has %d rows, want 1", rows)
	}
}

func TestFailingHookRollsBack(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	if _, err := db.Exec(`CREATE TABLE notes (body TEXT)`); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	h := &Hooks{}
	h.Register(1, "001_ok", func(context.Context, *sql.Tx) error { return nil })
	h.Register(1, "002_fail", func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO notes (body) VALUES ('partial')`); err != nil {
			return err
		}
		return boom
	})

	n, err := h.Run(ctx, db)
	if !errors.Is(err, boom) || n != 1 {
		t.Fatalf("Run = %d, %v; want 1, boom", n, err)
	}
	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM notes`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 0 {
		t.Errorf("failed hook left %d rows", rows)
	}
	pending, err := h.Pending(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(pending, []string{"002_fail"}) {
		t.Errorf("pending = %v", pending)
	}
}

func TestRegisterDuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("duplicate name did not panic")
		}
	}()
	h := &Hooks{}
	h.Register(1, "x", func(context.Context, *sql.Tx) error { return nil })
	h.Register(1, "x", func(context.Context, *sql.Tx) error { return nil })
}
