package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// DataHookFunc transforms rows after a schema version's SQL migration. It runs
// inside a transaction that also records the hook as applied.
type DataHookFunc func(ctx context.Context, tx *sql.Tx) error

type dataHook struct {
	schemaVersion uint
	name          string
	fn            DataHookFunc
}

// Hooks is an ordered set of data hooks, applied at most once per database.
type Hooks struct {
	hooks []dataHook
}

// DefaultHooks holds the hooks registered by this package.
var DefaultHooks = &Hooks{}

// Register adds a hook. Name must be unique; hooks run in registration order.
func (h *Hooks) Register(schemaVersion uint, name string, fn DataHookFunc) {
	for _, existing := range h.hooks {
		if existing.name == name {
			panic(fmt.Sprintf("upgrade: duplicate data hook %q", name))
		}
	}
	h.hooks = append(h.hooks, dataHook{schemaVersion: schemaVersion, name: name, fn: fn})
}

// Pending returns the names of hooks not yet applied to db.
func (h *Hooks) Pending(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, hook := range h.hooks {
		if !applied[hook.name] {
			pending = append(pending, hook.name)
		}
	}
	return pending, nil
}

// Run applies every pending hook and returns how many ran. A failing hook
// rolls back alone; hooks applied before it stay applied.
func (h *Hooks) Run(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, hook := range h.hooks {
		if applied[hook.name] {
			continue
		}
		slog.Info("running data hook", "name", hook.name, "schema_version", hook.schemaVersion)
		start := time.Now()
		if err := runHook(ctx, db, hook); err != nil {
			return count, err
		}
		slog.Info("data hook complete", "name", hook.name, "duration", time.Since(start))
		count++
	}
	return count, nil
}

func runHook(ctx context.Context, db *sql.DB, hook dataHook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin data hook %q: %w", hook.name, err)
	}
	defer tx.Rollback()

	if err := hook.fn(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q failed: %w", hook.name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO data_migrations (name, version, applied_at) VALUES ($1, $2, CURRENT_TIMESTAMP)",
		hook.name, hook.schemaVersion,
	); err != nil {
		return fmt.Errorf("record data hook %q: %w", hook.name, err)
	}
	return tx.Commit()
}

// PendingHooks lists DefaultHooks not yet applied to db.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	return DefaultHooks.Pending(ctx, db)
}

// RunPendingHooks applies DefaultHooks to db.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	return DefaultHooks.Run(ctx, db)
}

func loadApplied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS data_migrations (
			name       VARCHAR(255) PRIMARY KEY,
			version    INT NOT NULL,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure data_migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM data_migrations")
	if err != nil {
		return nil, fmt.Errorf("query data_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}
