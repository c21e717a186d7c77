package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/nextlevelbuilder/chatbridge/internal/config"
	"github.com/nextlevelbuilder/chatbridge/internal/store"
	"github.com/nextlevelbuilder/chatbridge/internal/store/pg"
	"github.com/nextlevelbuilder/chatbridge/internal/store/sqlite"
	"github.com/nextlevelbuilder/chatbridge/internal/upgrade"
)

// openStores opens the configured backend. In managed mode the Postgres
// schema must match this binary before anything is read.
func openStores(ctx context.Context, cfg *config.Config) (*store.Stores, error) {
	sc := store.StoreConfig{
		Mode:        cfg.Database.Mode,
		PostgresDSN: cfg.Database.PostgresDSN,
		SQLitePath:  cfg.SQLitePath(),
	}
	if !cfg.IsManagedMode() {
		return sqlite.NewStores(ctx, sc)
	}
	if sc.PostgresDSN == "" {
		return nil, errors.New("managed mode requires CHATBRIDGE_POSTGRES_DSN")
	}
	if err := checkSchema(ctx, sc.PostgresDSN); err != nil {
		return nil, err
	}
	return pg.NewPGStores(sc)
}

// checkSchema refuses to start on a schema this binary cannot use. An
// outdated schema is migrated when CHATBRIDGE_AUTO_UPGRADE=true.
func checkSchema(ctx context.Context, dsn string) error {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	if err != nil {
		return fmt.Errorf("check schema: %w", err)
	}
	err = s.Err()
	if errors.Is(err, upgrade.ErrSchemaOutdated) && autoUpgrade() {
		slog.Info("schema outdated, migrating", "current", s.Current, "required", s.Required)
		return applyMigrations(ctx, dsn)
	}
	if err != nil {
		fmt.Print(s.Remedy())
		return err
	}
	return nil
}

func autoUpgrade() bool {
	v := os.Getenv("CHATBRIDGE_AUTO_UPGRADE")
	return v == "true" || v == "1"
}
