// Package sqlite implements the store interfaces on an embedded SQLite file
// (standalone mode). The schema is created on open; no migration tool is needed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// OpenDB opens (creating if needed) the SQLite database at path and ensures the schema.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS chat_links (
			context_id INTEGER PRIMARY KEY,
			context_kind TEXT NOT NULL DEFAULT 'private',
			remote_chats TEXT NOT NULL DEFAULT '[]',
			multi_binding INTEGER NOT NULL DEFAULT 0,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS chat_link_index (
			remote_chat TEXT PRIMARY KEY,
			context_id INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_link_index_context ON chat_link_index(context_id)`,
		`CREATE TABLE IF NOT EXISTS message_refs (
			id TEXT PRIMARY KEY,
			context_id INTEGER NOT NULL,
			frontend_msg_id INTEGER NOT NULL,
			remote_chat TEXT NOT NULL,
			remote_msg_id TEXT NOT NULL,
			direction TEXT NOT NULL,
			author TEXT NOT NULL DEFAULT '',
			evicted INTEGER NOT NULL DEFAULT 0,
			created_ts BIGINT NOT NULL,
			UNIQUE (context_id, frontend_msg_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_refs_remote ON message_refs(remote_chat, remote_msg_id)`,
		`CREATE TABLE IF NOT EXISTS remote_chats (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			channel_name TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL DEFAULT '',
			alias TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'user',
			description TEXT NOT NULL DEFAULT '',
			notification TEXT NOT NULL DEFAULT '',
			vendor TEXT NOT NULL DEFAULT '{}',
			updated_ts BIGINT NOT NULL,
			UNIQUE (channel_id, chat_id)
		)`,
	}
	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// classify marks on-disk corruption as fatal; every other error is wrapped with op.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_CORRUPT") || strings.Contains(msg, "SQLITE_NOTADB") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") {
		return store.Fatal(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }
