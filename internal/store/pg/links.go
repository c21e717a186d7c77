package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// PGLinkStore implements store.LinkStore backed by Postgres.
// chat_links holds one row per context with a TEXT[] of remote chats;
// chat_link_index is the reverse index keyed by remote chat.
type PGLinkStore struct {
	db *sql.DB
}

func NewPGLinkStore(db *sql.DB) *PGLinkStore {
	return &PGLinkStore{db: db}
}

func (s *PGLinkStore) ListLinks(ctx context.Context) ([]store.LinkData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, context_kind, remote_chats, multi_binding, updated_at
		 FROM chat_links ORDER BY updated_at`)
	if err != nil {
		return nil, classify("list links", err)
	}
	defer rows.Close()

	var links []store.LinkData
	for rows.Next() {
		var d store.LinkData
		if err := rows.Scan(&d.ContextID, &d.ContextKind, pq.Array(&d.RemoteChats), &d.MultiBinding, &d.UpdatedAt); err != nil {
			return nil, classify("scan link", err)
		}
		links = append(links, d)
	}
	return links, classify("list links", rows.Err())
}

func (s *PGLinkStore) PutLink(ctx context.Context, link store.LinkData) error {
	if len(link.RemoteChats) == 0 && !link.MultiBinding {
		return s.DeleteLink(ctx, link.ContextID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin put link", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_links (context_id, context_kind, remote_chats, multi_binding, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (context_id) DO UPDATE SET
		   context_kind = EXCLUDED.context_kind,
		   remote_chats = EXCLUDED.remote_chats,
		   multi_binding = EXCLUDED.multi_binding,
		   updated_at = EXCLUDED.updated_at`,
		link.ContextID, link.ContextKind, pq.Array(link.RemoteChats), link.MultiBinding, now,
	); err != nil {
		return classify("upsert link", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chat_link_index WHERE context_id = $1 AND NOT (remote_chat = ANY($2))`,
		link.ContextID, pq.Array(link.RemoteChats),
	); err != nil {
		return classify("prune link index", err)
	}

	for _, remote := range link.RemoteChats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_link_index (remote_chat, context_id) VALUES ($1, $2)
			 ON CONFLICT (remote_chat) DO UPDATE SET context_id = EXCLUDED.context_id`,
			remote, link.ContextID,
		); err != nil {
			return classify("index link", err)
		}
	}

	return classify("commit put link", tx.Commit())
}

func (s *PGLinkStore) DeleteLink(ctx context.Context, contextID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin delete link", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_link_index WHERE context_id = $1`, contextID); err != nil {
		return classify("delete link index", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_links WHERE context_id = $1`, contextID); err != nil {
		return classify("delete link", err)
	}
	return classify("commit delete link", tx.Commit())
}

func (s *PGLinkStore) LookupContext(ctx context.Context, remoteChat string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT context_id FROM chat_link_index WHERE remote_chat = $1`, remoteChat,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("lookup context", err)
	}
	return id, true, nil
}
