package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// LinkStore implements store.LinkStore. The set-valued remote_chats column is a JSON array.
type LinkStore struct {
	db *sql.DB
}

func NewLinkStore(db *sql.DB) *LinkStore {
	return &LinkStore{db: db}
}

func (s *LinkStore) ListLinks(ctx context.Context) ([]store.LinkData, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT context_id, context_kind, remote_chats, multi_binding, updated_ts
		 FROM chat_links ORDER BY updated_ts`)
	if err != nil {
		return nil, classify("list links", err)
	}
	defer rows.Close()

	var links []store.LinkData
	for rows.Next() {
		var d store.LinkData
		var remotes string
		var updated int64
		if err := rows.Scan(&d.ContextID, &d.ContextKind, &remotes, &d.MultiBinding, &updated); err != nil {
			return nil, classify("scan link", err)
		}
		if err := json.Unmarshal([]byte(remotes), &d.RemoteChats); err != nil {
			return nil, store.Fatal("decode link remote_chats", err)
		}
		d.UpdatedAt = fromMillis(updated)
		links = append(links, d)
	}
	return links, classify("list links", rows.Err())
}

func (s *LinkStore) PutLink(ctx context.Context, link store.LinkData) error {
	if len(link.RemoteChats) == 0 && !link.MultiBinding {
		return s.DeleteLink(ctx, link.ContextID)
	}
	remotes, err := json.Marshal(link.RemoteChats)
	if err != nil {
		return err
	}
	if link.RemoteChats == nil {
		remotes = []byte("[]")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin put link", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_links (context_id, context_kind, remote_chats, multi_binding, updated_ts)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (context_id) DO UPDATE SET
		   context_kind = excluded.context_kind,
		   remote_chats = excluded.remote_chats,
		   multi_binding = excluded.multi_binding,
		   updated_ts = excluded.updated_ts`,
		link.ContextID, link.ContextKind, string(remotes), link.MultiBinding, toMillis(time.Now()),
	); err != nil {
		return classify("upsert link", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_link_index WHERE context_id = ?`, link.ContextID); err != nil {
		return classify("clear link index", err)
	}
	for _, remote := range link.RemoteChats {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_link_index (remote_chat, context_id) VALUES (?, ?)
			 ON CONFLICT (remote_chat) DO UPDATE SET context_id = excluded.context_id`,
			remote, link.ContextID,
		); err != nil {
			return classify("index link", err)
		}
	}
	return classify("commit put link", tx.Commit())
}

func (s *LinkStore) DeleteLink(ctx context.Context, contextID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("begin delete link", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_link_index WHERE context_id = ?`, contextID); err != nil {
		return classify("delete link index", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chat_links WHERE context_id = ?`, contextID); err != nil {
		return classify("delete link", err)
	}
	return classify("commit delete link", tx.Commit())
}

func (s *LinkStore) LookupContext(ctx context.Context, remoteChat string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT context_id FROM chat_link_index WHERE remote_chat = ?`, remoteChat).Scan(&id)
	if isNoRows(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, classify("lookup context", err)
	}
	return id, true, nil
}
