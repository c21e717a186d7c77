package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// PGChatStore implements store.ChatStore backed by Postgres.
// Insertion order is kept by the BIGSERIAL seq column, which upserts never touch.
type PGChatStore struct {
	db *sql.DB
}

func NewPGChatStore(db *sql.DB) *PGChatStore {
	return &PGChatStore{db: db}
}

func (s *PGChatStore) UpsertChat(ctx context.Context, c chat.RemoteChat) error {
	vendor, err := json.Marshal(c.Vendor)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remote_chats (channel_id, chat_id, channel_name, name, alias, kind, description, notification, vendor, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (channel_id, chat_id) DO UPDATE SET
		   channel_name = EXCLUDED.channel_name,
		   name = EXCLUDED.name,
		   alias = EXCLUDED.alias,
		   kind = EXCLUDED.kind,
		   description = EXCLUDED.description,
		   notification = EXCLUDED.notification,
		   vendor = EXCLUDED.vendor,
		   updated_at = EXCLUDED.updated_at`,
		c.ChannelID, c.ChatID, c.ChannelName, c.Name, c.Alias, string(c.Kind),
		c.Description, string(c.Notification), string(vendor), c.UpdatedAt,
	)
	return classify("upsert chat", err)
}

func (s *PGChatStore) ListChats(ctx context.Context, channelID string) ([]chat.RemoteChat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, chat_id, channel_name, name, alias, kind, description, notification, vendor, updated_at
		 FROM remote_chats WHERE ($1 = '' OR channel_id = $1) ORDER BY seq`, channelID)
	if err != nil {
		return nil, classify("list chats", err)
	}
	defer rows.Close()

	var chats []chat.RemoteChat
	for rows.Next() {
		var c chat.RemoteChat
		var kind, notification string
		var vendor []byte
		if err := rows.Scan(&c.ChannelID, &c.ChatID, &c.ChannelName, &c.Name, &c.Alias, &kind,
			&c.Description, &notification, &vendor, &c.UpdatedAt); err != nil {
			return nil, classify("scan chat", err)
		}
		c.Kind = chat.Kind(kind)
		c.Notification = chat.Notification(notification)
		if len(vendor) > 0 {
			if err := json.Unmarshal(vendor, &c.Vendor); err != nil {
				return nil, err
			}
		}
		chats = append(chats, c)
	}
	return chats, classify("list chats", rows.Err())
}
