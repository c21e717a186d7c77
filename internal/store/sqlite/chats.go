package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// ChatStore implements store.ChatStore. Rows keep their AUTOINCREMENT seq on
// upsert, so listing order is first-seen order.
type ChatStore struct {
	db *sql.DB
}

func NewChatStore(db *sql.DB) *ChatStore {
	return &ChatStore{db: db}
}

func (s *ChatStore) UpsertChat(ctx context.Context, c chat.RemoteChat) error {
	vendor, err := json.Marshal(c.Vendor)
	if err != nil {
		return err
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO remote_chats (channel_id, chat_id, channel_name, name, alias, kind, description, notification, vendor, updated_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (channel_id, chat_id) DO UPDATE SET
		   channel_name = excluded.channel_name,
		   name = excluded.name,
		   alias = excluded.alias,
		   kind = excluded.kind,
		   description = excluded.description,
		   notification = excluded.notification,
		   vendor = excluded.vendor,
		   updated_ts = excluded.updated_ts`,
		c.ChannelID, c.ChatID, c.ChannelName, c.Name, c.Alias, string(c.Kind),
		c.Description, string(c.Notification), string(vendor), toMillis(c.UpdatedAt),
	)
	return classify("upsert chat", err)
}

func (s *ChatStore) ListChats(ctx context.Context, channelID string) ([]chat.RemoteChat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, chat_id, channel_name, name, alias, kind, description, notification, vendor, updated_ts
		 FROM remote_chats WHERE (? = '' OR channel_id = ?) ORDER BY seq`, channelID, channelID)
	if err != nil {
		return nil, classify("list chats", err)
	}
	defer rows.Close()

	var chats []chat.RemoteChat
	for rows.Next() {
		var c chat.RemoteChat
		var kind, notification, vendor string
		var updated int64
		if err := rows.Scan(&c.ChannelID, &c.ChatID, &c.ChannelName, &c.Name, &c.Alias, &kind,
			&c.Description, &notification, &vendor, &updated); err != nil {
			return nil, classify("scan chat", err)
		}
		c.Kind = chat.Kind(kind)
		c.Notification = chat.Notification(notification)
		c.UpdatedAt = fromMillis(updated)
		if err := json.Unmarshal([]byte(vendor), &c.Vendor); err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, classify("list chats", rows.Err())
}
