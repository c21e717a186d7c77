package upgrade

import (
	"context"
	"database/sql"
)

func init() {
	DefaultHooks.Register(1, "001_rebuild_chat_link_index", rebuildChatLinkIndex)
}

// rebuildChatLinkIndex derives the reverse index from chat_links so rows
// imported without it become routable.
func rebuildChatLinkIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_link_index (remote_chat, context_id)
		SELECT chat, l.context_id
		FROM chat_links l, unnest(l.remote_chats) AS chat
		ON CONFLICT (remote_chat) DO NOTHING
	`)
	return err
}
