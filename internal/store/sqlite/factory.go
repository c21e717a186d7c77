package sqlite

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/store"
)

// NewStores creates all stores backed by a single SQLite file (standalone mode).
func NewStores(ctx context.Context, cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(ctx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return &store.Stores{
		Links:    NewLinkStore(db),
		Messages: NewMessageStore(db),
		Chats:    NewChatStore(db),
		Close:    db.Close,
	}, nil
}
