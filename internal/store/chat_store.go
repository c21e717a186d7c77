package store

import (
	"context"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// ChatStore persists remote chat metadata for listing and filtering.
type ChatStore interface {
	// UpsertChat inserts or refreshes a chat. The original insertion position is kept.
	UpsertChat(ctx context.Context, c chat.RemoteChat) error
	// ListChats returns chats in insertion order; an empty channelID lists all channels.
	ListChats(ctx context.Context, channelID string) ([]chat.RemoteChat, error)
}
