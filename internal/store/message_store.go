package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageData is one cross-reference row between a front-end message and a
// remote message. Evicted rows keep their keys but are no longer resolvable.
type MessageData struct {
	ID            uuid.UUID `json:"id"`
	ContextID     int64     `json:"context_id"`
	FrontendMsgID int       `json:"frontend_msg_id"`
	RemoteChat    string    `json:"remote_chat"`
	RemoteMsgID   string    `json:"remote_msg_id"`
	Direction     string    `json:"direction"`
	Author        string    `json:"author"`
	Evicted       bool      `json:"evicted"`
	CreatedAt     time.Time `json:"created_at"`
}

// MessageStore persists the message cross-reference ledger, keyed both ways.
// Getters return (nil, nil) when no row exists.
type MessageStore interface {
	PutMessage(ctx context.Context, msg *MessageData) error
	GetByFrontend(ctx context.Context, contextID int64, frontendMsgID int) (*MessageData, error)
	GetByRemote(ctx context.Context, remoteChat, remoteMsgID string) (*MessageData, error)
	MarkEvicted(ctx context.Context, contextID int64, frontendMsgID int) error
}
