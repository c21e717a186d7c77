package store

import (
	"context"
	"time"
)

// LinkData is one row of the binding table: a front-end context and the set of
// remote chats (rendered chat.Key strings) bound to it.
type LinkData struct {
	ContextID    int64     `json:"context_id"`
	ContextKind  string    `json:"context_kind"`
	RemoteChats  []string  `json:"remote_chats"`
	MultiBinding bool      `json:"multi_binding"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LinkStore persists the binding table plus its reverse index
// (remote chat → context) used for O(1) context resolution.
type LinkStore interface {
	// ListLinks returns every persisted context row.
	ListLinks(ctx context.Context) ([]LinkData, error)
	// PutLink replaces the row for link.ContextID and rewrites its reverse-index
	// entries atomically. A row with no remote chats and single-binding mode is deleted.
	PutLink(ctx context.Context, link LinkData) error
	// DeleteLink removes the row and its reverse-index entries.
	DeleteLink(ctx context.Context, contextID int64) error
	// LookupContext resolves a remote chat through the reverse index.
	LookupContext(ctx context.Context, remoteChat string) (contextID int64, ok bool, err error)
}
