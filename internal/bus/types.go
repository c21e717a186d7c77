// Package bus carries normalized events from the transports into the router.
package bus

import (
	"context"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// Kind is what happened to a message.
type Kind string

const (
	KindMessage  Kind = "message"
	KindEdit     Kind = "edit"
	KindDelete   Kind = "delete"
	KindReaction Kind = "reaction"
)

// RemoteEvent is an event observed in a remote chat.
type RemoteEvent struct {
	Kind      Kind     `json:"kind"`
	Chat      chat.Key `json:"chat"`
	MessageID string   `json:"message_id"`
	Author    string   `json:"author,omitempty"`
	Text      string   `json:"text,omitempty"`
	ReplyTo   string   `json:"reply_to,omitempty"` // remote message id being replied to
	Reaction  string   `json:"reaction,omitempty"`
	Remove    bool     `json:"remove,omitempty"` // reaction removed
}

// FrontendEvent is an event observed in a front-end context.
type FrontendEvent struct {
	Kind      Kind   `json:"kind"`
	ContextID int64  `json:"context_id"`
	MessageID int    `json:"message_id"` // the message created, edited, deleted or reacted to
	SenderID  string `json:"sender_id,omitempty"`
	Text      string `json:"text,omitempty"`
	ReplyTo   int    `json:"reply_to,omitempty"` // front-end message id being replied to
	// Target, when set, names the remote chat explicitly and bypasses resolution.
	Target   chat.Key `json:"target,omitempty"`
	Reaction string   `json:"reaction,omitempty"`
	Remove   bool     `json:"remove,omitempty"`
}

// Handler consumes events. The router implements it.
type Handler interface {
	HandleRemote(ctx context.Context, ev RemoteEvent) error
	HandleFrontend(ctx context.Context, ev FrontendEvent) error
}

// ErrorHandler observes events whose handling failed. Returning true halts
// the dispatcher with err.
type ErrorHandler func(ev any, err error) (halt bool)

// Publisher is what transports hold to hand events to the engine.
type Publisher interface {
	PublishRemote(ev RemoteEvent)
	PublishFrontend(ev FrontendEvent)
}
