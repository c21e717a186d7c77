// Package channels defines the two transport capabilities the bridge talks
// to: the single front-end client and any number of remote channels (one per
// third-party platform), plus a Manager that owns the remote channels.
package channels

import (
	"context"
	"errors"
	"slices"
	"unicode/utf8"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// ErrUnsupported is returned by a transport for an operation the platform or
// the message type does not allow.
var ErrUnsupported = errors.New("operation not supported")

// Content is a message body as handed to a transport.
type Content struct {
	Text string `json:"text"`
	// Silent asks the transport not to notify (e.g. Telegram disable_notification).
	Silent bool `json:"silent,omitempty"`
}

// FrontendClient is the front-end transport. Message ids are platform-native ints.
type FrontendClient interface {
	// Send posts c to the context, optionally as a reply (replyTo 0 = none),
	// and returns the new message id.
	Send(ctx context.Context, contextID int64, c Content, replyTo int) (int, error)
	Edit(ctx context.Context, contextID int64, msgID int, c Content) error
	// Delete returns ErrUnsupported when the platform refuses the deletion.
	Delete(ctx context.Context, contextID int64, msgID int) error
	// React sets the bridge's reaction on a message; an empty reaction clears it.
	React(ctx context.Context, contextID int64, msgID int, reaction string) error
}

// Capabilities describes what a remote chat supports.
type Capabilities struct {
	SupportsEdit   bool
	SupportsDelete bool
	// AcceptedReactions lists the reactions the chat accepts; nil means any.
	AcceptedReactions []string
}

// AcceptsReaction reports whether r is in the accepted set.
func (c Capabilities) AcceptsReaction(r string) bool {
	return c.AcceptedReactions == nil || slices.Contains(c.AcceptedReactions, r)
}

// RemoteChannel is a remote platform plugin. Message ids are opaque strings.
type RemoteChannel interface {
	// ID is the channel id used in chat.Key.ChannelID.
	ID() string
	// Name is the human-readable platform name.
	Name() string

	Send(ctx context.Context, key chat.Key, c Content, replyTo string) (string, error)
	Edit(ctx context.Context, key chat.Key, msgID string, c Content) error
	Delete(ctx context.Context, key chat.Key, msgID string) error
	React(ctx context.Context, key chat.Key, msgID, reaction string, remove bool) error

	Capabilities(key chat.Key) Capabilities
	// ListChats returns every chat the channel can currently reach.
	ListChats(ctx context.Context) ([]chat.RemoteChat, error)
}

// Runner is implemented by transports with a connection lifecycle.
type Runner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
}

// Truncate shortens a string to at most maxLen bytes without splitting a
// UTF-8 sequence, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
