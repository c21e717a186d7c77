// Package chat holds the data model shared by the bridge engine: remote chats
// living on third-party platforms and the front-end contexts they are bound to.
package chat

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the kind of a remote chat.
type Kind string

const (
	KindUser   Kind = "user"
	KindGroup  Kind = "group"
	KindSystem Kind = "system"
)

// Title returns the capitalized name used in rendered chat records ("User", "Group", "System").
func (k Kind) Title() string {
	switch k {
	case KindUser:
		return "User"
	case KindGroup:
		return "Group"
	case KindSystem:
		return "System"
	}
	return "Unknown"
}

// Notification is the notification policy of a remote chat.
type Notification string

const (
	NotifyAll     Notification = "all"
	NotifyMention Notification = "mention"
	NotifyNone    Notification = "none"
)

// Key identifies a remote chat: the channel (platform plugin) id plus the chat id
// inside that channel. Keys are immutable and comparable.
type Key struct {
	ChannelID string `json:"channel_id"`
	ChatID    string `json:"chat_id"`
}

// String renders the key as "channel_id chat_id". Channel ids never contain spaces.
func (k Key) String() string {
	return k.ChannelID + " " + k.ChatID
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.ChannelID == "" && k.ChatID == ""
}

// ParseKey parses the output of Key.String.
func ParseKey(s string) (Key, error) {
	channel, id, ok := strings.Cut(strings.TrimSpace(s), " ")
	if !ok || channel == "" || id == "" {
		return Key{}, fmt.Errorf("invalid chat key %q", s)
	}
	return Key{ChannelID: channel, ChatID: id}, nil
}

// RemoteChat is a conversation on a third-party messaging platform.
// Identity (Key) is immutable; display attributes are refreshed on demand.
type RemoteChat struct {
	Key
	ChannelName  string       `json:"channel_name"`          // human readable platform name, e.g. "WeChat"
	Name         string       `json:"name"`
	Alias        string       `json:"alias,omitempty"` // empty = no alias
	Kind         Kind         `json:"kind"`
	Description  string       `json:"description,omitempty"`
	Notification Notification `json:"notification,omitempty"`
	Vendor       VendorInfo   `json:"vendor,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// DisplayName returns "Alias (Name)" when an alias is set, otherwise the name.
func (c RemoteChat) DisplayName() string {
	if c.Alias != "" && c.Alias != c.Name {
		return fmt.Sprintf("%s (%s)", c.Alias, c.Name)
	}
	if c.Name == "" {
		return c.ChatID
	}
	return c.Name
}

// ContextKind is the kind of a front-end chat context.
type ContextKind string

const (
	ContextPrivate ContextKind = "private"
	ContextGroup   ContextKind = "group"
	ContextChannel ContextKind = "channel"
)

// FrontendContext is a chat surface on the front-end platform. The bridge only
// references contexts; the platform owns them.
type FrontendContext struct {
	ID   int64       `json:"id"`
	Kind ContextKind `json:"kind"`
}
