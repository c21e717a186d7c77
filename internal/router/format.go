package router

import (
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

// header prefixes remote messages so the reader can tell senders apart: the
// chat name when the context is shared by several chats, the author in group chats.
func (r *Router) header(contextID int64, key chat.Key, author string) string {
	shared := r.bindings.IsMulti(contextID) || len(r.bindings.ResolveBindings(contextID)) > 1
	group := false
	if r.directory != nil {
		if c, ok := r.directory.Lookup(key); ok {
			group = c.Kind == chat.KindGroup
		}
	}

	switch {
	case shared && group && author != "":
		return fmt.Sprintf("%s @ %s:\n", author, r.displayName(key))
	case shared:
		return r.displayName(key) + ":\n"
	case group && author != "":
		return author + ":\n"
	}
	return ""
}

func (r *Router) displayName(key chat.Key) string {
	if r.directory != nil {
		if c, ok := r.directory.Lookup(key); ok {
			return c.DisplayName()
		}
	}
	return key.ChatID
}

func implicitWarning(name string) string {
	return fmt.Sprintf("Sent to %s, the last chat you talked to here. Reply to a message to pick a different recipient.", name)
}
