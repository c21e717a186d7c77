package binding

import (
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/chat"
)

var (
	// ErrModeViolation is returned when a link would break the context's binding mode:
	// a second chat on a single-binding context, or multi-binding while it is globally off.
	ErrModeViolation = errors.New("binding mode violation")
	// ErrAlreadyLinkedElsewhere is returned when the remote chat is bound to another context.
	ErrAlreadyLinkedElsewhere = errors.New("remote chat already linked to another context")
)

// LinkError describes a failed Link. Bound lists the chats that caused the
// conflict; for ErrAlreadyLinkedElsewhere, Prior is the context currently holding Chat.
type LinkError struct {
	Context chat.FrontendContext
	Chat    chat.Key
	Prior   chat.FrontendContext
	Bound   []chat.Key
	Err     error
}

func (e *LinkError) Error() string {
	switch {
	case errors.Is(e.Err, ErrAlreadyLinkedElsewhere):
		return fmt.Sprintf("link %s to %d: already linked to %d", e.Chat, e.Context.ID, e.Prior.ID)
	case len(e.Bound) > 0:
		return fmt.Sprintf("link %s to %d: %v (bound to %s)", e.Chat, e.Context.ID, e.Err, e.Bound[0])
	}
	return fmt.Sprintf("link %s to %d: %v", e.Chat, e.Context.ID, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
