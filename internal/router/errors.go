package router

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnrouted means no front-end context is bound to the remote chat.
	ErrUnrouted = errors.New("remote chat is not linked to any context")
	// ErrAmbiguousTarget means the front-end message has no resolvable target;
	// the user must reply to a message or pick a chat explicitly.
	ErrAmbiguousTarget = errors.New("cannot determine the recipient; reply to a message or pick a chat")
	// ErrUnsupportedOperation means the other side cannot perform the operation.
	ErrUnsupportedOperation = errors.New("operation not supported by the recipient")
	// ErrUnsupportedReaction means the reaction is not in the remote chat's accepted set.
	ErrUnsupportedReaction = errors.New("reaction not accepted by the remote chat")
)

// UnsupportedReactionError carries the reactions the remote chat accepts.
type UnsupportedReactionError struct {
	Reaction string
	Accepted []string
}

func (e *UnsupportedReactionError) Error() string {
	if len(e.Accepted) == 0 {
		return fmt.Sprintf("reaction %s not accepted by the remote chat", e.Reaction)
	}
	return fmt.Sprintf("reaction %s not accepted by the remote chat; accepted: %s",
		e.Reaction, strings.Join(e.Accepted, " "))
}

func (e *UnsupportedReactionError) Is(target error) bool { return target == ErrUnsupportedReaction }
