// Package compensation decides what to do when a remote chat cannot perform
// an operation natively.
package compensation

import (
	"fmt"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// Operation is a message operation replayed on the remote side.
type Operation string

const (
	OpEdit   Operation = "edit"
	OpDelete Operation = "delete"
	OpReact  Operation = "react"
)

// Action is the concrete outcome for an operation.
type Action int

const (
	// Passthrough performs the operation natively.
	Passthrough Action = iota
	// Notify sends a notification to the opposite side in place of the operation.
	Notify
	// Fail rejects the operation as unsupported.
	Fail
)

func (a Action) String() string {
	switch a {
	case Passthrough:
		return "passthrough"
	case Notify:
		return "notify"
	case Fail:
		return "fail"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// Decide maps an operation and the remote chat's capabilities to an action.
// Only an unsupported delete under the prevent-removal policy is compensated;
// every other gap fails. reaction is consulted for OpReact only.
func Decide(op Operation, caps channels.Capabilities, preventRemoval bool, reaction string) Action {
	switch op {
	case OpEdit:
		if caps.SupportsEdit {
			return Passthrough
		}
	case OpDelete:
		if caps.SupportsDelete {
			return Passthrough
		}
		if preventRemoval {
			return Notify
		}
	case OpReact:
		if caps.AcceptsReaction(reaction) {
			return Passthrough
		}
	}
	return Fail
}

// RemovalNotice is the text sent in place of a deletion the remote side cannot perform.
func RemovalNotice(preview string) string {
	if preview == "" {
		return "The sender removed a message that cannot be recalled on this side."
	}
	return fmt.Sprintf("The sender removed a message that cannot be recalled on this side: %q", preview)
}

// KeptNotice is the text sent when the remote side removed a message whose
// front-end copy is kept.
func KeptNotice(author string) string {
	if author == "" {
		return "This message was removed on the remote side."
	}
	return fmt.Sprintf("This message was removed on the remote side by %s.", author)
}
