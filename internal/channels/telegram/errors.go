package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/linking"
	"github.com/nextlevelbuilder/chatbridge/internal/router"
)

const (
	errorReplyRate  = 0.2 // per second and context
	errorReplyBurst = 3
)

// ReportError tells the user why a front-end event could not be routed, as a
// reply to the message concerned.
func (c *Channel) ReportError(ctx context.Context, ev bus.FrontendEvent, err error) {
	if c.errorReplies != nil && !c.errorReplies.Allow(strconv.FormatInt(ev.ContextID, 10)) {
		slog.Debug("telegram error report suppressed", "context_id", ev.ContextID, "error", err)
		return
	}
	text := describeError(err)
	if _, sendErr := c.client.Send(ctx, ev.ContextID, channels.Content{Text: text, Silent: true}, ev.MessageID); sendErr != nil {
		slog.Warn("telegram error report failed", "context_id", ev.ContextID, "error", sendErr)
	}
}

// describeError renders a routing or binding error for the user.
func describeError(err error) string {
	var re *linking.RemediationError
	var ure *router.UnsupportedReactionError
	switch {
	case errors.As(err, &re):
		return fmt.Sprintf("%s. %s", firstUpper(re.Err.Error()), re.Hint)
	case errors.As(err, &ure):
		if len(ure.Accepted) == 0 {
			return fmt.Sprintf("Reaction %s is not accepted by this chat.", ure.Reaction)
		}
		return fmt.Sprintf("Reaction %s is not accepted by this chat. Accepted: %s", ure.Reaction, strings.Join(ure.Accepted, " "))
	case errors.Is(err, router.ErrAmbiguousTarget):
		return "Cannot tell which chat this message is for. Reply to a message from that chat, or use /to <channel> <chat> <text>."
	case errors.Is(err, router.ErrUnsupportedOperation):
		return "The remote chat does not support this operation."
	case errors.Is(err, ledger.ErrEvicted):
		return "The message you replied to is too old; its origin is no longer tracked."
	case errors.Is(err, ledger.ErrNotTracked):
		return "That message was not delivered through the bridge."
	case errors.Is(err, linking.ErrInvalidOrExpiredCode):
		return "This binding code is invalid or has expired. Ask for a new one with /linkcode."
	case errors.Is(err, linking.ErrNoSession):
		return "This link request has expired. Start again with /link."
	case errors.Is(err, linking.ErrNotAdmin):
		return "You are not an administrator of that chat."
	case errors.Is(err, binding.ErrModeViolation):
		return "Multi-binding mode is disabled on this bridge."
	}
	return "Failed to deliver: " + err.Error()
}

func firstUpper(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
