package telegram

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
)

// handleUpdate routes one Telegram update.
func (c *Channel) handleUpdate(ctx context.Context, update telego.Update) {
	switch {
	case update.Message != nil:
		c.handleMessage(ctx, update.Message)
	case update.EditedMessage != nil:
		c.handleEdited(update.EditedMessage)
	case update.CallbackQuery != nil:
		c.handleCallbackQuery(ctx, update.CallbackQuery)
	case update.MessageReaction != nil:
		c.handleReaction(update.MessageReaction)
	default:
		slog.Debug("telegram update skipped", "update_id", update.UpdateID)
	}
}

// handleMessage processes an incoming Telegram message.
func (c *Channel) handleMessage(ctx context.Context, message *telego.Message) {
	// Skip service messages (member added/removed, title changed, etc.).
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped", "chat_id", message.Chat.ID)
		return
	}
	user := message.From
	if user == nil || user.IsBot {
		return
	}
	fc := c.remember(message.Chat)

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", message.Chat.ID,
		"user_id", user.ID,
		"text_preview", channels.Truncate(message.Text, 60),
	)

	if c.handleBotCommand(ctx, message) {
		return
	}
	if !c.isOperator(user.ID) {
		slog.Debug("telegram message from non-operator not bridged", "chat_id", message.Chat.ID, "user_id", user.ID)
		return
	}
	if message.Text == "" {
		c.reply(ctx, message, "Only text messages can be bridged.")
		return
	}

	c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
		Kind:      bus.KindMessage,
		ContextID: fc.ID,
		MessageID: message.MessageID,
		SenderID:  senderID(user),
		Text:      message.Text,
		ReplyTo:   replyToID(message),
	})
}

func (c *Channel) handleEdited(message *telego.Message) {
	if message.From == nil || message.Text == "" || isCommand(message.Text) || !c.isOperator(message.From.ID) {
		return
	}
	c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
		Kind:      bus.KindEdit,
		ContextID: message.Chat.ID,
		MessageID: message.MessageID,
		SenderID:  senderID(message.From),
		Text:      message.Text,
	})
}

// handleReaction publishes one event per emoji added or removed.
func (c *Channel) handleReaction(r *telego.MessageReactionUpdated) {
	if r.User == nil || r.User.IsBot || !c.isOperator(r.User.ID) {
		return
	}
	added, removed := reactionDiff(r.OldReaction, r.NewReaction)
	for _, e := range added {
		c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
			Kind: bus.KindReaction, ContextID: r.Chat.ID, MessageID: r.MessageID,
			SenderID: senderID(r.User), Reaction: e,
		})
	}
	for _, e := range removed {
		c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
			Kind: bus.KindReaction, ContextID: r.Chat.ID, MessageID: r.MessageID,
			SenderID: senderID(r.User), Reaction: e, Remove: true,
		})
	}
}

// reactionDiff returns the emoji present only in next (added) and only in prev (removed).
func reactionDiff(prev, next []telego.ReactionType) (added, removed []string) {
	before := emojiSet(prev)
	after := emojiSet(next)
	for _, e := range emojiList(next) {
		if !before[e] {
			added = append(added, e)
		}
	}
	for _, e := range emojiList(prev) {
		if !after[e] {
			removed = append(removed, e)
		}
	}
	return added, removed
}

func emojiList(rs []telego.ReactionType) []string {
	var out []string
	for _, r := range rs {
		switch v := r.(type) {
		case *telego.ReactionTypeEmoji:
			out = append(out, v.Emoji)
		}
	}
	return out
}

func emojiSet(rs []telego.ReactionType) map[string]bool {
	set := make(map[string]bool)
	for _, e := range emojiList(rs) {
		set[e] = true
	}
	return set
}

func senderID(u *telego.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		return strconv.FormatInt(u.ID, 10)
	}
	return name
}

func replyToID(m *telego.Message) int {
	if m.ReplyToMessage == nil {
		return 0
	}
	return m.ReplyToMessage.MessageID
}

// reply answers message with a plain notice; failures are logged.
func (c *Channel) reply(ctx context.Context, message *telego.Message, text string) {
	if _, err := c.client.Send(ctx, message.Chat.ID, channels.Content{Text: text, Silent: true}, message.MessageID); err != nil {
		slog.Warn("telegram reply failed", "chat_id", message.Chat.ID, "error", err)
	}
}

// isServiceMessage returns true if the Telegram message is a service/system message
// (member added/removed, title changed, pinned, etc.) rather than a user-sent message.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
