package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"
	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/chatbridge/internal/binding"
	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/filter"
	"github.com/nextlevelbuilder/chatbridge/internal/ledger"
	"github.com/nextlevelbuilder/chatbridge/internal/linking"
)

const (
	// maxListed caps the chats shown by /chat and /link.
	maxListed = 40
	// nameWidth is the display width chat names are cut to in lists.
	nameWidth = 32
	// refreshTimeout bounds an on-demand directory refresh.
	refreshTimeout = 10 * time.Second
)

const helpText = "Bridge commands:\n" +
	"/chat [pattern] - list remote chats matching a pattern\n" +
	"/refresh - re-read the chat lists of the remote channels\n" +
	"/link [pattern] - link a remote chat to one of your chats\n" +
	"/linkcode <channel> <chat> - get a code to link a chat manually\n" +
	"/bind <code> - link the chat of a code to this chat\n" +
	"/unlink - unlink the chat of the replied message (or the only linked chat)\n" +
	"/unlink_all - unlink every chat from this chat\n" +
	"/multi on|off - allow this chat to receive several remote chats\n" +
	"/relink - reply to a message to link its chat elsewhere\n" +
	"/rm - reply to a message to remove it on the remote side\n" +
	"/react <emoji> - reply to a message to react on the remote side (-<emoji> removes)\n" +
	"/to <channel> <chat> <text> - send to a specific remote chat\n" +
	"/help - show this message"

// parseCommand splits "/cmd@bot args" into ("/cmd", "args").
func parseCommand(text string) (cmd, args string) {
	head, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	head, _, _ = strings.Cut(head, "@")
	return strings.ToLower(head), strings.TrimSpace(rest)
}

func isCommand(text string) bool {
	return strings.HasPrefix(text, "/")
}

// handleBotCommand checks if the message is a known bot command and handles it.
// Returns true if the message was handled as a command.
func (c *Channel) handleBotCommand(ctx context.Context, message *telego.Message) bool {
	if !isCommand(message.Text) {
		return false
	}
	cmd, args := parseCommand(message.Text)
	fc := chat.FrontendContext{ID: message.Chat.ID, Kind: contextKind(message.Chat.Type)}
	userID := message.From.ID

	switch cmd {
	case "/start", "/help":
		c.reply(ctx, message, helpText)

	case "/chat":
		if !c.requireOperator(ctx, message) {
			return true
		}
		c.handleListChats(ctx, message, args)

	case "/refresh":
		if !c.requireOperator(ctx, message) {
			return true
		}
		c.refreshDirectory(ctx)
		c.reply(ctx, message, fmt.Sprintf("%d chats known on %s.", c.deps.Directory.Len(), knownChannels(c.deps.Directory.Channels())))

	case "/link":
		if !c.requireOperator(ctx, message) {
			return true
		}
		c.handleLinkPicker(ctx, message, args)

	case "/linkcode":
		if !c.requireOperator(ctx, message) {
			return true
		}
		key, err := chat.ParseKey(args)
		if err != nil {
			c.reply(ctx, message, "Usage: /linkcode <channel> <chat>")
			return true
		}
		code, exp, err := c.linking.IssueCode(ctx, userID, key)
		if err != nil {
			c.reply(ctx, message, describeError(err))
			return true
		}
		c.reply(ctx, message, fmt.Sprintf("Send this in the chat to link, before %s:\n/bind %s", exp.Format(time.Kitchen), code))

	case "/bind":
		if !c.requireOperator(ctx, message) {
			return true
		}
		if !c.isChatAdmin(ctx, fc.ID, userID) {
			c.reply(ctx, message, describeError(linking.ErrNotAdmin))
			return true
		}
		if args == "" {
			c.reply(ctx, message, "Usage: /bind <code>")
			return true
		}
		key, err := c.linking.Redeem(ctx, args, fc)
		if err != nil {
			c.reply(ctx, message, describeError(err))
			return true
		}
		c.reply(ctx, message, "Linked "+c.chatName(key)+" to this chat.")

	case "/unlink":
		if !c.requireOperator(ctx, message) {
			return true
		}
		c.handleUnlink(ctx, message, fc)

	case "/unlink_all":
		if !c.requireOperator(ctx, message) {
			return true
		}
		n, err := c.linking.UnbindAll(ctx, fc)
		if err != nil {
			c.reply(ctx, message, describeError(err))
			return true
		}
		c.reply(ctx, message, fmt.Sprintf("Unlinked %d chat(s).", n))

	case "/multi":
		if !c.requireOperator(ctx, message) {
			return true
		}
		var multi bool
		switch strings.ToLower(args) {
		case "on":
			multi = true
		case "off":
		default:
			state := "off"
			if c.deps.Bindings.IsMulti(fc.ID) {
				state = "on"
			}
			c.reply(ctx, message, "Multi-binding is "+state+" for this chat. Usage: /multi on|off")
			return true
		}
		if err := c.deps.Bindings.SetMode(ctx, fc, multi); err != nil {
			c.reply(ctx, message, describeModeError(err))
			return true
		}
		c.reply(ctx, message, "Multi-binding is now "+strings.ToLower(args)+".")

	case "/relink":
		if !c.requireOperator(ctx, message) {
			return true
		}
		if message.ReplyToMessage == nil {
			c.reply(ctx, message, "Reply to a message from the chat you want to relink.")
			return true
		}
		s, err := c.linking.Rebind(ctx, userID, ledger.FrontendRef{ContextID: fc.ID, MessageID: message.ReplyToMessage.MessageID})
		if err != nil {
			c.reply(ctx, message, describeError(err))
			return true
		}
		c.sendCandidates(ctx, message, s.ID)

	case "/rm":
		if !c.requireOperator(ctx, message) {
			return true
		}
		if message.ReplyToMessage == nil {
			c.reply(ctx, message, "Reply to the message you want to remove.")
			return true
		}
		c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
			Kind: bus.KindDelete, ContextID: fc.ID, MessageID: message.ReplyToMessage.MessageID,
			SenderID: senderID(message.From),
		})

	case "/react":
		if !c.requireOperator(ctx, message) {
			return true
		}
		if message.ReplyToMessage == nil || args == "" {
			c.reply(ctx, message, "Reply to a message with /react <emoji>, or /react -<emoji> to remove it.")
			return true
		}
		reaction, remove := strings.CutPrefix(args, "-")
		c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
			Kind: bus.KindReaction, ContextID: fc.ID, MessageID: message.ReplyToMessage.MessageID,
			SenderID: senderID(message.From), Reaction: strings.TrimSpace(reaction), Remove: remove,
		})

	case "/to":
		if !c.requireOperator(ctx, message) {
			return true
		}
		target, text, ok := parseExplicitTarget(args)
		if !ok {
			c.reply(ctx, message, "Usage: /to <channel> <chat> <text>")
			return true
		}
		c.deps.Publisher.PublishFrontend(bus.FrontendEvent{
			Kind: bus.KindMessage, ContextID: fc.ID, MessageID: message.MessageID,
			SenderID: senderID(message.From), Text: text, Target: target,
		})

	default:
		return false
	}
	return true
}

// parseExplicitTarget splits "<channel> <chat> <text>".
func parseExplicitTarget(args string) (chat.Key, string, bool) {
	fields := strings.SplitN(args, " ", 3)
	if len(fields) < 3 || fields[0] == "" || fields[1] == "" || strings.TrimSpace(fields[2]) == "" {
		return chat.Key{}, "", false
	}
	return chat.Key{ChannelID: fields[0], ChatID: fields[1]}, strings.TrimSpace(fields[2]), true
}

func (c *Channel) requireOperator(ctx context.Context, message *telego.Message) bool {
	if c.isOperator(message.From.ID) {
		return true
	}
	c.reply(ctx, message, "You are not allowed to use this bridge.")
	return false
}

func describeModeError(err error) string {
	var le *binding.LinkError
	if errors.As(err, &le) {
		return fmt.Sprintf("%d chats are linked here. Unlink until at most one is left before turning multi-binding off.", len(le.Bound))
	}
	return describeError(err)
}

// handleUnlink unlinks the chat of the replied message, or the only bound chat.
func (c *Channel) handleUnlink(ctx context.Context, message *telego.Message, fc chat.FrontendContext) {
	var key chat.Key
	if message.ReplyToMessage != nil {
		e, err := c.deps.Ledger.LookupByFrontend(ctx, ledger.FrontendRef{ContextID: fc.ID, MessageID: message.ReplyToMessage.MessageID})
		if err != nil {
			c.reply(ctx, message, describeError(err))
			return
		}
		key = e.Remote.Chat
	} else {
		bound := c.deps.Bindings.ResolveBindings(fc.ID)
		switch len(bound) {
		case 0:
			c.reply(ctx, message, "No chat is linked here.")
			return
		case 1:
			key = bound[0]
		default:
			c.reply(ctx, message, fmt.Sprintf("%d chats are linked here. Reply to a message from the one to unlink, or use /unlink_all.", len(bound)))
			return
		}
	}
	if err := c.linking.Unbind(ctx, fc, key); err != nil {
		c.reply(ctx, message, describeError(err))
		return
	}
	c.reply(ctx, message, "Unlinked "+c.chatName(key)+".")
}

// handleListChats answers /chat with the chats matching the pattern.
func (c *Channel) handleListChats(ctx context.Context, message *telego.Message, pattern string) {
	p, err := filter.Compile(pattern)
	if err != nil {
		c.reply(ctx, message, "Invalid pattern: "+err.Error())
		return
	}
	matches := c.searchChats(ctx, p)
	if len(matches) == 0 {
		c.reply(ctx, message, c.noMatchText())
		return
	}
	var sb strings.Builder
	for i, rc := range matches {
		if i == maxListed {
			sb.WriteString("…\n")
			break
		}
		mark := "  "
		if c.deps.Bindings.IsLinked(rc.Key) {
			mark = "🔗"
		}
		fmt.Fprintf(&sb, "%s %s [%s] %s\n", mark, listName(rc), rc.ChannelName, rc.Key)
	}
	c.reply(ctx, message, sb.String())
}

// searchChats returns up to maxListed+1 chats matching p. When nothing
// matches, the remote channels are asked for their chat lists and the search
// is repeated, so chats created since the last refresh can be found.
func (c *Channel) searchChats(ctx context.Context, p *filter.Pattern) []chat.RemoteChat {
	collect := func() []chat.RemoteChat {
		var out []chat.RemoteChat
		for rc := range c.deps.Directory.Search(p, c.deps.Bindings.IsLinked) {
			out = append(out, rc)
			if len(out) > maxListed {
				break
			}
		}
		return out
	}
	if out := collect(); len(out) > 0 {
		return out
	}
	c.refreshDirectory(ctx)
	return collect()
}

func (c *Channel) refreshDirectory(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	c.deps.Directory.RefreshAll(rctx)
}

func (c *Channel) noMatchText() string {
	ids := c.deps.Directory.Channels()
	if len(ids) == 0 {
		return "No chat matches. No remote chat is known yet."
	}
	return "No chat matches. Known channels: " + strings.Join(ids, ", ") + "."
}

func knownChannels(ids []string) string {
	if len(ids) == 0 {
		return "no channel"
	}
	return strings.Join(ids, ", ")
}

// listName is the chat's display name cut to a fixed display width.
func listName(rc chat.RemoteChat) string {
	return runewidth.Truncate(rc.DisplayName(), nameWidth, "…")
}

func (c *Channel) chatName(key chat.Key) string {
	if rc, ok := c.deps.Directory.Lookup(key); ok {
		return rc.DisplayName()
	}
	return key.String()
}

// SyncMenuCommands registers bot commands with Telegram via setMyCommands.
func (c *Channel) SyncMenuCommands(ctx context.Context, commands []telego.BotCommand) error {
	if err := c.bot.DeleteMyCommands(ctx, nil); err != nil {
		slog.Debug("deleteMyCommands failed (may not exist)", "error", err)
	}
	if len(commands) == 0 {
		return nil
	}
	return c.bot.SetMyCommands(ctx, &telego.SetMyCommandsParams{
		Commands: commands,
	})
}

// DefaultMenuCommands returns the default bot menu commands.
func DefaultMenuCommands() []telego.BotCommand {
	return []telego.BotCommand{
		{Command: "chat", Description: "List remote chats"},
		{Command: "refresh", Description: "Re-read remote chat lists"},
		{Command: "link", Description: "Link a remote chat"},
		{Command: "linkcode", Description: "Get a manual link code"},
		{Command: "bind", Description: "Redeem a link code here"},
		{Command: "unlink", Description: "Unlink a remote chat"},
		{Command: "unlink_all", Description: "Unlink every remote chat here"},
		{Command: "multi", Description: "Toggle multi-binding for this chat"},
		{Command: "relink", Description: "Link the replied message's chat elsewhere"},
		{Command: "rm", Description: "Remove the replied message remotely"},
		{Command: "react", Description: "React to the replied message remotely"},
		{Command: "to", Description: "Send to a specific remote chat"},
		{Command: "help", Description: "Show available commands"},
	}
}
