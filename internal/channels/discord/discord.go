// Package discord is a remote channel bridging Discord text channels and DMs.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/chatbridge/internal/bus"
	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/chat"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// ChannelID is the id of this channel in chat keys.
const ChannelID = "discord"

// maxMessageLen is Discord's per-message content limit.
const maxMessageLen = 2000

// api is the subset of *discordgo.Session used for outbound calls.
type api interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageEdit(channelID, messageID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
	GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error)
}

// ChatSink learns chats as messages arrive. *chats.Directory implements it.
type ChatSink interface {
	Upsert(ctx context.Context, c chat.RemoteChat) error
}

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	session   *discordgo.Session
	api       api
	publisher bus.Publisher
	sink      ChatSink
	botUserID string   // populated on start
	seen      sync.Map // chat id → struct{}, chats already recorded in the sink
	running   atomic.Bool
}

// New creates a new Discord channel from config. sink may be nil.
func New(cfg config.DiscordConfig, publisher bus.Publisher, sink ChatSink) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	// Request necessary intents
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsMessageContent

	return &Channel{
		session:   session,
		api:       session,
		publisher: publisher,
		sink:      sink,
	}, nil
}

// ID implements channels.RemoteChannel.
func (c *Channel) ID() string { return ChannelID }

// Name implements channels.RemoteChannel.
func (c *Channel) Name() string { return "Discord" }

// IsRunning implements channels.Runner.
func (c *Channel) IsRunning() bool { return c.running.Load() }

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.session.AddHandler(c.onMessageCreate)
	c.session.AddHandler(c.onMessageUpdate)
	c.session.AddHandler(c.onMessageDelete)
	c.session.AddHandler(c.onReactionAdd)
	c.session.AddHandler(c.onReactionRemove)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	// Fetch bot identity
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID

	c.running.Store(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.running.Store(false)
	return c.session.Close()
}

// Send implements channels.RemoteChannel. Content over the Discord limit is
// split; the id of the first part is returned.
func (c *Channel) Send(ctx context.Context, key chat.Key, content channels.Content, replyTo string) (string, error) {
	if key.ChatID == "" {
		return "", fmt.Errorf("empty chat ID for discord send")
	}
	var firstID string
	for i, chunk := range chunk(content.Text, maxMessageLen) {
		data := &discordgo.MessageSend{Content: chunk}
		if i == 0 && replyTo != "" {
			failIfMissing := false
			data.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: key.ChatID, FailIfNotExists: &failIfMissing}
		}
		if content.Silent {
			data.Flags = discordgo.MessageFlagsSuppressNotifications
		}
		m, err := c.api.ChannelMessageSendComplex(key.ChatID, data, discordgo.WithContext(ctx))
		if err != nil {
			return firstID, fmt.Errorf("send discord message: %w", mapErr(err))
		}
		if firstID == "" {
			firstID = m.ID
		}
	}
	return firstID, nil
}

// Edit implements channels.RemoteChannel.
func (c *Channel) Edit(ctx context.Context, key chat.Key, msgID string, content channels.Content) error {
	if _, err := c.api.ChannelMessageEdit(key.ChatID, msgID, chunk(content.Text, maxMessageLen)[0], discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("edit discord message: %w", mapErr(err))
	}
	return nil
}

// Delete implements channels.RemoteChannel.
func (c *Channel) Delete(ctx context.Context, key chat.Key, msgID string) error {
	if err := c.api.ChannelMessageDelete(key.ChatID, msgID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("delete discord message: %w", mapErr(err))
	}
	return nil
}

// React implements channels.RemoteChannel.
func (c *Channel) React(ctx context.Context, key chat.Key, msgID, reaction string, remove bool) error {
	var err error
	if remove {
		err = c.api.MessageReactionRemove(key.ChatID, msgID, reaction, "@me", discordgo.WithContext(ctx))
	} else {
		err = c.api.MessageReactionAdd(key.ChatID, msgID, reaction, discordgo.WithContext(ctx))
	}
	if err != nil {
		return fmt.Errorf("discord reaction: %w", mapErr(err))
	}
	return nil
}

// Capabilities implements channels.RemoteChannel. The bot edits and deletes
// its own messages; any unicode emoji is accepted as a reaction.
func (c *Channel) Capabilities(chat.Key) channels.Capabilities {
	return channels.Capabilities{SupportsEdit: true, SupportsDelete: true}
}

// ListChats implements channels.RemoteChannel: the text channels of every
// guild the bot is in plus the open DM channels.
func (c *Channel) ListChats(ctx context.Context) ([]chat.RemoteChat, error) {
	c.session.State.RLock()
	guilds := make([]*discordgo.Guild, len(c.session.State.Guilds))
	copy(guilds, c.session.State.Guilds)
	private := make([]*discordgo.Channel, len(c.session.State.PrivateChannels))
	copy(private, c.session.State.PrivateChannels)
	c.session.State.RUnlock()

	var out []chat.RemoteChat
	for _, g := range guilds {
		chs, err := c.api.GuildChannels(g.ID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, fmt.Errorf("list channels of guild %s: %w", g.ID, err)
		}
		for _, ch := range chs {
			if ch.Type != discordgo.ChannelTypeGuildText {
				continue
			}
			out = append(out, toRemoteChat(ch, g.Name))
		}
	}
	for _, ch := range private {
		out = append(out, toRemoteChat(ch, ""))
	}
	return out, nil
}

func toRemoteChat(ch *discordgo.Channel, guildName string) chat.RemoteChat {
	rc := chat.RemoteChat{
		Key:          chat.Key{ChannelID: ChannelID, ChatID: ch.ID},
		ChannelName:  "Discord",
		Description:  ch.Topic,
		Notification: chat.NotifyAll,
	}
	switch ch.Type {
	case discordgo.ChannelTypeDM:
		rc.Kind = chat.KindUser
		if len(ch.Recipients) > 0 {
			rc.Name = ch.Recipients[0].Username
			if ch.Recipients[0].GlobalName != "" {
				rc.Alias = ch.Recipients[0].GlobalName
			}
		}
	case discordgo.ChannelTypeGroupDM:
		rc.Kind = chat.KindGroup
		rc.Name = ch.Name
	default:
		rc.Kind = chat.KindGroup
		rc.Name = "#" + ch.Name
		if guildName != "" {
			rc.Alias = guildName + " #" + ch.Name
		}
		rc.Vendor.Set("guild_id", ch.GuildID)
		rc.Vendor.Set("guild", guildName)
	}
	return rc
}

// mapErr turns Discord permission refusals into channels.ErrUnsupported.
func mapErr(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeCannotEditFromAnotherUser, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %s", channels.ErrUnsupported, rest.Message.Message)
		}
	}
	return err
}

// chunk splits s into pieces of at most max bytes, preferring newline breaks.
func chunk(s string, max int) []string {
	if s == "" {
		return []string{""}
	}
	var out []string
	for len(s) > 0 {
		if len(s) <= max {
			out = append(out, s)
			break
		}
		cutAt := max
		if idx := strings.LastIndexByte(s[:max], '\n'); idx > max/2 {
			cutAt = idx + 1
		}
		for cutAt > 0 && !utf8.RuneStart(s[cutAt]) {
			cutAt--
		}
		out = append(out, s[:cutAt])
		s = s[cutAt:]
	}
	return out
}
